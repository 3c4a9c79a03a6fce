package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrAccountNotFound is returned when no account row exists for the identifier or key.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals the source balance cannot cover the transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrNonPositiveAmount rejects zero or negative value movement.
	ErrNonPositiveAmount = errors.New("ledger: amount must be positive")
	// ErrSameAccount rejects a transfer whose source and destination coincide.
	ErrSameAccount = errors.New("ledger: transfer to same account")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

type TransferParams struct {
	ID          string
	FromAccount string
	ToAccount   string
	Asset       string
	Amount      int64
	Memo        string
}

type DepositParams struct {
	ID        string
	AccountID string
	Asset     string
	Amount    int64
	Memo      string
}

// EnsureAccount creates the (kind, owner, asset) account if it does not exist
// and returns its id. candidateID is used only when a new row is inserted.
func (r *Repository) EnsureAccount(ctx context.Context, tx pgx.Tx, candidateID string, kind AccountKind, ownerRef, asset string) (string, error) {
	const q = `
INSERT INTO accounts (id, kind, owner_ref, asset)
VALUES ($1, $2::account_kind, $3, $4)
ON CONFLICT (kind, owner_ref, asset) DO UPDATE SET asset = EXCLUDED.asset
RETURNING id
`
	var id string
	if err := tx.QueryRow(ctx, q, candidateID, kind, ownerRef, asset).Scan(&id); err != nil {
		return "", fmt.Errorf("ledger: ensure account: %w", err)
	}
	return id, nil
}

// AccountID resolves the id of an existing (kind, owner, asset) account.
func (r *Repository) AccountID(ctx context.Context, tx pgx.Tx, kind AccountKind, ownerRef, asset string) (string, error) {
	const q = `SELECT id FROM accounts WHERE kind = $1::account_kind AND owner_ref = $2 AND asset = $3`

	var id string
	if err := tx.QueryRow(ctx, q, kind, ownerRef, asset).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("ledger: resolve account: %w", err)
	}
	return id, nil
}

// Account loads the full (kind, owner, asset) account row.
func (r *Repository) Account(ctx context.Context, tx pgx.Tx, kind AccountKind, ownerRef, asset string) (Account, error) {
	const q = `
SELECT id, kind, owner_ref, asset, balance, created_at
FROM accounts
WHERE kind = $1::account_kind AND owner_ref = $2 AND asset = $3
`
	var a Account
	err := tx.QueryRow(ctx, q, kind, ownerRef, asset).Scan(&a.ID, &a.Kind, &a.OwnerRef, &a.Asset, &a.Balance, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: load account: %w", err)
	}
	return a, nil
}

// Transfer moves amount from one account to another and journals the movement.
// Both rows are locked in ascending id order so concurrent transfers over the
// same pair cannot deadlock.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, p TransferParams) error {
	if p.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	if p.FromAccount == p.ToAccount {
		return ErrSameAccount
	}

	balances, err := r.lockBalances(ctx, tx, p.FromAccount, p.ToAccount)
	if err != nil {
		return err
	}
	if balances[p.FromAccount] < p.Amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2 WHERE id = $1`, p.FromAccount, p.Amount); err != nil {
		return fmt.Errorf("ledger: debit account: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, p.ToAccount, p.Amount); err != nil {
		return fmt.Errorf("ledger: credit account: %w", err)
	}

	const journalSQL = `
INSERT INTO transfers (id, from_account, to_account, asset, amount, memo)
VALUES ($1, $2, $3, $4, $5, $6)
`
	if _, err := tx.Exec(ctx, journalSQL, p.ID, p.FromAccount, p.ToAccount, p.Asset, p.Amount, p.Memo); err != nil {
		return fmt.Errorf("ledger: journal transfer: %w", err)
	}
	return nil
}

// Deposit credits an account from outside the ledger. The journal row carries
// a NULL source, which is how the conservation oracle identifies minted value.
func (r *Repository) Deposit(ctx context.Context, tx pgx.Tx, p DepositParams) error {
	if p.Amount <= 0 {
		return ErrNonPositiveAmount
	}

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("ledger: lock account: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, p.AccountID, p.Amount); err != nil {
		return fmt.Errorf("ledger: credit account: %w", err)
	}

	const journalSQL = `
INSERT INTO transfers (id, from_account, to_account, asset, amount, memo)
VALUES ($1, NULL, $2, $3, $4, $5)
`
	if _, err := tx.Exec(ctx, journalSQL, p.ID, p.AccountID, p.Asset, p.Amount, p.Memo); err != nil {
		return fmt.Errorf("ledger: journal deposit: %w", err)
	}
	return nil
}

// Balance reads a balance by account id without locking.
func (r *Repository) Balance(ctx context.Context, tx pgx.Tx, accountID string) (int64, error) {
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

func (r *Repository) lockBalances(ctx context.Context, tx pgx.Tx, a, b string) (map[string]int64, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	out := make(map[string]int64, 2)
	for _, id := range []string{first, second} {
		var balance int64
		if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrAccountNotFound
			}
			return nil, fmt.Errorf("ledger: lock account: %w", err)
		}
		out[id] = balance
	}
	return out, nil
}
