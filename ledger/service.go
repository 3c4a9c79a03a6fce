package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool        TxBeginner
	repo        *Repository
	idGenerator func() string
}

func NewService(pool TxBeginner, repo *Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Deposit credits the user's wallet for asset, creating the wallet on first
// use, and returns the wallet account id.
func (s *Service) Deposit(ctx context.Context, userID, asset string, amount int64) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("ledger: missing user id")
	}
	if asset == "" {
		return "", fmt.Errorf("ledger: missing asset")
	}
	if amount <= 0 {
		return "", ErrNonPositiveAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	accountID, err := s.repo.EnsureAccount(ctx, tx, s.idGenerator(), KindWallet, userID, asset)
	if err != nil {
		return "", err
	}

	deposit := DepositParams{
		ID:        s.idGenerator(),
		AccountID: accountID,
		Asset:     asset,
		Amount:    amount,
		Memo:      "deposit",
	}
	if err := s.repo.Deposit(ctx, tx, deposit); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("ledger: commit tx: %w", err)
	}
	return accountID, nil
}

// AccountFor loads the (kind, owner, asset) account row.
func (s *Service) AccountFor(ctx context.Context, kind AccountKind, ownerRef, asset string) (Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	account, err := s.repo.Account(ctx, tx, kind, ownerRef, asset)
	if err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("ledger: commit tx: %w", err)
	}
	return account, nil
}
