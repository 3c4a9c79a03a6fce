package ledger

import "time"

// AccountKind partitions the accounts table by what the balance belongs to.
type AccountKind string

const (
	KindWallet         AccountKind = "wallet"
	KindJobCustody     AccountKind = "job_custody"
	KindDisputeCustody AccountKind = "dispute_custody"
	KindTreasury       AccountKind = "treasury"
)

// Account mirrors the `accounts` table: one balance row per (kind, owner, asset).
type Account struct {
	ID        string
	Kind      AccountKind
	OwnerRef  string
	Asset     string
	Balance   int64
	CreatedAt time.Time
}

// Transfer mirrors the `transfers` journal. FromAccount is empty on external
// deposits; those are the only rows that introduce value.
type Transfer struct {
	ID          string
	FromAccount string
	ToAccount   string
	Asset       string
	Amount      int64
	Memo        string
	CreatedAt   time.Time
}
