package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fairlance/ledger"
)

var (
	// ErrNotClient rejects a client-only operation invoked by anyone else.
	ErrNotClient = errors.New("escrow: caller is not the client")
	// ErrNotFreelancer rejects a freelancer-only operation invoked by anyone else.
	ErrNotFreelancer = errors.New("escrow: caller is not the freelancer")
	// ErrNotParty rejects a caller who is neither client nor freelancer.
	ErrNotParty = errors.New("escrow: caller is not a party to the job")
	// ErrNotAdmin rejects a caller who is not the configured platform admin.
	ErrNotAdmin = errors.New("escrow: caller is not the platform admin")
	// ErrProposerCannotAct keeps a proposer from deciding their own proposal.
	ErrProposerCannotAct = errors.New("escrow: proposer cannot decide own proposal")
	// ErrInvalidStatus rejects an operation the job's current status does not allow.
	ErrInvalidStatus = errors.New("escrow: operation not allowed in current job status")
	// ErrAlreadyFunded rejects funding a job twice.
	ErrAlreadyFunded = errors.New("escrow: job already funded")
	// ErrMilestoneNotActive rejects submitting a milestone that is not awaiting work.
	ErrMilestoneNotActive = errors.New("escrow: milestone not awaiting work")
	// ErrMilestoneNotSubmitted rejects approving a milestone that is not submitted.
	ErrMilestoneNotSubmitted = errors.New("escrow: milestone not submitted")
	// ErrDeadlinePassed rejects submitting work after the milestone deadline.
	ErrDeadlinePassed = errors.New("escrow: milestone deadline passed")
	// ErrInvalidDeadline rejects deadlines that are not in the future.
	ErrInvalidDeadline = errors.New("escrow: deadline must be in the future")
	// ErrGracePeriodActive rejects a refund claim before deadline plus grace.
	ErrGracePeriodActive = errors.New("escrow: grace period not yet elapsed")
	// ErrHasPendingMilestone rejects a refund claim while submitted work awaits review.
	ErrHasPendingMilestone = errors.New("escrow: submitted milestone awaiting review")
	// ErrNoRefundDue signals nothing remains in custody to refund.
	ErrNoRefundDue = errors.New("escrow: no refund due")
	// ErrEmptyMilestones rejects a job or revision without milestones.
	ErrEmptyMilestones = errors.New("escrow: at least one milestone required")
	// ErrInvalidAmount rejects zero or negative milestone amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrRevisionLocked rejects revising milestones that have already progressed.
	ErrRevisionLocked = errors.New("escrow: milestones already progressed")
	// ErrFeeTooHigh rejects a platform fee above the cap.
	ErrFeeTooHigh = errors.New("escrow: fee exceeds cap")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	InsertJob(ctx context.Context, tx pgx.Tx, job Job) error
	GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Job, error)
	GetJob(ctx context.Context, tx pgx.Tx, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, tx pgx.Tx, jobID string, status JobStatus) error
	UpdateJobTotal(ctx context.Context, tx pgx.Tx, jobID string, total int64) error
	UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, jobID string, idx int, status MilestoneStatus) error
	UpdateMilestoneDeadline(ctx context.Context, tx pgx.Tx, jobID string, idx int, deadline time.Time) error
	ReplaceMilestones(ctx context.Context, tx pgx.Tx, jobID string, milestones []Milestone) error
	ApprovedTotal(ctx context.Context, tx pgx.Tx, jobID string) (int64, error)
	HasMilestoneInStatus(ctx context.Context, tx pgx.Tx, jobID string, status MilestoneStatus) (bool, error)
	AllMilestonesIn(ctx context.Context, tx pgx.Tx, jobID string, statuses ...MilestoneStatus) (bool, error)
	InsertProposal(ctx context.Context, tx pgx.Tx, p RevisionProposal) error
	GetPendingProposalForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (RevisionProposal, error)
	LatestProposal(ctx context.Context, tx pgx.Tx, jobID string) (RevisionProposal, error)
	ResolveProposal(ctx context.Context, tx pgx.Tx, proposalID string, status ProposalStatus) error
	InsertExtension(ctx context.Context, tx pgx.Tx, ext DeadlineExtension) error
	GetExtensionForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (DeadlineExtension, error)
	DeleteExtension(ctx context.Context, tx pgx.Tx, jobID string) error
	GetConfig(ctx context.Context, tx pgx.Tx) (Config, error)
	GetConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error)
	InsertConfig(ctx context.Context, tx pgx.Tx, cfg Config) error
	UpdateConfig(ctx context.Context, tx pgx.Tx, cfg Config) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, jobID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ListJobsForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Job, int, error)
}

// LedgerStore is the slice of the asset ledger the job ledger moves value
// through. *ledger.Repository satisfies it.
type LedgerStore interface {
	EnsureAccount(ctx context.Context, tx pgx.Tx, candidateID string, kind ledger.AccountKind, ownerRef, asset string) (string, error)
	Transfer(ctx context.Context, tx pgx.Tx, p ledger.TransferParams) error
}

// Service owns every mutation of jobs and their escrowed funds. All writes to
// a job happen under its row lock, taken first in each transaction.
type Service struct {
	pool        TxBeginner
	repo        Store
	ledger      LedgerStore
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Store, led LedgerStore) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if led == nil {
		led = ledger.NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      led,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// InitializeConfig writes the platform singleton. It can run once.
func (s *Service) InitializeConfig(ctx context.Context, adminID string, feeBps int, treasuryRef string) (Config, error) {
	if adminID == "" {
		return Config{}, fmt.Errorf("escrow: missing admin id")
	}
	if treasuryRef == "" {
		return Config{}, fmt.Errorf("escrow: missing treasury ref")
	}
	if feeBps < 0 {
		return Config{}, fmt.Errorf("escrow: fee bps must not be negative")
	}
	if feeBps > MaxFeeBps {
		return Config{}, ErrFeeTooHigh
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg := Config{AdminID: adminID, FeeBps: feeBps, TreasuryRef: treasuryRef}
	if err := s.repo.InsertConfig(ctx, tx, cfg); err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return cfg, nil
}

// SetFeeBps updates the platform fee. Admin only.
func (s *Service) SetFeeBps(ctx context.Context, callerID string, feeBps int) (Config, error) {
	if feeBps < 0 {
		return Config{}, fmt.Errorf("escrow: fee bps must not be negative")
	}
	if feeBps > MaxFeeBps {
		return Config{}, ErrFeeTooHigh
	}
	return s.updateConfig(ctx, callerID, func(cfg *Config) {
		cfg.FeeBps = feeBps
	})
}

// SetTreasury points the fee route at a new treasury owner. Admin only.
func (s *Service) SetTreasury(ctx context.Context, callerID, treasuryRef string) (Config, error) {
	if treasuryRef == "" {
		return Config{}, fmt.Errorf("escrow: missing treasury ref")
	}
	return s.updateConfig(ctx, callerID, func(cfg *Config) {
		cfg.TreasuryRef = treasuryRef
	})
}

// SetAdmin hands the platform to a new admin. Admin only.
func (s *Service) SetAdmin(ctx context.Context, callerID, newAdminID string) (Config, error) {
	if newAdminID == "" {
		return Config{}, fmt.Errorf("escrow: missing admin id")
	}
	return s.updateConfig(ctx, callerID, func(cfg *Config) {
		cfg.AdminID = newAdminID
	})
}

func (s *Service) updateConfig(ctx context.Context, callerID string, apply func(*Config)) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.GetConfigForUpdate(ctx, tx)
	if err != nil {
		return Config{}, err
	}
	if cfg.AdminID != callerID {
		return Config{}, ErrNotAdmin
	}

	apply(&cfg)
	if err := s.repo.UpdateConfig(ctx, tx, cfg); err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return cfg, nil
}

// PlatformConfig reads the singleton.
func (s *Service) PlatformConfig(ctx context.Context) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.GetConfig(ctx, tx)
}

// feeFor is the platform cut of a released amount, rounded down.
func feeFor(feeBps int, amount int64) int64 {
	return amount * int64(feeBps) / 10000
}

func (s *Service) walletAccount(ctx context.Context, tx pgx.Tx, userID, asset string) (string, error) {
	return s.ledger.EnsureAccount(ctx, tx, s.idGenerator(), ledger.KindWallet, userID, asset)
}

func (s *Service) custodyAccount(ctx context.Context, tx pgx.Tx, jobID, asset string) (string, error) {
	return s.ledger.EnsureAccount(ctx, tx, s.idGenerator(), ledger.KindJobCustody, jobID, asset)
}

func (s *Service) treasuryAccount(ctx context.Context, tx pgx.Tx, cfg Config, asset string) (string, error) {
	return s.ledger.EnsureAccount(ctx, tx, s.idGenerator(), ledger.KindTreasury, cfg.TreasuryRef, asset)
}

func (s *Service) move(ctx context.Context, tx pgx.Tx, from, to, asset string, amount int64, memo string) error {
	return s.ledger.Transfer(ctx, tx, ledger.TransferParams{
		ID:          s.idGenerator(),
		FromAccount: from,
		ToAccount:   to,
		Asset:       asset,
		Amount:      amount,
		Memo:        memo,
	})
}
