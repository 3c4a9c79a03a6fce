package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fairlance/escrow"
	"fairlance/ledger"
)

var (
	// ErrNotParty rejects an initiator or appellant who is neither client nor freelancer.
	ErrNotParty = errors.New("arbitration: caller is not a party to the dispute")
	// ErrInvalidParty keeps the disputing parties themselves out of the voter pool.
	ErrInvalidParty = errors.New("arbitration: parties to the dispute cannot vote")
	// ErrNotEligible is returned when the configured eligibility check rejects a voter.
	ErrNotEligible = errors.New("arbitration: voter not eligible")
	// ErrVotingClosed rejects votes once the current round is resolved.
	ErrVotingClosed = errors.New("arbitration: voting closed")
	// ErrNotEnoughVotes rejects resolution below the round's quorum.
	ErrNotEnoughVotes = errors.New("arbitration: not enough votes")
	// ErrAlreadyResolved rejects resolving a dispute that is already final.
	ErrAlreadyResolved = errors.New("arbitration: dispute already final")
	// ErrNotResolved rejects reward operations before any resolution exists.
	ErrNotResolved = errors.New("arbitration: dispute not resolved")
	// ErrMaxAppealsReached rejects appealing past the appeal budget.
	ErrMaxAppealsReached = errors.New("arbitration: max appeals reached")
	// ErrCannotAppealBeforeResolution rejects appealing a round that was never resolved.
	ErrCannotAppealBeforeResolution = errors.New("arbitration: no resolution to appeal")
	// ErrAppealWindowExpired rejects an appeal raised after the deadline sequence.
	ErrAppealWindowExpired = errors.New("arbitration: appeal window expired")
	// ErrNotLosingParty allows only the loser of the round to appeal it.
	ErrNotLosingParty = errors.New("arbitration: caller did not lose the round")
	// ErrNotWinningVoter rejects reward claims from losers and non-voters.
	ErrNotWinningVoter = errors.New("arbitration: caller did not vote for the winning side")
	// ErrNoRewardAvailable signals the dispute carries no claimable reward.
	ErrNoRewardAvailable = errors.New("arbitration: no reward available")
	// ErrNotAdmin rejects a caller who is not the configured registry admin.
	ErrNotAdmin = errors.New("arbitration: caller is not the registry admin")
	// ErrInvalidAmount rejects negative fee or stake amounts.
	ErrInvalidAmount = errors.New("arbitration: amount must not be negative")
	// ErrInvalidThreshold rejects a malicious threshold outside 1..100.
	ErrInvalidThreshold = errors.New("arbitration: threshold must be between 1 and 100")
	// ErrNoSink is returned when a final resolution has no settlement sink to fire.
	ErrNoSink = errors.New("arbitration: settlement sink not configured")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	NextSequence(ctx context.Context, tx pgx.Tx) (int64, error)
	InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) error
	GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	GetDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	TallyVote(ctx context.Context, tx pgx.Tx, disputeID string, choice Side) error
	RecordResolution(ctx context.Context, tx pgx.Tx, d Dispute) error
	RecordAppeal(ctx context.Context, tx pgx.Tx, disputeID string, appealCount int) error
	InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error
	GetVote(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (Vote, error)
	HasVoted(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (bool, error)
	ListVotes(ctx context.Context, tx pgx.Tx, disputeID string) ([]Vote, error)
	DeleteVotes(ctx context.Context, tx pgx.Tx, disputeID string) error
	InsertClaim(ctx context.Context, tx pgx.Tx, disputeID, voterID string, amount int64) error
	HasClaimed(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (bool, error)
	SumClaims(ctx context.Context, tx pgx.Tx, disputeID string) (int64, error)
	ListDisputesForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Dispute, error)
	GetConfig(ctx context.Context, tx pgx.Tx) (Config, error)
	GetConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error)
	InsertConfig(ctx context.Context, tx pgx.Tx, cfg Config) error
	UpdateConfig(ctx context.Context, tx pgx.Tx, cfg Config) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, disputeID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// LedgerStore is the slice of the asset ledger the registry moves value
// through. *ledger.Repository satisfies it.
type LedgerStore interface {
	EnsureAccount(ctx context.Context, tx pgx.Tx, candidateID string, kind ledger.AccountKind, ownerRef, asset string) (string, error)
	Transfer(ctx context.Context, tx pgx.Tx, p ledger.TransferParams) error
}

// SettlementSink is how a final resolution reaches the job ledger. It runs
// inside the registry's transaction so the verdict and the fund movement
// commit together. *escrow.Service satisfies it.
type SettlementSink interface {
	ApplySettlement(ctx context.Context, tx pgx.Tx, jobID string, outcome escrow.Outcome) (escrow.SettlementResult, error)
}

// EligibilityChecker is an optional gate consulted before a vote is accepted,
// for reputation floors or conflict-of-interest exclusions. Return
// ErrNotEligible (or a wrap of it) to reject the voter.
type EligibilityChecker interface {
	CheckVoter(ctx context.Context, disputeID, voterID string) error
}

// Service owns every mutation of disputes, votes, and the funds escrowed with
// them. All writes to a dispute happen under its row lock, taken first in
// each transaction.
type Service struct {
	pool        TxBeginner
	repo        Store
	ledger      LedgerStore
	sink        SettlementSink
	eligibility EligibilityChecker
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Store, led LedgerStore, sink SettlementSink) *Service {
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
		sink:        sink,
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

func (s *Service) WithEligibilityChecker(ec EligibilityChecker) *Service {
	s.eligibility = ec
	return s
}

// InitializeConfig writes the registry singleton. It can run once. A zero
// threshold selects the default.
func (s *Service) InitializeConfig(ctx context.Context, adminID string, maliciousThreshold int) (Config, error) {
	if adminID == "" {
		return Config{}, fmt.Errorf("arbitration: missing admin id")
	}
	if maliciousThreshold == 0 {
		maliciousThreshold = DefaultMaliciousThreshold
	}
	if maliciousThreshold < 1 || maliciousThreshold > 100 {
		return Config{}, ErrInvalidThreshold
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg := Config{AdminID: adminID, MaliciousThreshold: maliciousThreshold}
	if err := s.repo.InsertConfig(ctx, tx, cfg); err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return cfg, nil
}

// SetMaliciousThreshold updates the bad-faith cutoff percentage. Admin only.
func (s *Service) SetMaliciousThreshold(ctx context.Context, callerID string, threshold int) (Config, error) {
	if threshold < 1 || threshold > 100 {
		return Config{}, ErrInvalidThreshold
	}
	return s.updateConfig(ctx, callerID, func(cfg *Config) {
		cfg.MaliciousThreshold = threshold
	})
}

// SetAdmin hands the registry to a new admin. Admin only.
func (s *Service) SetAdmin(ctx context.Context, callerID, newAdminID string) (Config, error) {
	if newAdminID == "" {
		return Config{}, fmt.Errorf("arbitration: missing admin id")
	}
	return s.updateConfig(ctx, callerID, func(cfg *Config) {
		cfg.AdminID = newAdminID
	})
}

func (s *Service) updateConfig(ctx context.Context, callerID string, apply func(*Config)) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("arbitration: begin tx: %w", err)
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
		return Config{}, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return cfg, nil
}

// RegistryConfig reads the singleton.
func (s *Service) RegistryConfig(ctx context.Context) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.GetConfig(ctx, tx)
}

// winningSide derives the round's winner from the current tallies. Ties go
// to the client.
func winningSide(d Dispute) Side {
	if d.VotesForClient >= d.VotesForFreelancer {
		return SideClient
	}
	return SideFreelancer
}

func partyFor(d Dispute, side Side) string {
	if side == SideClient {
		return d.ClientID
	}
	return d.FreelancerID
}

// maliciousPercent is the share of the round's votes cast against the
// initiator, as a whole percentage. Zero when no votes were cast.
func maliciousPercent(d Dispute) int {
	total := d.VotesForClient + d.VotesForFreelancer
	if total == 0 {
		return 0
	}
	against := d.VotesForClient
	if d.InitiatorID == d.ClientID {
		against = d.VotesForFreelancer
	}
	return against * 100 / total
}

func (s *Service) walletAccount(ctx context.Context, tx pgx.Tx, userID, asset string) (string, error) {
	return s.ledger.EnsureAccount(ctx, tx, s.idGenerator(), ledger.KindWallet, userID, asset)
}

func (s *Service) custodyAccount(ctx context.Context, tx pgx.Tx, disputeID, asset string) (string, error) {
	return s.ledger.EnsureAccount(ctx, tx, s.idGenerator(), ledger.KindDisputeCustody, disputeID, asset)
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
