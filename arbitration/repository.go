package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDisputeNotFound is returned when no dispute row exists for the identifier.
	ErrDisputeNotFound = errors.New("arbitration: dispute not found")
	// ErrVoteNotFound is returned when the voter has no vote in the current round.
	ErrVoteNotFound = errors.New("arbitration: vote not found")
	// ErrAlreadyVoted rejects a second vote by the same voter in the same round.
	ErrAlreadyVoted = errors.New("arbitration: voter already voted this round")
	// ErrAlreadyClaimed rejects a second reward claim by the same voter.
	ErrAlreadyClaimed = errors.New("arbitration: reward already claimed")
	// ErrNotConfigured is returned when the registry singleton has not been initialized.
	ErrNotConfigured = errors.New("arbitration: registry not configured")
	// ErrAlreadyConfigured rejects a second initialization of the registry singleton.
	ErrAlreadyConfigured = errors.New("arbitration: registry already configured")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const disputeColumns = `id, job_id, client_id, freelancer_id, initiator_id, reason, status,
votes_for_client, votes_for_freelancer, min_votes, fee, penalty_stake, asset,
appeal_count, max_appeals, appeal_deadline_seq, resolution_at,
malicious, fee_refunded, stake_settled, created_at, updated_at`

// NextSequence advances and returns the shared operation sequence. Every
// mutating registry operation calls it, so appeal windows are measured in
// operations rather than wall time.
func (r *Repository) NextSequence(ctx context.Context, tx pgx.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('dispute_op_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("arbitration: advance sequence: %w", err)
	}
	return seq, nil
}

// GetDisputeForUpdate locks the dispute row for the duration of the
// transaction. The row lock is what serializes operations on the same dispute.
func (r *Repository) GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	return r.loadDispute(ctx, tx, disputeID, true)
}

// GetDispute returns the dispute without locking.
func (r *Repository) GetDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	return r.loadDispute(ctx, tx, disputeID, false)
}

func (r *Repository) loadDispute(ctx context.Context, tx pgx.Tx, disputeID string, forUpdate bool) (Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var d Dispute
	err := tx.QueryRow(ctx, q, disputeID).Scan(
		&d.ID, &d.JobID, &d.ClientID, &d.FreelancerID, &d.InitiatorID, &d.Reason, &d.Status,
		&d.VotesForClient, &d.VotesForFreelancer, &d.MinVotes, &d.Fee, &d.PenaltyStake, &d.Asset,
		&d.AppealCount, &d.MaxAppeals, &d.AppealDeadlineSeq, &d.ResolutionAt,
		&d.Malicious, &d.FeeRefunded, &d.StakeSettled, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("arbitration: load dispute: %w", err)
	}
	return d, nil
}

// InsertDispute writes a new dispute row.
func (r *Repository) InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
INSERT INTO disputes (id, job_id, client_id, freelancer_id, initiator_id, reason, status,
                      min_votes, fee, penalty_stake, asset, max_appeals)
VALUES ($1, $2, $3, $4, $5, $6, $7::dispute_status, $8, $9, $10, $11, $12)
`
	_, err := tx.Exec(ctx, q,
		d.ID, d.JobID, d.ClientID, d.FreelancerID, d.InitiatorID, d.Reason, d.Status,
		d.MinVotes, d.Fee, d.PenaltyStake, d.Asset, d.MaxAppeals,
	)
	if err != nil {
		return fmt.Errorf("arbitration: insert dispute: %w", err)
	}
	return nil
}

// TallyVote bumps the tally for choice and moves the dispute to voting.
func (r *Repository) TallyVote(ctx context.Context, tx pgx.Tx, disputeID string, choice Side) error {
	q := `
UPDATE disputes
SET votes_for_client = votes_for_client + 1, status = 'voting', updated_at = get_tx_timestamp()
WHERE id = $1
`
	if choice == SideFreelancer {
		q = `
UPDATE disputes
SET votes_for_freelancer = votes_for_freelancer + 1, status = 'voting', updated_at = get_tx_timestamp()
WHERE id = $1
`
	}
	tag, err := tx.Exec(ctx, q, disputeID)
	if err != nil {
		return fmt.Errorf("arbitration: tally vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// RecordResolution writes every field a resolution touches in one update.
func (r *Repository) RecordResolution(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const q = `
UPDATE disputes
SET status = $2::dispute_status, appeal_deadline_seq = $3, resolution_at = $4,
    malicious = $5, fee_refunded = $6, stake_settled = $7, updated_at = get_tx_timestamp()
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, d.ID, d.Status, d.AppealDeadlineSeq, d.ResolutionAt,
		d.Malicious, d.FeeRefunded, d.StakeSettled)
	if err != nil {
		return fmt.Errorf("arbitration: record resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// RecordAppeal bumps the appeal count and resets the round: status back to
// appealed and both tallies zeroed. The round's vote rows are deleted
// separately.
func (r *Repository) RecordAppeal(ctx context.Context, tx pgx.Tx, disputeID string, appealCount int) error {
	const q = `
UPDATE disputes
SET appeal_count = $2, status = 'appealed', votes_for_client = 0, votes_for_freelancer = 0,
    updated_at = get_tx_timestamp()
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, disputeID, appealCount)
	if err != nil {
		return fmt.Errorf("arbitration: record appeal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// InsertVote writes the voter's vote for the current round.
func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	const q = `
INSERT INTO dispute_votes (dispute_id, voter_id, choice, reason)
VALUES ($1, $2, $3::dispute_side, $4)
`
	if _, err := tx.Exec(ctx, q, v.DisputeID, v.VoterID, v.Choice, v.Reason); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("arbitration: insert vote: %w", err)
	}
	return nil
}

// GetVote returns the voter's vote in the current round.
func (r *Repository) GetVote(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (Vote, error) {
	const q = `
SELECT dispute_id, voter_id, choice, reason, created_at
FROM dispute_votes
WHERE dispute_id = $1 AND voter_id = $2
`
	var v Vote
	err := tx.QueryRow(ctx, q, disputeID, voterID).Scan(&v.DisputeID, &v.VoterID, &v.Choice, &v.Reason, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Vote{}, ErrVoteNotFound
		}
		return Vote{}, fmt.Errorf("arbitration: load vote: %w", err)
	}
	return v, nil
}

// HasVoted reports whether the voter already voted in the current round.
func (r *Repository) HasVoted(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM dispute_votes WHERE dispute_id = $1 AND voter_id = $2)`
	var voted bool
	if err := tx.QueryRow(ctx, q, disputeID, voterID).Scan(&voted); err != nil {
		return false, fmt.Errorf("arbitration: check vote: %w", err)
	}
	return voted, nil
}

// ListVotes returns the current round's votes in cast order.
func (r *Repository) ListVotes(ctx context.Context, tx pgx.Tx, disputeID string) ([]Vote, error) {
	const q = `
SELECT dispute_id, voter_id, choice, reason, created_at
FROM dispute_votes
WHERE dispute_id = $1
ORDER BY created_at, voter_id
`
	rows, err := tx.Query(ctx, q, disputeID)
	if err != nil {
		return nil, fmt.Errorf("arbitration: list votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.VoterID, &v.Choice, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("arbitration: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitration: iterate votes: %w", err)
	}
	return out, nil
}

// DeleteVotes discards the current round's votes, as an appeal does.
func (r *Repository) DeleteVotes(ctx context.Context, tx pgx.Tx, disputeID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM dispute_votes WHERE dispute_id = $1`, disputeID); err != nil {
		return fmt.Errorf("arbitration: delete votes: %w", err)
	}
	return nil
}

// InsertClaim records a voter's once-only reward claim.
func (r *Repository) InsertClaim(ctx context.Context, tx pgx.Tx, disputeID, voterID string, amount int64) error {
	const q = `INSERT INTO dispute_reward_claims (dispute_id, voter_id, amount) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, disputeID, voterID, amount); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyClaimed
		}
		return fmt.Errorf("arbitration: insert claim: %w", err)
	}
	return nil
}

// HasClaimed reports whether the voter already claimed a reward for the dispute.
func (r *Repository) HasClaimed(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM dispute_reward_claims WHERE dispute_id = $1 AND voter_id = $2)`
	var claimed bool
	if err := tx.QueryRow(ctx, q, disputeID, voterID).Scan(&claimed); err != nil {
		return false, fmt.Errorf("arbitration: check claim: %w", err)
	}
	return claimed, nil
}

// SumClaims totals every reward paid out for the dispute so far, across all
// rounds.
func (r *Repository) SumClaims(ctx context.Context, tx pgx.Tx, disputeID string) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM dispute_reward_claims WHERE dispute_id = $1`
	var sum int64
	if err := tx.QueryRow(ctx, q, disputeID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("arbitration: sum claims: %w", err)
	}
	return sum, nil
}

// ListDisputesForJob returns every dispute raised against the job, oldest
// first.
func (r *Repository) ListDisputesForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Dispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM disputes WHERE job_id = $1 ORDER BY created_at, id`
	rows, err := tx.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("arbitration: list disputes: %w", err)
	}
	defer rows.Close()

	var out []Dispute
	for rows.Next() {
		var d Dispute
		if err := rows.Scan(
			&d.ID, &d.JobID, &d.ClientID, &d.FreelancerID, &d.InitiatorID, &d.Reason, &d.Status,
			&d.VotesForClient, &d.VotesForFreelancer, &d.MinVotes, &d.Fee, &d.PenaltyStake, &d.Asset,
			&d.AppealCount, &d.MaxAppeals, &d.AppealDeadlineSeq, &d.ResolutionAt,
			&d.Malicious, &d.FeeRefunded, &d.StakeSettled, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("arbitration: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbitration: iterate disputes: %w", err)
	}
	return out, nil
}

func (r *Repository) GetConfig(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.loadConfig(ctx, tx, false)
}

// GetConfigForUpdate reads and locks the registry singleton.
func (r *Repository) GetConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.loadConfig(ctx, tx, true)
}

func (r *Repository) loadConfig(ctx context.Context, tx pgx.Tx, forUpdate bool) (Config, error) {
	q := `SELECT admin_id, malicious_threshold, updated_at FROM arbitration_config`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var cfg Config
	err := tx.QueryRow(ctx, q).Scan(&cfg.AdminID, &cfg.MaliciousThreshold, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotConfigured
		}
		return Config{}, fmt.Errorf("arbitration: load config: %w", err)
	}
	return cfg, nil
}

// InsertConfig writes the registry singleton; a second insert fails.
func (r *Repository) InsertConfig(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const q = `INSERT INTO arbitration_config (admin_id, malicious_threshold) VALUES ($1, $2)`
	if _, err := tx.Exec(ctx, q, cfg.AdminID, cfg.MaliciousThreshold); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("arbitration: insert config: %w", err)
	}
	return nil
}

// UpdateConfig rewrites the registry singleton.
func (r *Repository) UpdateConfig(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const q = `
UPDATE arbitration_config SET admin_id = $1, malicious_threshold = $2, updated_at = get_tx_timestamp()
`
	tag, err := tx.Exec(ctx, q, cfg.AdminID, cfg.MaliciousThreshold)
	if err != nil {
		return fmt.Errorf("arbitration: update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConfigured
	}
	return nil
}

// AppendTimeline records a dispute timeline event inside the transaction.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, disputeID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("arbitration: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `
INSERT INTO dispute_timeline_events (dispute_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, disputeID, eventType, body, actor); err != nil {
		return fmt.Errorf("arbitration: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox appends an outbox message inside the transaction.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("arbitration: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("arbitration: enqueue outbox: %w", err)
	}
	return nil
}
