package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrJobNotFound is returned when no job row exists for the identifier.
	ErrJobNotFound = errors.New("escrow: job not found")
	// ErrMilestoneNotFound is returned for an index outside the job's milestone set.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrProposalPending signals a revision proposal is already awaiting a decision.
	ErrProposalPending = errors.New("escrow: revision proposal already pending")
	// ErrNoProposal is returned when no revision proposal exists to act on.
	ErrNoProposal = errors.New("escrow: no revision proposal")
	// ErrExtensionPending signals a deadline extension is already awaiting confirmation.
	ErrExtensionPending = errors.New("escrow: deadline extension already pending")
	// ErrNoExtension is returned when no deadline extension exists to act on.
	ErrNoExtension = errors.New("escrow: no deadline extension")
	// ErrNotConfigured is returned when the platform singleton has not been initialized.
	ErrNotConfigured = errors.New("escrow: platform not configured")
	// ErrAlreadyConfigured rejects a second initialization of the platform singleton.
	ErrAlreadyConfigured = errors.New("escrow: platform already configured")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const jobColumns = `id, client_id, freelancer_id, asset, total_amount, status, job_deadline, grace_seconds, created_at, updated_at`

// GetJobForUpdate locks the job row for the duration of the transaction and
// returns it with its milestones. The row lock is what serializes operations
// on the same job.
func (r *Repository) GetJobForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Job, error) {
	return r.loadJob(ctx, tx, jobID, true)
}

// GetJob returns the job with its milestones without locking.
func (r *Repository) GetJob(ctx context.Context, tx pgx.Tx, jobID string) (Job, error) {
	return r.loadJob(ctx, tx, jobID, false)
}

func (r *Repository) loadJob(ctx context.Context, tx pgx.Tx, jobID string, forUpdate bool) (Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var j Job
	err := tx.QueryRow(ctx, q, jobID).Scan(
		&j.ID, &j.ClientID, &j.FreelancerID, &j.Asset, &j.TotalAmount,
		&j.Status, &j.JobDeadline, &j.GraceSeconds, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("escrow: load job: %w", err)
	}

	milestones, err := r.jobMilestones(ctx, tx, jobID)
	if err != nil {
		return Job{}, err
	}
	j.Milestones = milestones
	return j, nil
}

func (r *Repository) jobMilestones(ctx context.Context, tx pgx.Tx, jobID string) ([]Milestone, error) {
	const q = `
SELECT idx, description, amount, status, deadline
FROM milestones
WHERE job_id = $1
ORDER BY idx
`
	rows, err := tx.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Idx, &m.Description, &m.Amount, &m.Status, &m.Deadline); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

// InsertJob writes the job row and its milestone rows.
func (r *Repository) InsertJob(ctx context.Context, tx pgx.Tx, job Job) error {
	const q = `
INSERT INTO jobs (id, client_id, freelancer_id, asset, total_amount, status, job_deadline, grace_seconds)
VALUES ($1, $2, $3, $4, $5, $6::job_status, $7, $8)
`
	_, err := tx.Exec(ctx, q,
		job.ID, job.ClientID, job.FreelancerID, job.Asset,
		job.TotalAmount, job.Status, job.JobDeadline, job.GraceSeconds,
	)
	if err != nil {
		return fmt.Errorf("escrow: insert job: %w", err)
	}
	return r.insertMilestones(ctx, tx, job.ID, job.Milestones)
}

func (r *Repository) insertMilestones(ctx context.Context, tx pgx.Tx, jobID string, milestones []Milestone) error {
	const q = `
INSERT INTO milestones (job_id, idx, description, amount, status, deadline)
VALUES ($1, $2, $3, $4, $5::milestone_status, $6)
`
	for _, m := range milestones {
		if _, err := tx.Exec(ctx, q, jobID, m.Idx, m.Description, m.Amount, m.Status, m.Deadline); err != nil {
			return fmt.Errorf("escrow: insert milestone %d: %w", m.Idx, err)
		}
	}
	return nil
}

// ReplaceMilestones swaps the whole milestone set, as an accepted revision does.
func (r *Repository) ReplaceMilestones(ctx context.Context, tx pgx.Tx, jobID string, milestones []Milestone) error {
	if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("escrow: clear milestones: %w", err)
	}
	return r.insertMilestones(ctx, tx, jobID, milestones)
}

// UpdateJobStatus moves the job to status.
func (r *Repository) UpdateJobStatus(ctx context.Context, tx pgx.Tx, jobID string, status JobStatus) error {
	const q = `UPDATE jobs SET status = $2::job_status, updated_at = get_tx_timestamp() WHERE id = $1`
	tag, err := tx.Exec(ctx, q, jobID, status)
	if err != nil {
		return fmt.Errorf("escrow: update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateJobTotal rewrites the job's total after an accepted revision.
func (r *Repository) UpdateJobTotal(ctx context.Context, tx pgx.Tx, jobID string, total int64) error {
	const q = `UPDATE jobs SET total_amount = $2, updated_at = get_tx_timestamp() WHERE id = $1`
	tag, err := tx.Exec(ctx, q, jobID, total)
	if err != nil {
		return fmt.Errorf("escrow: update job total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// UpdateMilestoneStatus moves one milestone to status.
func (r *Repository) UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, jobID string, idx int, status MilestoneStatus) error {
	const q = `
UPDATE milestones SET status = $3::milestone_status, updated_at = get_tx_timestamp()
WHERE job_id = $1 AND idx = $2
`
	tag, err := tx.Exec(ctx, q, jobID, idx, status)
	if err != nil {
		return fmt.Errorf("escrow: update milestone status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// UpdateMilestoneDeadline rewrites one milestone's deadline.
func (r *Repository) UpdateMilestoneDeadline(ctx context.Context, tx pgx.Tx, jobID string, idx int, deadline time.Time) error {
	const q = `
UPDATE milestones SET deadline = $3, updated_at = get_tx_timestamp()
WHERE job_id = $1 AND idx = $2
`
	tag, err := tx.Exec(ctx, q, jobID, idx, deadline)
	if err != nil {
		return fmt.Errorf("escrow: update milestone deadline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// ApprovedTotal sums the amounts of approved milestones.
func (r *Repository) ApprovedTotal(ctx context.Context, tx pgx.Tx, jobID string) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE job_id = $1 AND status = 'approved'`
	var total int64
	if err := tx.QueryRow(ctx, q, jobID).Scan(&total); err != nil {
		return 0, fmt.Errorf("escrow: sum approved milestones: %w", err)
	}
	return total, nil
}

// HasMilestoneInStatus reports whether any milestone of the job is in status.
func (r *Repository) HasMilestoneInStatus(ctx context.Context, tx pgx.Tx, jobID string, status MilestoneStatus) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM milestones WHERE job_id = $1 AND status = $2::milestone_status)`
	var exists bool
	if err := tx.QueryRow(ctx, q, jobID, status).Scan(&exists); err != nil {
		return false, fmt.Errorf("escrow: check milestone status: %w", err)
	}
	return exists, nil
}

// AllMilestonesIn reports whether every milestone of the job is in one of the
// given statuses.
func (r *Repository) AllMilestonesIn(ctx context.Context, tx pgx.Tx, jobID string, statuses ...MilestoneStatus) (bool, error) {
	set := make([]string, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	const q = `SELECT NOT EXISTS (SELECT 1 FROM milestones WHERE job_id = $1 AND status <> ALL($2::milestone_status[]))`
	var all bool
	if err := tx.QueryRow(ctx, q, jobID, set).Scan(&all); err != nil {
		return false, fmt.Errorf("escrow: check milestone set: %w", err)
	}
	return all, nil
}

// InsertProposal writes a pending revision proposal. The partial unique index
// on (job_id) WHERE pending turns a concurrent duplicate into ErrProposalPending.
func (r *Repository) InsertProposal(ctx context.Context, tx pgx.Tx, p RevisionProposal) error {
	body, err := json.Marshal(p.NewMilestones)
	if err != nil {
		return fmt.Errorf("escrow: marshal proposal milestones: %w", err)
	}

	const q = `
INSERT INTO revision_proposals (id, job_id, proposer_id, new_total, new_milestones, status)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::proposal_status)
`
	if _, err := tx.Exec(ctx, q, p.ID, p.JobID, p.ProposerID, p.NewTotal, body, p.Status); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrProposalPending
		}
		return fmt.Errorf("escrow: insert proposal: %w", err)
	}
	return nil
}

const proposalColumns = `id, job_id, proposer_id, new_total, new_milestones, status, created_at, resolved_at`

// GetPendingProposalForUpdate locks and returns the job's pending proposal.
func (r *Repository) GetPendingProposalForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (RevisionProposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM revision_proposals WHERE job_id = $1 AND status = 'pending' FOR UPDATE`
	return r.scanProposal(tx.QueryRow(ctx, q, jobID))
}

// LatestProposal returns the most recent proposal for the job in any status.
func (r *Repository) LatestProposal(ctx context.Context, tx pgx.Tx, jobID string) (RevisionProposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM revision_proposals WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return r.scanProposal(tx.QueryRow(ctx, q, jobID))
}

func (r *Repository) scanProposal(row pgx.Row) (RevisionProposal, error) {
	var (
		p    RevisionProposal
		body []byte
	)
	err := row.Scan(&p.ID, &p.JobID, &p.ProposerID, &p.NewTotal, &body, &p.Status, &p.CreatedAt, &p.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RevisionProposal{}, ErrNoProposal
		}
		return RevisionProposal{}, fmt.Errorf("escrow: load proposal: %w", err)
	}
	if err := json.Unmarshal(body, &p.NewMilestones); err != nil {
		return RevisionProposal{}, fmt.Errorf("escrow: decode proposal milestones: %w", err)
	}
	return p, nil
}

// ResolveProposal stamps the proposal accepted or rejected.
func (r *Repository) ResolveProposal(ctx context.Context, tx pgx.Tx, proposalID string, status ProposalStatus) error {
	const q = `
UPDATE revision_proposals SET status = $2::proposal_status, resolved_at = get_tx_timestamp()
WHERE id = $1
`
	tag, err := tx.Exec(ctx, q, proposalID, status)
	if err != nil {
		return fmt.Errorf("escrow: resolve proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoProposal
	}
	return nil
}

// InsertExtension writes a pending deadline extension for the job.
func (r *Repository) InsertExtension(ctx context.Context, tx pgx.Tx, ext DeadlineExtension) error {
	const q = `
INSERT INTO deadline_extensions (job_id, milestone_idx, proposer_id, new_deadline)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.Exec(ctx, q, ext.JobID, ext.MilestoneIdx, ext.ProposerID, ext.NewDeadline); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExtensionPending
		}
		return fmt.Errorf("escrow: insert extension: %w", err)
	}
	return nil
}

// GetExtensionForUpdate locks and returns the job's pending extension.
func (r *Repository) GetExtensionForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (DeadlineExtension, error) {
	const q = `
SELECT job_id, milestone_idx, proposer_id, new_deadline, created_at
FROM deadline_extensions WHERE job_id = $1 FOR UPDATE
`
	var ext DeadlineExtension
	err := tx.QueryRow(ctx, q, jobID).Scan(&ext.JobID, &ext.MilestoneIdx, &ext.ProposerID, &ext.NewDeadline, &ext.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeadlineExtension{}, ErrNoExtension
		}
		return DeadlineExtension{}, fmt.Errorf("escrow: load extension: %w", err)
	}
	return ext, nil
}

// DeleteExtension removes the job's pending extension.
func (r *Repository) DeleteExtension(ctx context.Context, tx pgx.Tx, jobID string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM deadline_extensions WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("escrow: delete extension: %w", err)
	}
	return nil
}

// GetConfig reads the platform singleton.
func (r *Repository) GetConfig(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.loadConfig(ctx, tx, false)
}

// GetConfigForUpdate reads and locks the platform singleton.
func (r *Repository) GetConfigForUpdate(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.loadConfig(ctx, tx, true)
}

func (r *Repository) loadConfig(ctx context.Context, tx pgx.Tx, forUpdate bool) (Config, error) {
	q := `SELECT admin_id, fee_bps, treasury_ref, updated_at FROM escrow_config`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var cfg Config
	err := tx.QueryRow(ctx, q).Scan(&cfg.AdminID, &cfg.FeeBps, &cfg.TreasuryRef, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotConfigured
		}
		return Config{}, fmt.Errorf("escrow: load config: %w", err)
	}
	return cfg, nil
}

// InsertConfig writes the platform singleton; a second insert fails.
func (r *Repository) InsertConfig(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const q = `INSERT INTO escrow_config (admin_id, fee_bps, treasury_ref) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, q, cfg.AdminID, cfg.FeeBps, cfg.TreasuryRef); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyConfigured
		}
		return fmt.Errorf("escrow: insert config: %w", err)
	}
	return nil
}

// UpdateConfig rewrites the platform singleton.
func (r *Repository) UpdateConfig(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const q = `
UPDATE escrow_config SET admin_id = $1, fee_bps = $2, treasury_ref = $3, updated_at = get_tx_timestamp()
`
	tag, err := tx.Exec(ctx, q, cfg.AdminID, cfg.FeeBps, cfg.TreasuryRef)
	if err != nil {
		return fmt.Errorf("escrow: update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConfigured
	}
	return nil
}

// AppendTimeline records a job timeline event inside the transaction.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, jobID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `
INSERT INTO job_timeline_events (job_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, jobID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox appends an outbox message inside the transaction.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}

	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// ListJobsForUser pages jobs where the user is either party, newest first.
// Milestones are not loaded for list rows.
func (r *Repository) ListJobsForUser(ctx context.Context, tx pgx.Tx, userID string, limit, offset int) ([]Job, int, error) {
	var total int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE client_id = $1 OR freelancer_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count jobs: %w", err)
	}

	q := `SELECT ` + jobColumns + ` FROM jobs
WHERE client_id = $1 OR freelancer_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	rows, err := tx.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list jobs: %w", err)
	}
	defer rows.Close()

	var items []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(
			&j.ID, &j.ClientID, &j.FreelancerID, &j.Asset, &j.TotalAmount,
			&j.Status, &j.JobDeadline, &j.GraceSeconds, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("escrow: scan job: %w", err)
		}
		items = append(items, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate jobs: %w", err)
	}
	return items, total, nil
}
