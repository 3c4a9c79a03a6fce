package escrow

import (
	"context"
	"fmt"
	"time"
)

type CreateJobParams struct {
	ClientID     string
	FreelancerID string
	Asset        string
	Milestones   []MilestoneInput
	JobDeadline  time.Time
	GraceSeconds int64
}

// CreateJob validates and writes a new job with its milestones and opens the
// job's custody account. The job starts unfunded.
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (Job, error) {
	if params.ClientID == "" || params.FreelancerID == "" {
		return Job{}, fmt.Errorf("escrow: missing client or freelancer id")
	}
	if params.ClientID == params.FreelancerID {
		return Job{}, fmt.Errorf("escrow: client and freelancer must differ")
	}
	if params.Asset == "" {
		return Job{}, fmt.Errorf("escrow: missing asset")
	}
	if params.GraceSeconds < 0 {
		return Job{}, fmt.Errorf("escrow: negative grace period")
	}
	if len(params.Milestones) == 0 {
		return Job{}, ErrEmptyMilestones
	}

	now := s.now()
	if !params.JobDeadline.After(now) {
		return Job{}, ErrInvalidDeadline
	}

	var total int64
	milestones := make([]Milestone, 0, len(params.Milestones))
	for i, in := range params.Milestones {
		if in.Amount <= 0 {
			return Job{}, ErrInvalidAmount
		}
		// Milestone deadlines must fall inside (now, job deadline].
		if !in.Deadline.After(now) || in.Deadline.After(params.JobDeadline) {
			return Job{}, ErrInvalidDeadline
		}
		total += in.Amount
		if total <= 0 {
			return Job{}, fmt.Errorf("escrow: milestone amounts overflow")
		}
		milestones = append(milestones, Milestone{
			Idx:         i,
			Description: in.Description,
			Amount:      in.Amount,
			Status:      MilestonePending,
			Deadline:    in.Deadline,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job := Job{
		ID:           s.idGenerator(),
		ClientID:     params.ClientID,
		FreelancerID: params.FreelancerID,
		Asset:        params.Asset,
		TotalAmount:  total,
		Status:       StatusCreated,
		JobDeadline:  params.JobDeadline,
		GraceSeconds: params.GraceSeconds,
		Milestones:   milestones,
	}
	if err := s.repo.InsertJob(ctx, tx, job); err != nil {
		return Job{}, err
	}
	if _, err := s.custodyAccount(ctx, tx, job.ID, job.Asset); err != nil {
		return Job{}, err
	}

	payload := map[string]any{
		"client_id":     job.ClientID,
		"freelancer_id": job.FreelancerID,
		"asset":         job.Asset,
		"total_amount":  job.TotalAmount,
		"milestones":    len(job.Milestones),
	}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "JOB_CREATED", job.ClientID, payload); err != nil {
		return Job{}, err
	}

	created, err := s.repo.GetJob(ctx, tx, job.ID)
	if err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return created, nil
}

// FundJob moves the job's full total from the client's wallet into custody.
// Funding is not idempotent; a job funds exactly once.
func (s *Service) FundJob(ctx context.Context, jobID, callerID string) error {
	if jobID == "" || callerID == "" {
		return fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.ClientID != callerID {
		return ErrNotClient
	}
	if job.Status != StatusCreated {
		return ErrAlreadyFunded
	}
	// No money moves before the platform is configured.
	if _, err := s.repo.GetConfig(ctx, tx); err != nil {
		return err
	}

	wallet, err := s.walletAccount(ctx, tx, job.ClientID, job.Asset)
	if err != nil {
		return err
	}
	custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
	if err != nil {
		return err
	}
	if err := s.move(ctx, tx, wallet, custody, job.Asset, job.TotalAmount, "job funding"); err != nil {
		return err
	}

	if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, StatusFunded); err != nil {
		return err
	}
	payload := map[string]any{"amount": job.TotalAmount, "asset": job.Asset}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "JOB_FUNDED", callerID, payload); err != nil {
		return err
	}
	outPayload := map[string]any{"job_id": job.ID, "amount": job.TotalAmount, "asset": job.Asset}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicJobFunded, outPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// MarkDisputed flags a job while a dispute runs against it. Nothing here
// blocks later milestone activity; callers are expected to hold off until the
// dispute settles.
func (s *Service) MarkDisputed(ctx context.Context, jobID, callerID string) error {
	if jobID == "" || callerID == "" {
		return fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if callerID != job.ClientID && callerID != job.FreelancerID {
		return ErrNotParty
	}
	if job.Status != StatusFunded && job.Status != StatusInProgress {
		return ErrInvalidStatus
	}

	if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, StatusDisputed); err != nil {
		return err
	}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "JOB_DISPUTED", callerID, map[string]any{}); err != nil {
		return err
	}
	outPayload := map[string]any{"job_id": job.ID, "raised_by": callerID}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicJobDisputed, outPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// CancelJob returns whatever is still in custody to the client and closes the
// job. Milestones already approved stay paid.
func (s *Service) CancelJob(ctx context.Context, jobID, callerID string) error {
	if jobID == "" || callerID == "" {
		return fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.ClientID != callerID {
		return ErrNotClient
	}
	if job.Status == StatusCompleted || job.Status == StatusCancelled {
		return ErrInvalidStatus
	}

	var refund int64
	if job.Status != StatusCreated {
		approved, err := s.repo.ApprovedTotal(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		refund = job.TotalAmount - approved
		if refund > 0 {
			custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
			if err != nil {
				return err
			}
			wallet, err := s.walletAccount(ctx, tx, job.ClientID, job.Asset)
			if err != nil {
				return err
			}
			if err := s.move(ctx, tx, custody, wallet, job.Asset, refund, "job cancellation refund"); err != nil {
				return err
			}
		}
	}

	if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, StatusCancelled); err != nil {
		return err
	}
	payload := map[string]any{"refund": refund}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "JOB_CANCELLED", callerID, payload); err != nil {
		return err
	}
	outPayload := map[string]any{"job_id": job.ID, "refund": refund}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicJobCancelled, outPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// ClaimRefund lets the client pull the unpaid remainder back from an
// abandoned job once the deadline plus grace period has elapsed.
func (s *Service) ClaimRefund(ctx context.Context, jobID, callerID string) error {
	if jobID == "" || callerID == "" {
		return fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.ClientID != callerID {
		return ErrNotClient
	}
	if job.Status != StatusFunded && job.Status != StatusInProgress {
		return ErrInvalidStatus
	}
	if s.now().Before(job.RefundEligibleAt()) {
		return ErrGracePeriodActive
	}

	submitted, err := s.repo.HasMilestoneInStatus(ctx, tx, job.ID, MilestoneSubmitted)
	if err != nil {
		return err
	}
	if submitted {
		return ErrHasPendingMilestone
	}

	approved, err := s.repo.ApprovedTotal(ctx, tx, job.ID)
	if err != nil {
		return err
	}
	refund := job.TotalAmount - approved
	if refund <= 0 {
		return ErrNoRefundDue
	}

	custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
	if err != nil {
		return err
	}
	wallet, err := s.walletAccount(ctx, tx, job.ClientID, job.Asset)
	if err != nil {
		return err
	}
	if err := s.move(ctx, tx, custody, wallet, job.Asset, refund, "abandoned job refund"); err != nil {
		return err
	}

	if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, StatusCancelled); err != nil {
		return err
	}
	payload := map[string]any{"refund": refund}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "JOB_REFUNDED", callerID, payload); err != nil {
		return err
	}
	outPayload := map[string]any{"job_id": job.ID, "refund": refund}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicJobCancelled, outPayload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}
