package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func findMilestone(job Job, idx int) (Milestone, bool) {
	for _, m := range job.Milestones {
		if m.Idx == idx {
			return m, true
		}
	}
	return Milestone{}, false
}

// SubmitMilestone marks a milestone as delivered and awaiting client review.
// The first submission moves the job to in_progress.
func (s *Service) SubmitMilestone(ctx context.Context, jobID string, idx int, callerID string) error {
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
	if job.FreelancerID != callerID {
		return ErrNotFreelancer
	}
	if job.Status != StatusFunded && job.Status != StatusInProgress {
		return ErrInvalidStatus
	}

	m, ok := findMilestone(job, idx)
	if !ok {
		return ErrMilestoneNotFound
	}
	if m.Status != MilestonePending && m.Status != MilestoneInProgress {
		return ErrMilestoneNotActive
	}
	if s.now().After(m.Deadline) {
		return ErrDeadlinePassed
	}

	if err := s.repo.UpdateMilestoneStatus(ctx, tx, job.ID, idx, MilestoneSubmitted); err != nil {
		return err
	}
	if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, StatusInProgress); err != nil {
		return err
	}
	payload := map[string]any{"milestone_idx": idx}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "MILESTONE_SUBMITTED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// ApproveMilestone releases one submitted milestone: the platform fee goes to
// the treasury, the remainder to the freelancer's wallet. Returns the gross
// amount released from custody. When every milestone is approved the job
// completes.
func (s *Service) ApproveMilestone(ctx context.Context, jobID string, idx int, callerID string) (int64, error) {
	if jobID == "" || callerID == "" {
		return 0, fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	if job.ClientID != callerID {
		return 0, ErrNotClient
	}
	cfg, err := s.repo.GetConfig(ctx, tx)
	if err != nil {
		return 0, err
	}

	m, ok := findMilestone(job, idx)
	if !ok {
		return 0, ErrMilestoneNotFound
	}
	if m.Status != MilestoneSubmitted {
		return 0, ErrMilestoneNotSubmitted
	}

	fee := feeFor(cfg.FeeBps, m.Amount)
	if err := s.releaseFromCustody(ctx, tx, job, cfg, m.Amount, fee); err != nil {
		return 0, err
	}
	if err := s.repo.UpdateMilestoneStatus(ctx, tx, job.ID, idx, MilestoneApproved); err != nil {
		return 0, err
	}

	payload := map[string]any{"milestone_idx": idx, "amount": m.Amount, "fee": fee}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "MILESTONE_APPROVED", callerID, payload); err != nil {
		return 0, err
	}
	outPayload := map[string]any{"job_id": job.ID, "milestone_idx": idx, "amount": m.Amount}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicMilestoneApproved, outPayload); err != nil {
		return 0, err
	}

	if err := s.completeIfAllApproved(ctx, tx, job.ID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return m.Amount, nil
}

// ApproveMilestonesBatch releases several submitted milestones at once. Every
// index is validated before any milestone changes; one bad index rejects the
// whole batch. The fee is computed once on the batch total. Returns the gross
// amount released from custody.
func (s *Service) ApproveMilestonesBatch(ctx context.Context, jobID string, indices []int, callerID string) (int64, error) {
	if jobID == "" || callerID == "" {
		return 0, fmt.Errorf("escrow: missing job or caller id")
	}
	if len(indices) == 0 {
		return 0, ErrEmptyMilestones
	}
	seen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		if seen[idx] {
			return 0, fmt.Errorf("escrow: duplicate milestone index %d", idx)
		}
		seen[idx] = true
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	if job.ClientID != callerID {
		return 0, ErrNotClient
	}
	cfg, err := s.repo.GetConfig(ctx, tx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, idx := range indices {
		m, ok := findMilestone(job, idx)
		if !ok {
			return 0, ErrMilestoneNotFound
		}
		if m.Status != MilestoneSubmitted {
			return 0, ErrMilestoneNotSubmitted
		}
		total += m.Amount
	}

	fee := feeFor(cfg.FeeBps, total)
	if err := s.releaseFromCustody(ctx, tx, job, cfg, total, fee); err != nil {
		return 0, err
	}
	for _, idx := range indices {
		if err := s.repo.UpdateMilestoneStatus(ctx, tx, job.ID, idx, MilestoneApproved); err != nil {
			return 0, err
		}
	}

	payload := map[string]any{"milestone_indices": indices, "amount": total, "fee": fee}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "MILESTONES_APPROVED", callerID, payload); err != nil {
		return 0, err
	}
	outPayload := map[string]any{"job_id": job.ID, "milestone_indices": indices, "amount": total}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicMilestoneApproved, outPayload); err != nil {
		return 0, err
	}

	if err := s.completeIfAllApproved(ctx, tx, job.ID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return total, nil
}

// releaseFromCustody pays a milestone release out of job custody: fee to the
// treasury, the rest to the freelancer.
func (s *Service) releaseFromCustody(ctx context.Context, tx pgx.Tx, job Job, cfg Config, amount, fee int64) error {
	custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
	if err != nil {
		return err
	}
	if fee > 0 {
		treasury, err := s.treasuryAccount(ctx, tx, cfg, job.Asset)
		if err != nil {
			return err
		}
		if err := s.move(ctx, tx, custody, treasury, job.Asset, fee, "platform fee"); err != nil {
			return err
		}
	}
	wallet, err := s.walletAccount(ctx, tx, job.FreelancerID, job.Asset)
	if err != nil {
		return err
	}
	return s.move(ctx, tx, custody, wallet, job.Asset, amount-fee, "milestone release")
}

func (s *Service) completeIfAllApproved(ctx context.Context, tx pgx.Tx, jobID string) error {
	done, err := s.repo.AllMilestonesIn(ctx, tx, jobID, MilestoneApproved)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	if err := s.repo.UpdateJobStatus(ctx, tx, jobID, StatusCompleted); err != nil {
		return err
	}
	return s.repo.EnqueueOutbox(ctx, tx, TopicJobCompleted, map[string]any{"job_id": jobID})
}

// IsMilestoneOverdue reports whether the milestone's deadline has passed. A
// missing milestone is simply not overdue.
func (s *Service) IsMilestoneOverdue(ctx context.Context, jobID string, idx int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJob(ctx, tx, jobID)
	if err != nil {
		return false, err
	}
	m, ok := findMilestone(job, idx)
	if !ok {
		return false, nil
	}
	return s.now().After(m.Deadline), nil
}

// ProposeExtension opens a milestone deadline extension that the other party
// must confirm before it applies. One open request per job.
func (s *Service) ProposeExtension(ctx context.Context, jobID string, idx int, newDeadline time.Time, callerID string) error {
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
	m, ok := findMilestone(job, idx)
	if !ok {
		return ErrMilestoneNotFound
	}
	if !newDeadline.After(s.now()) || !newDeadline.After(m.Deadline) {
		return ErrInvalidDeadline
	}

	ext := DeadlineExtension{
		JobID:        job.ID,
		MilestoneIdx: idx,
		ProposerID:   callerID,
		NewDeadline:  newDeadline,
	}
	if err := s.repo.InsertExtension(ctx, tx, ext); err != nil {
		return err
	}
	payload := map[string]any{"milestone_idx": idx, "new_deadline": newDeadline}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "EXTENSION_PROPOSED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// ConfirmExtension applies a pending deadline extension. Only the party who
// did not propose it can confirm, which makes the change bilateral.
func (s *Service) ConfirmExtension(ctx context.Context, jobID, callerID string) error {
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

	ext, err := s.repo.GetExtensionForUpdate(ctx, tx, job.ID)
	if err != nil {
		return err
	}
	if ext.ProposerID == callerID {
		return ErrProposerCannotAct
	}
	if _, ok := findMilestone(job, ext.MilestoneIdx); !ok {
		// A revision replaced the milestone set since the proposal.
		return ErrMilestoneNotFound
	}
	if !ext.NewDeadline.After(s.now()) {
		return ErrInvalidDeadline
	}

	if err := s.repo.UpdateMilestoneDeadline(ctx, tx, job.ID, ext.MilestoneIdx, ext.NewDeadline); err != nil {
		return err
	}
	if err := s.repo.DeleteExtension(ctx, tx, job.ID); err != nil {
		return err
	}
	payload := map[string]any{"milestone_idx": ext.MilestoneIdx, "new_deadline": ext.NewDeadline}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "EXTENSION_CONFIRMED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// CancelExtension withdraws a pending deadline extension. Either party may
// cancel, including the proposer.
func (s *Service) CancelExtension(ctx context.Context, jobID, callerID string) error {
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

	ext, err := s.repo.GetExtensionForUpdate(ctx, tx, job.ID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteExtension(ctx, tx, job.ID); err != nil {
		return err
	}
	payload := map[string]any{"milestone_idx": ext.MilestoneIdx}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "EXTENSION_CANCELLED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}
