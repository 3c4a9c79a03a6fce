package escrow

import (
	"context"
	"fmt"
)

// ProposeRevision opens a wholesale milestone replacement for the other party
// to accept or reject. Revisions are only possible while no milestone has
// been submitted or approved, so custody math stays a single identity.
func (s *Service) ProposeRevision(ctx context.Context, jobID string, milestones []MilestoneInput, callerID string) (RevisionProposal, error) {
	if jobID == "" || callerID == "" {
		return RevisionProposal{}, fmt.Errorf("escrow: missing job or caller id")
	}
	if len(milestones) == 0 {
		return RevisionProposal{}, ErrEmptyMilestones
	}

	var newTotal int64
	for _, in := range milestones {
		if in.Amount <= 0 {
			return RevisionProposal{}, ErrInvalidAmount
		}
		newTotal += in.Amount
		if newTotal <= 0 {
			return RevisionProposal{}, fmt.Errorf("escrow: milestone amounts overflow")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RevisionProposal{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return RevisionProposal{}, err
	}
	if callerID != job.ClientID && callerID != job.FreelancerID {
		return RevisionProposal{}, ErrNotParty
	}
	if job.Status != StatusFunded && job.Status != StatusInProgress {
		return RevisionProposal{}, ErrInvalidStatus
	}
	untouched, err := s.repo.AllMilestonesIn(ctx, tx, job.ID, MilestonePending, MilestoneInProgress)
	if err != nil {
		return RevisionProposal{}, err
	}
	if !untouched {
		return RevisionProposal{}, ErrRevisionLocked
	}

	proposal := RevisionProposal{
		ID:            s.idGenerator(),
		JobID:         job.ID,
		ProposerID:    callerID,
		NewTotal:      newTotal,
		NewMilestones: milestones,
		Status:        ProposalPending,
	}
	if err := s.repo.InsertProposal(ctx, tx, proposal); err != nil {
		return RevisionProposal{}, err
	}
	payload := map[string]any{"proposal_id": proposal.ID, "new_total": newTotal, "milestones": len(milestones)}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "REVISION_PROPOSED", callerID, payload); err != nil {
		return RevisionProposal{}, err
	}

	created, err := s.repo.LatestProposal(ctx, tx, job.ID)
	if err != nil {
		return RevisionProposal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RevisionProposal{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return created, nil
}

// AcceptRevision applies the pending proposal: the custody delta moves
// between the client's wallet and job custody in the same transaction that
// replaces the milestone set and rewrites the total.
func (s *Service) AcceptRevision(ctx context.Context, jobID, callerID string) error {
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
	proposal, err := s.repo.GetPendingProposalForUpdate(ctx, tx, job.ID)
	if err != nil {
		return err
	}
	if callerID != job.ClientID && callerID != job.FreelancerID {
		return ErrNotParty
	}
	if proposal.ProposerID == callerID {
		return ErrProposerCannotAct
	}
	if job.Status != StatusFunded && job.Status != StatusInProgress {
		return ErrInvalidStatus
	}
	untouched, err := s.repo.AllMilestonesIn(ctx, tx, job.ID, MilestonePending, MilestoneInProgress)
	if err != nil {
		return err
	}
	if !untouched {
		return ErrRevisionLocked
	}

	delta := proposal.NewTotal - job.TotalAmount
	if delta != 0 {
		custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
		if err != nil {
			return err
		}
		wallet, err := s.walletAccount(ctx, tx, job.ClientID, job.Asset)
		if err != nil {
			return err
		}
		if delta > 0 {
			if err := s.move(ctx, tx, wallet, custody, job.Asset, delta, "revision top-up"); err != nil {
				return err
			}
		} else {
			if err := s.move(ctx, tx, custody, wallet, job.Asset, -delta, "revision refund"); err != nil {
				return err
			}
		}
	}

	replacement := make([]Milestone, 0, len(proposal.NewMilestones))
	for i, in := range proposal.NewMilestones {
		replacement = append(replacement, Milestone{
			Idx:         i,
			Description: in.Description,
			Amount:      in.Amount,
			Status:      MilestonePending,
			Deadline:    in.Deadline,
		})
	}
	if err := s.repo.ReplaceMilestones(ctx, tx, job.ID, replacement); err != nil {
		return err
	}
	if err := s.repo.UpdateJobTotal(ctx, tx, job.ID, proposal.NewTotal); err != nil {
		return err
	}
	if err := s.repo.ResolveProposal(ctx, tx, proposal.ID, ProposalAccepted); err != nil {
		return err
	}

	payload := map[string]any{
		"proposal_id": proposal.ID,
		"old_total":   job.TotalAmount,
		"new_total":   proposal.NewTotal,
		"delta":       delta,
	}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "REVISION_ACCEPTED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// RejectRevision closes the pending proposal without touching the job.
func (s *Service) RejectRevision(ctx context.Context, jobID, callerID string) error {
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
	proposal, err := s.repo.GetPendingProposalForUpdate(ctx, tx, job.ID)
	if err != nil {
		return err
	}
	if callerID != job.ClientID && callerID != job.FreelancerID {
		return ErrNotParty
	}
	if proposal.ProposerID == callerID {
		return ErrProposerCannotAct
	}

	if err := s.repo.ResolveProposal(ctx, tx, proposal.ID, ProposalRejected); err != nil {
		return err
	}
	payload := map[string]any{"proposal_id": proposal.ID}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "REVISION_REJECTED", callerID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// GetRevisionProposal returns the job's most recent proposal in any status.
func (s *Service) GetRevisionProposal(ctx context.Context, jobID string) (RevisionProposal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RevisionProposal{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetJob(ctx, tx, jobID); err != nil {
		return RevisionProposal{}, err
	}
	return s.repo.LatestProposal(ctx, tx, jobID)
}
