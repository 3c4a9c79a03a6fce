package arbitration

import (
	"context"
	"fmt"
)

// CastVote records one voter's choice for the current round and bumps the
// matching tally. The first vote moves the dispute from open to voting; an
// appeal reopens voting, so appealed accepts votes too.
func (s *Service) CastVote(ctx context.Context, disputeID, voterID string, choice Side, reason string) error {
	if disputeID == "" || voterID == "" {
		return fmt.Errorf("arbitration: missing dispute or voter id")
	}
	if choice != SideClient && choice != SideFreelancer {
		return fmt.Errorf("arbitration: unknown vote choice %q", choice)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	switch d.Status {
	case StatusOpen, StatusVoting, StatusAppealed:
	default:
		return ErrVotingClosed
	}
	if voterID == d.ClientID || voterID == d.FreelancerID {
		return ErrInvalidParty
	}
	voted, err := s.repo.HasVoted(ctx, tx, d.ID, voterID)
	if err != nil {
		return err
	}
	if voted {
		return ErrAlreadyVoted
	}
	if s.eligibility != nil {
		if err := s.eligibility.CheckVoter(ctx, d.ID, voterID); err != nil {
			return err
		}
	}

	if err := s.repo.InsertVote(ctx, tx, Vote{
		DisputeID: d.ID,
		VoterID:   voterID,
		Choice:    choice,
		Reason:    reason,
	}); err != nil {
		return err
	}
	if err := s.repo.TallyVote(ctx, tx, d.ID, choice); err != nil {
		return err
	}

	if _, err := s.repo.NextSequence(ctx, tx); err != nil {
		return err
	}
	payload := map[string]any{"choice": choice, "round": d.AppealCount}
	if err := s.repo.AppendTimeline(ctx, tx, d.ID, "VOTE_CAST", voterID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}
