package arbitration

import (
	"context"
	"fmt"
)

// RaiseAppeal reopens a resolved round for the party that lost it. The round
// starts clean: tallies zeroed, votes discarded, and the quorum doubled.
// Appeals are only accepted while the operation sequence is inside the window
// stamped at resolution.
func (s *Service) RaiseAppeal(ctx context.Context, disputeID, appellantID string) error {
	if disputeID == "" || appellantID == "" {
		return fmt.Errorf("arbitration: missing dispute or appellant id")
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
	if d.AppealCount >= d.MaxAppeals {
		return ErrMaxAppealsReached
	}
	if !d.Resolved() {
		return ErrCannotAppealBeforeResolution
	}
	if d.Status == StatusFinal {
		return ErrMaxAppealsReached
	}

	seq, err := s.repo.NextSequence(ctx, tx)
	if err != nil {
		return err
	}
	if d.AppealDeadlineSeq == nil || seq > *d.AppealDeadlineSeq {
		return ErrAppealWindowExpired
	}

	loser := d.FreelancerID
	if d.Status == StatusResolvedFreelancer {
		loser = d.ClientID
	}
	if appellantID != loser {
		return ErrNotLosingParty
	}

	if err := s.repo.RecordAppeal(ctx, tx, d.ID, d.AppealCount+1); err != nil {
		return err
	}
	if err := s.repo.DeleteVotes(ctx, tx, d.ID); err != nil {
		return err
	}

	payload := map[string]any{
		"appeal_count": d.AppealCount + 1,
		"required":     d.MinVotes << (d.AppealCount + 1),
	}
	if err := s.repo.AppendTimeline(ctx, tx, d.ID, "DISPUTE_APPEALED", appellantID, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return nil
}
