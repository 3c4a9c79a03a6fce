package arbitration

import (
	"context"
	"fmt"
)

// GetDispute returns the dispute.
func (s *Service) GetDispute(ctx context.Context, disputeID string) (Dispute, error) {
	if disputeID == "" {
		return Dispute{}, fmt.Errorf("arbitration: missing dispute id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.GetDispute(ctx, tx, disputeID)
}

// ListVotes returns the current round's votes in cast order. Votes from
// appealed-away rounds are gone.
func (s *Service) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("arbitration: missing dispute id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetDispute(ctx, tx, disputeID); err != nil {
		return nil, err
	}
	votes, err := s.repo.ListVotes(ctx, tx, disputeID)
	if err != nil {
		return nil, err
	}
	if votes == nil {
		votes = []Vote{}
	}
	return votes, nil
}

// HasVoted reports whether the voter has a vote in the current round.
func (s *Service) HasVoted(ctx context.Context, disputeID, voterID string) (bool, error) {
	if disputeID == "" || voterID == "" {
		return false, fmt.Errorf("arbitration: missing dispute or voter id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetDispute(ctx, tx, disputeID); err != nil {
		return false, err
	}
	return s.repo.HasVoted(ctx, tx, disputeID, voterID)
}

// ListDisputesForJob returns every dispute raised against the job, oldest
// first.
func (s *Service) ListDisputesForJob(ctx context.Context, jobID string) ([]Dispute, error) {
	if jobID == "" {
		return nil, fmt.Errorf("arbitration: missing job id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	disputes, err := s.repo.ListDisputesForJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if disputes == nil {
		disputes = []Dispute{}
	}
	return disputes, nil
}
