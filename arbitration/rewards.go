package arbitration

import (
	"context"
	"errors"
	"fmt"
)

// ClaimVoterReward pays one winning voter their equal share of the dispute
// fee: fee divided by the winning-side tally, rounded down. The remainder is
// never paid out. Each voter claims at most once per dispute, across all
// rounds.
func (s *Service) ClaimVoterReward(ctx context.Context, disputeID, voterID string) (int64, error) {
	if disputeID == "" || voterID == "" {
		return 0, fmt.Errorf("arbitration: missing dispute or voter id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return 0, err
	}
	if !d.Resolved() {
		return 0, ErrNotResolved
	}
	if d.Malicious || d.Fee <= 0 || d.FeeRefunded {
		return 0, ErrNoRewardAvailable
	}
	claimed, err := s.repo.HasClaimed(ctx, tx, d.ID, voterID)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, ErrAlreadyClaimed
	}

	winner := winningSide(d)
	vote, err := s.repo.GetVote(ctx, tx, d.ID, voterID)
	if err != nil {
		if errors.Is(err, ErrVoteNotFound) {
			return 0, ErrNotWinningVoter
		}
		return 0, err
	}
	if vote.Choice != winner {
		return 0, ErrNotWinningVoter
	}

	count := d.VotesForClient
	if winner == SideFreelancer {
		count = d.VotesForFreelancer
	}
	if count <= 0 {
		return 0, ErrNoRewardAvailable
	}
	reward := d.Fee / int64(count)
	if reward <= 0 {
		return 0, ErrNoRewardAvailable
	}
	// Already-paid claims from earlier rounds shrink what is left of the
	// fee; never pay out past it.
	sum, err := s.repo.SumClaims(ctx, tx, d.ID)
	if err != nil {
		return 0, err
	}
	if sum+reward > d.Fee {
		return 0, ErrNoRewardAvailable
	}

	if err := s.repo.InsertClaim(ctx, tx, d.ID, voterID, reward); err != nil {
		return 0, err
	}
	custody, err := s.custodyAccount(ctx, tx, d.ID, d.Asset)
	if err != nil {
		return 0, err
	}
	wallet, err := s.walletAccount(ctx, tx, voterID, d.Asset)
	if err != nil {
		return 0, err
	}
	if err := s.move(ctx, tx, custody, wallet, d.Asset, reward, "dispute vote reward"); err != nil {
		return 0, err
	}

	if _, err := s.repo.NextSequence(ctx, tx); err != nil {
		return 0, err
	}
	payload := map[string]any{"amount": reward}
	if err := s.repo.AppendTimeline(ctx, tx, d.ID, "REWARD_CLAIMED", voterID, payload); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return reward, nil
}

// GetClaimableReward reports what ClaimVoterReward would pay the voter right
// now. Callers with nothing to claim get zero, not an error.
func (s *Service) GetClaimableReward(ctx context.Context, disputeID, voterID string) (int64, error) {
	if disputeID == "" || voterID == "" {
		return 0, fmt.Errorf("arbitration: missing dispute or voter id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDispute(ctx, tx, disputeID)
	if err != nil {
		return 0, err
	}
	if !d.Resolved() || d.Malicious || d.Fee <= 0 || d.FeeRefunded {
		return 0, nil
	}
	claimed, err := s.repo.HasClaimed(ctx, tx, d.ID, voterID)
	if err != nil {
		return 0, err
	}
	if claimed {
		return 0, nil
	}

	winner := winningSide(d)
	vote, err := s.repo.GetVote(ctx, tx, d.ID, voterID)
	if err != nil {
		if errors.Is(err, ErrVoteNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if vote.Choice != winner {
		return 0, nil
	}

	count := d.VotesForClient
	if winner == SideFreelancer {
		count = d.VotesForFreelancer
	}
	if count <= 0 {
		return 0, nil
	}
	reward := d.Fee / int64(count)
	if reward <= 0 {
		return 0, nil
	}
	sum, err := s.repo.SumClaims(ctx, tx, d.ID)
	if err != nil {
		return 0, err
	}
	if sum+reward > d.Fee {
		return 0, nil
	}
	return reward, nil
}
