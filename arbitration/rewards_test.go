package arbitration

import (
	"context"
	"errors"
	"testing"
)

func TestClaimVoterReward(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	f.voteMany(t, d.ID, "r1-client", SideClient, 2)
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 1)
	f.resolve(t, d.ID)

	reward, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reward != 50 {
		t.Fatalf("expected 50, got %d", reward)
	}
	if got := f.wallet("r1-client-0", "USD"); got != 50 {
		t.Fatalf("expected reward in voter wallet, got %d", got)
	}

	if amt, ok := f.lastTimeline(t, "REWARD_CLAIMED")["amount"].(int64); !ok || amt != 50 {
		t.Fatalf("unexpected claim payload amount %v", amt)
	}

	if reward, err = f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-1"); err != nil || reward != 50 {
		t.Fatalf("second winner claim: %d, %v", reward, err)
	}
	if got := f.custody(f.dispute(t, d.ID)); got != 0 {
		t.Fatalf("expected drained custody, got %d", got)
	}

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-free-0"); !errors.Is(err, ErrNotWinningVoter) {
		t.Fatalf("expected ErrNotWinningVoter for the losing side, got %v", err)
	}
}

func TestClaimRemainderForfeited(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	f.voteMany(t, d.ID, "r1-client", SideClient, 3)
	f.resolve(t, d.ID)

	// 100 split three ways pays 33 each; the last unit stays in custody.
	for i := 0; i < 3; i++ {
		voter := []string{"r1-client-0", "r1-client-1", "r1-client-2"}[i]
		reward, err := f.svc.ClaimVoterReward(context.Background(), d.ID, voter)
		if err != nil {
			t.Fatalf("claim %s: %v", voter, err)
		}
		if reward != 33 {
			t.Fatalf("expected 33 for %s, got %d", voter, reward)
		}
	}
	if got := f.custody(f.dispute(t, d.ID)); got != 1 {
		t.Fatalf("expected forfeited remainder in custody, got %d", got)
	}
}

func TestClaimGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	f.voteMany(t, d.ID, "r1-client", SideClient, 2)
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 1)

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("expected ErrNotResolved before resolution, got %v", err)
	}

	f.resolve(t, d.ID)

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "stranger"); !errors.Is(err, ErrNotWinningVoter) {
		t.Fatalf("expected ErrNotWinningVoter for a non-voter, got %v", err)
	}
	if _, err := f.svc.ClaimVoterReward(context.Background(), "missing", "r1-client-1"); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected ErrDisputeNotFound, got %v", err)
	}
}

func TestClaimMaliciousNoReward(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	// A unanimous vote against the initiator marks the dispute malicious
	// and redirects the fee, so there is nothing left for voters.
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 3)
	if _, err := f.svc.ResolveDispute(context.Background(), d.ID, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-free-0"); !errors.Is(err, ErrNoRewardAvailable) {
		t.Fatalf("expected ErrNoRewardAvailable, got %v", err)
	}
	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r1-free-0"); err != nil || amount != 0 {
		t.Fatalf("expected 0 claimable, got %d, %v", amount, err)
	}
}

func TestClaimZeroFee(t *testing.T) {
	f := newFixture()
	f.configure(t)
	params := f.raiseParams()
	params.Fee = 0
	params.PenaltyStake = 0
	d := f.raise(t, params)

	f.voteMany(t, d.ID, "r1-client", SideClient, 3)
	f.resolve(t, d.ID)

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); !errors.Is(err, ErrNoRewardAvailable) {
		t.Fatalf("expected ErrNoRewardAvailable without a fee, got %v", err)
	}
}

func TestGetClaimableReward(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	f.voteMany(t, d.ID, "r1-client", SideClient, 2)
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 1)

	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r1-client-0"); err != nil || amount != 0 {
		t.Fatalf("expected 0 before resolution, got %d, %v", amount, err)
	}

	f.resolve(t, d.ID)

	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r1-client-0"); err != nil || amount != 50 {
		t.Fatalf("expected 50 claimable, got %d, %v", amount, err)
	}
	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r1-free-0"); err != nil || amount != 0 {
		t.Fatalf("expected 0 for the losing side, got %d, %v", amount, err)
	}
	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "stranger"); err != nil || amount != 0 {
		t.Fatalf("expected 0 for a non-voter, got %d, %v", amount, err)
	}

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r1-client-0"); err != nil || amount != 0 {
		t.Fatalf("expected 0 after claiming, got %d, %v", amount, err)
	}

	if _, err := f.svc.GetClaimableReward(context.Background(), "missing", "r1-client-0"); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected ErrDisputeNotFound, got %v", err)
	}
}

func TestClaimAcrossRounds(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	// Round one: client wins 2-1, one voter banks their 50 share.
	f.voteMany(t, d.ID, "r1-client", SideClient, 2)
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 1)
	f.resolve(t, d.ID)
	if reward, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); err != nil || reward != 50 {
		t.Fatalf("round one claim: %d, %v", reward, err)
	}

	// The freelancer appeals and flips the verdict 2-4.
	f.appeal(t, d.ID, "bob")
	f.voteMany(t, d.ID, "r2-client", SideClient, 2)
	f.voteMany(t, d.ID, "r2-free", SideFreelancer, 4)
	f.resolve(t, d.ID)

	// The new winners split the fee four ways, but the round-one payout
	// already took 50 of it, so only two shares fit.
	if reward, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r2-free-0"); err != nil || reward != 25 {
		t.Fatalf("round two claim: %d, %v", reward, err)
	}
	if reward, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r2-free-1"); err != nil || reward != 25 {
		t.Fatalf("round two claim: %d, %v", reward, err)
	}
	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r2-free-2"); !errors.Is(err, ErrNoRewardAvailable) {
		t.Fatalf("expected exhausted fee, got %v", err)
	}

	// Round-one voters cannot double-dip or ride the new verdict.
	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-0"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed across rounds, got %v", err)
	}
	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r1-client-1"); !errors.Is(err, ErrNotWinningVoter) {
		t.Fatalf("expected cleared round-one vote to not count, got %v", err)
	}

	if got := f.custody(f.dispute(t, d.ID)); got != 0 {
		t.Fatalf("expected drained custody, got %d", got)
	}
}

func TestClaimAfterFeeRefunded(t *testing.T) {
	f := newFixture()
	f.configure(t)
	d := f.raise(t, f.raiseParams())

	// Round one is ruled malicious: the fee leaves custody for the
	// freelancer and can never fund rewards again.
	f.voteMany(t, d.ID, "r1-free", SideFreelancer, 3)
	if _, err := f.svc.ResolveDispute(context.Background(), d.ID, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	f.appeal(t, d.ID, "alice")
	f.voteMany(t, d.ID, "r2-client", SideClient, 5)
	f.voteMany(t, d.ID, "r2-free", SideFreelancer, 1)
	f.resolve(t, d.ID)

	if _, err := f.svc.ClaimVoterReward(context.Background(), d.ID, "r2-client-0"); !errors.Is(err, ErrNoRewardAvailable) {
		t.Fatalf("expected ErrNoRewardAvailable once the fee is gone, got %v", err)
	}
	if amount, err := f.svc.GetClaimableReward(context.Background(), d.ID, "r2-client-0"); err != nil || amount != 0 {
		t.Fatalf("expected 0 claimable, got %d, %v", amount, err)
	}
}
