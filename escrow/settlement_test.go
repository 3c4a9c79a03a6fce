package escrow

import (
	"context"
	"errors"
	"testing"
)

func (f *fixture) disputedJob(t *testing.T, amounts ...int64) Job {
	t.Helper()
	job := f.createJob(t, "alice", "bob", amounts...)
	f.fundJob(t, job)
	if err := f.svc.MarkDisputed(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	return job
}

func TestSettleClientWins(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000, 1500)
	f.fundJob(t, job)
	f.submit(t, job, 0)
	f.approve(t, job, 0)
	if err := f.svc.MarkDisputed(context.Background(), job.ID, "bob"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}

	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeClientWins, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Remaining != 2500 || res.ClientAmount != 2500 || res.FreelancerAmount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.wallet("alice", "USD"); got != 2500 {
		t.Fatalf("expected client wallet 2500, got %d", got)
	}
	if f.custody(job) != 0 {
		t.Fatalf("expected drained custody, got %d", f.custody(job))
	}
	if f.job(t, job.ID).Status != StatusCancelled {
		t.Fatalf("expected cancelled job, got %s", f.job(t, job.ID).Status)
	}
	if !f.store.hasOutbox(TopicSettlementApplied) {
		t.Fatalf("expected %s outbox message", TopicSettlementApplied)
	}
}

func TestSettleFreelancerWins(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.disputedJob(t, 500, 1000)

	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeFreelancerWins, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.FreelancerAmount != 1500 || res.ClientAmount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.wallet("bob", "USD"); got != 1500 {
		t.Fatalf("expected freelancer wallet 1500, got %d", got)
	}
	if f.job(t, job.ID).Status != StatusCompleted {
		t.Fatalf("expected completed job, got %s", f.job(t, job.ID).Status)
	}
}

func TestSettleRefundBothSplitsWithOddUnit(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.disputedJob(t, 3001)

	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeRefundBoth, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The freelancer's half absorbs the odd unit.
	if res.ClientAmount != 1500 || res.FreelancerAmount != 1501 {
		t.Fatalf("unexpected split %+v", res)
	}
	if f.wallet("alice", "USD") != 1500 || f.wallet("bob", "USD") != 1501 {
		t.Fatalf("unexpected wallets: client %d freelancer %d", f.wallet("alice", "USD"), f.wallet("bob", "USD"))
	}
	if f.custody(job) != 0 {
		t.Fatalf("expected drained custody, got %d", f.custody(job))
	}
	if f.job(t, job.ID).Status != StatusCancelled {
		t.Fatalf("expected cancelled job")
	}
}

func TestSettleRefundBothSingleUnit(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.disputedJob(t, 1)

	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeRefundBoth, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.ClientAmount != 0 || res.FreelancerAmount != 1 {
		t.Fatalf("expected the single unit to reach the freelancer, got %+v", res)
	}
	if f.wallet("bob", "USD") != 1 {
		t.Fatalf("expected freelancer wallet 1, got %d", f.wallet("bob", "USD"))
	}
}

func TestSettleEscalateMovesNothing(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.disputedJob(t, 1000)

	moved := len(f.led.transfers)
	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeEscalate, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.ClientAmount != 0 || res.FreelancerAmount != 0 {
		t.Fatalf("unexpected amounts %+v", res)
	}
	if len(f.led.transfers) != moved {
		t.Fatalf("escalation must move no funds")
	}
	if f.job(t, job.ID).Status != StatusDisputed {
		t.Fatalf("escalation must leave the status untouched, got %s", f.job(t, job.ID).Status)
	}
	if f.custody(job) != 1000 {
		t.Fatalf("expected custody intact, got %d", f.custody(job))
	}

	// An escalated job can still be settled later.
	if _, err := f.svc.Settle(context.Background(), job.ID, OutcomeRefundBoth, "admin-1"); err != nil {
		t.Fatalf("settle after escalate: %v", err)
	}
}

func TestSettleStatusOnlyWhenDrained(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.disputedJob(t, 500)

	// Drain custody through the store and ledger directly so remaining is 0
	// while the job still sits in disputed.
	f.store.jobs[job.ID].Milestones[0].Status = MilestoneApproved
	f.led.balances[f.led.accounts["job_custody|"+job.ID+"|USD"]] = 0

	moved := len(f.led.transfers)
	res, err := f.svc.Settle(context.Background(), job.ID, OutcomeFreelancerWins, "admin-1")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Remaining != 0 || res.ClientAmount != 0 || res.FreelancerAmount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.led.transfers) != moved {
		t.Fatalf("drained settlement must not transfer")
	}
	if f.job(t, job.ID).Status != StatusCompleted {
		t.Fatalf("expected status-only transition to completed, got %s", f.job(t, job.ID).Status)
	}
}

func TestSettleGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)

	created := f.createJob(t, "alice", "bob", 500)
	if _, err := f.svc.Settle(context.Background(), created.ID, OutcomeClientWins, "admin-1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for unfunded job, got %v", err)
	}

	job := f.disputedJob(t, 500)
	if _, err := f.svc.Settle(context.Background(), job.ID, OutcomeClientWins, "intruder"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err := f.svc.Settle(context.Background(), job.ID, Outcome("split_thirds"), "admin-1"); err == nil {
		t.Fatalf("expected error for unknown outcome")
	}

	if _, err := f.svc.Settle(context.Background(), job.ID, OutcomeClientWins, "admin-1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The job is cancelled now; a second settlement must bounce.
	if _, err := f.svc.Settle(context.Background(), job.ID, OutcomeFreelancerWins, "admin-1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on resettle, got %v", err)
	}
}
