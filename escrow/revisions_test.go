package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"fairlance/ledger"
)

func (f *fixture) revisionInputs(amounts ...int64) []MilestoneInput {
	deadline := f.now.Add(45 * 24 * time.Hour)
	inputs := make([]MilestoneInput, len(amounts))
	for i, amount := range amounts {
		inputs[i] = MilestoneInput{Description: "revised", Amount: amount, Deadline: deadline}
	}
	return inputs
}

func TestProposeRevision(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 500)
	f.fundJob(t, job)

	proposal, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(600, 900), "alice")
	if err != nil {
		t.Fatalf("propose revision: %v", err)
	}
	if proposal.NewTotal != 1500 {
		t.Fatalf("expected new total 1500, got %d", proposal.NewTotal)
	}
	if proposal.Status != ProposalPending {
		t.Fatalf("expected pending proposal, got %s", proposal.Status)
	}

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(100), "bob"); !errors.Is(err, ErrProposalPending) {
		t.Fatalf("expected ErrProposalPending, got %v", err)
	}
}

func TestProposeRevisionGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 500)

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, nil, "alice"); !errors.Is(err, ErrEmptyMilestones) {
		t.Fatalf("expected ErrEmptyMilestones, got %v", err)
	}
	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(0), "alice"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(100), "alice"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus before funding, got %v", err)
	}

	f.fundJob(t, job)
	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(100), "carol"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	f.submit(t, job, 0)
	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(100), "alice"); !errors.Is(err, ErrRevisionLocked) {
		t.Fatalf("expected ErrRevisionLocked after submission, got %v", err)
	}
}

func TestAcceptRevisionIncrease(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 500)
	f.fundJob(t, job)

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(600, 900), "alice"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}

	// The extra 500 comes straight out of the client wallet.
	f.led.mint(ledger.KindWallet, "alice", "USD", 500)
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "bob"); err != nil {
		t.Fatalf("accept revision: %v", err)
	}

	got := f.job(t, job.ID)
	if got.TotalAmount != 1500 {
		t.Fatalf("expected total 1500, got %d", got.TotalAmount)
	}
	if len(got.Milestones) != 2 || got.Milestones[0].Amount != 600 || got.Milestones[1].Amount != 900 {
		t.Fatalf("unexpected milestone set %+v", got.Milestones)
	}
	for _, m := range got.Milestones {
		if m.Status != MilestonePending {
			t.Fatalf("expected replaced milestones to start pending")
		}
	}
	if f.custody(job) != 1500 {
		t.Fatalf("expected custody 1500, got %d", f.custody(job))
	}
	if f.wallet("alice", "USD") != 0 {
		t.Fatalf("expected drained client wallet, got %d", f.wallet("alice", "USD"))
	}

	proposal, err := f.svc.GetRevisionProposal(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if proposal.Status != ProposalAccepted {
		t.Fatalf("expected accepted proposal, got %s", proposal.Status)
	}
}

func TestAcceptRevisionDecrease(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 1000, 500)
	f.fundJob(t, job)

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(1000), "bob"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("accept revision: %v", err)
	}

	if f.custody(job) != 1000 {
		t.Fatalf("expected custody 1000, got %d", f.custody(job))
	}
	if f.wallet("alice", "USD") != 500 {
		t.Fatalf("expected 500 refunded to client, got %d", f.wallet("alice", "USD"))
	}
	if got := f.job(t, job.ID); got.TotalAmount != 1000 || len(got.Milestones) != 1 {
		t.Fatalf("unexpected job after decrease: total %d, %d milestones", got.TotalAmount, len(got.Milestones))
	}
}

func TestAcceptRevisionEqualTotalMovesNothing(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 600, 900)
	f.fundJob(t, job)

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(500, 1000), "alice"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}

	moved := len(f.led.transfers)
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "bob"); err != nil {
		t.Fatalf("accept revision: %v", err)
	}
	if len(f.led.transfers) != moved {
		t.Fatalf("expected no transfers for equal totals")
	}
	if f.custody(job) != 1500 {
		t.Fatalf("expected custody unchanged, got %d", f.custody(job))
	}
}

func TestAcceptRevisionGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	if err := f.svc.AcceptRevision(context.Background(), job.ID, "bob"); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("expected ErrNoProposal, got %v", err)
	}

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(800), "alice"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "alice"); !errors.Is(err, ErrProposerCannotAct) {
		t.Fatalf("expected ErrProposerCannotAct, got %v", err)
	}
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "carol"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}

	// Client wallet is empty, so the 300 top-up cannot be pulled.
	if err := f.svc.AcceptRevision(context.Background(), job.ID, "bob"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRejectRevision(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 500)
	f.fundJob(t, job)

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(2000), "bob"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}

	moved := len(f.led.transfers)
	if err := f.svc.RejectRevision(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("reject revision: %v", err)
	}

	got := f.job(t, job.ID)
	if got.TotalAmount != 1000 || len(got.Milestones) != 2 {
		t.Fatalf("rejection must leave the job untouched, got total %d with %d milestones", got.TotalAmount, len(got.Milestones))
	}
	if len(f.led.transfers) != moved {
		t.Fatalf("rejection must move no funds")
	}

	// A fresh proposal is allowed once the previous one is decided.
	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(700), "alice"); err != nil {
		t.Fatalf("propose after rejection: %v", err)
	}
}

func TestRejectRevisionGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	if err := f.svc.RejectRevision(context.Background(), job.ID, "alice"); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("expected ErrNoProposal, got %v", err)
	}

	if _, err := f.svc.ProposeRevision(context.Background(), job.ID, f.revisionInputs(800), "bob"); err != nil {
		t.Fatalf("propose revision: %v", err)
	}
	if err := f.svc.RejectRevision(context.Background(), job.ID, "bob"); !errors.Is(err, ErrProposerCannotAct) {
		t.Fatalf("expected ErrProposerCannotAct, got %v", err)
	}
}

func TestGetRevisionProposal(t *testing.T) {
	f := newFixture()
	f.configure(t)

	if _, err := f.svc.GetRevisionProposal(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	job := f.createJob(t, "alice", "bob", 500)
	if _, err := f.svc.GetRevisionProposal(context.Background(), job.ID); !errors.Is(err, ErrNoProposal) {
		t.Fatalf("expected ErrNoProposal, got %v", err)
	}
}
