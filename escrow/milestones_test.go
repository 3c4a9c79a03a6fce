package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitMilestone(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)

	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 1, "bob"); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}

	got := f.job(t, job.ID)
	if got.Status != StatusInProgress {
		t.Fatalf("expected job in_progress, got %s", got.Status)
	}
	if got.Milestones[1].Status != MilestoneSubmitted {
		t.Fatalf("expected milestone submitted, got %s", got.Milestones[1].Status)
	}
	if got.Milestones[0].Status != MilestonePending {
		t.Fatalf("expected untouched sibling milestone")
	}
}

func TestSubmitMilestoneGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)

	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 0, "alice"); !errors.Is(err, ErrNotFreelancer) {
		t.Fatalf("expected ErrNotFreelancer, got %v", err)
	}
	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 0, "bob"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus before funding, got %v", err)
	}

	f.fundJob(t, job)
	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 9, "bob"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}

	f.submit(t, job, 0)
	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 0, "bob"); !errors.Is(err, ErrMilestoneNotActive) {
		t.Fatalf("expected ErrMilestoneNotActive on resubmit, got %v", err)
	}
}

func TestSubmitMilestoneDeadline(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	deadline := f.job(t, job.ID).Milestones[0].Deadline

	// At the deadline instant submission still goes through.
	f.now = deadline
	if err := f.svc.SubmitMilestone(context.Background(), job.ID, 0, "bob"); err != nil {
		t.Fatalf("submit at deadline: %v", err)
	}

	late := f.createJob(t, "alice", "carol", 500)
	f.fundJob(t, late)
	f.now = f.job(t, late.ID).Milestones[0].Deadline.Add(time.Second)
	if err := f.svc.SubmitMilestone(context.Background(), late.ID, 0, "carol"); !errors.Is(err, ErrDeadlinePassed) {
		t.Fatalf("expected ErrDeadlinePassed, got %v", err)
	}
}

func TestApproveMilestone(t *testing.T) {
	f := newFixture()
	f.configure(t) // fee 250 bps
	job := f.createJob(t, "alice", "bob", 1000, 2000)
	f.fundJob(t, job)
	f.submit(t, job, 0)

	released := f.approve(t, job, 0)
	if released != 1000 {
		t.Fatalf("expected gross release 1000, got %d", released)
	}

	// 2.5% of 1000 goes to the treasury, the rest to the freelancer.
	if got := f.treasury("USD"); got != 25 {
		t.Fatalf("expected treasury 25, got %d", got)
	}
	if got := f.wallet("bob", "USD"); got != 975 {
		t.Fatalf("expected freelancer wallet 975, got %d", got)
	}
	if got := f.custody(job); got != 2000 {
		t.Fatalf("expected custody 2000 after release, got %d", got)
	}

	got := f.job(t, job.ID)
	if got.Milestones[0].Status != MilestoneApproved {
		t.Fatalf("expected milestone approved")
	}
	if got.Status == StatusCompleted {
		t.Fatalf("job must not complete with milestones outstanding")
	}
	if !f.store.hasOutbox(TopicMilestoneApproved) {
		t.Fatalf("expected %s outbox message", TopicMilestoneApproved)
	}
}

func TestApproveLastMilestoneCompletesJob(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)
	f.submit(t, job, 0)
	f.submit(t, job, 1)
	f.approve(t, job, 0)
	f.approve(t, job, 1)

	got := f.job(t, job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed job, got %s", got.Status)
	}
	if f.custody(job) != 0 {
		t.Fatalf("expected drained custody, got %d", f.custody(job))
	}
	if !f.store.hasOutbox(TopicJobCompleted) {
		t.Fatalf("expected %s outbox message", TopicJobCompleted)
	}
}

func TestApproveMilestoneGuards(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)

	if _, err := f.svc.ApproveMilestone(context.Background(), job.ID, 0, "bob"); !errors.Is(err, ErrNotClient) {
		t.Fatalf("expected ErrNotClient, got %v", err)
	}
	if _, err := f.svc.ApproveMilestone(context.Background(), job.ID, 0, "alice"); !errors.Is(err, ErrMilestoneNotSubmitted) {
		t.Fatalf("expected ErrMilestoneNotSubmitted, got %v", err)
	}
	if _, err := f.svc.ApproveMilestone(context.Background(), job.ID, 9, "alice"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}

	f.submit(t, job, 0)
	f.store.config = nil
	if _, err := f.svc.ApproveMilestone(context.Background(), job.ID, 0, "alice"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestApproveMilestonesBatch(t *testing.T) {
	f := newFixture()
	f.configure(t)
	// 1% fee makes the batch-level rounding visible: two 99s release 198
	// with fee 1, while per-milestone approval would round both fees to 0.
	if _, err := f.svc.SetFeeBps(context.Background(), "admin-1", 100); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	job := f.createJob(t, "alice", "bob", 99, 99, 500)
	f.fundJob(t, job)
	f.submit(t, job, 0)
	f.submit(t, job, 1)

	released, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, []int{0, 1}, "alice")
	if err != nil {
		t.Fatalf("approve batch: %v", err)
	}
	if released != 198 {
		t.Fatalf("expected gross release 198, got %d", released)
	}
	if got := f.treasury("USD"); got != 1 {
		t.Fatalf("expected treasury 1, got %d", got)
	}
	if got := f.wallet("bob", "USD"); got != 197 {
		t.Fatalf("expected freelancer wallet 197, got %d", got)
	}

	got := f.job(t, job.ID)
	if got.Milestones[0].Status != MilestoneApproved || got.Milestones[1].Status != MilestoneApproved {
		t.Fatalf("expected both milestones approved")
	}
	if got.Status == StatusCompleted {
		t.Fatalf("job must not complete with a milestone outstanding")
	}
}

func TestApproveBatchAtomicity(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)
	f.submit(t, job, 0)

	moved := len(f.led.transfers)

	if _, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, []int{0, 9}, "alice"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
	if _, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, []int{0, 1}, "alice"); !errors.Is(err, ErrMilestoneNotSubmitted) {
		t.Fatalf("expected ErrMilestoneNotSubmitted, got %v", err)
	}

	// One bad index rejects the whole batch: no funds moved, no milestone
	// changed.
	if len(f.led.transfers) != moved {
		t.Fatalf("expected no transfers, got %d new", len(f.led.transfers)-moved)
	}
	got := f.job(t, job.ID)
	if got.Milestones[0].Status != MilestoneSubmitted {
		t.Fatalf("expected milestone 0 untouched, got %s", got.Milestones[0].Status)
	}
	if f.custody(job) != 1500 {
		t.Fatalf("expected custody untouched, got %d", f.custody(job))
	}
}

func TestApproveBatchRejectsDuplicatesAndEmpty(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)
	f.submit(t, job, 0)

	if _, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, nil, "alice"); !errors.Is(err, ErrEmptyMilestones) {
		t.Fatalf("expected ErrEmptyMilestones, got %v", err)
	}

	moved := len(f.led.transfers)
	if _, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, []int{0, 0}, "alice"); err == nil {
		t.Fatalf("expected error for duplicate index")
	}
	if len(f.led.transfers) != moved {
		t.Fatalf("expected no transfers for duplicate index")
	}
}

func TestApproveBatchCompletesJob(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500, 1000)
	f.fundJob(t, job)
	f.submit(t, job, 0)
	f.submit(t, job, 1)

	released, err := f.svc.ApproveMilestonesBatch(context.Background(), job.ID, []int{0, 1}, "alice")
	if err != nil {
		t.Fatalf("approve batch: %v", err)
	}
	if released != 1500 {
		t.Fatalf("expected gross release 1500, got %d", released)
	}
	if f.job(t, job.ID).Status != StatusCompleted {
		t.Fatalf("expected completed job")
	}
	if f.custody(job) != 0 {
		t.Fatalf("expected drained custody, got %d", f.custody(job))
	}
}

func TestIsMilestoneOverdue(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)

	overdue, err := f.svc.IsMilestoneOverdue(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("overdue check: %v", err)
	}
	if overdue {
		t.Fatalf("milestone must not be overdue before its deadline")
	}

	f.now = f.job(t, job.ID).Milestones[0].Deadline.Add(time.Second)
	overdue, err = f.svc.IsMilestoneOverdue(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("overdue check: %v", err)
	}
	if !overdue {
		t.Fatalf("milestone past deadline must be overdue")
	}

	// A missing milestone is simply not overdue; a missing job is an error.
	overdue, err = f.svc.IsMilestoneOverdue(context.Background(), job.ID, 9)
	if err != nil || overdue {
		t.Fatalf("missing milestone: overdue=%v err=%v", overdue, err)
	}
	if _, err := f.svc.IsMilestoneOverdue(context.Background(), "missing", 0); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestExtensionFlow(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	oldDeadline := f.job(t, job.ID).Milestones[0].Deadline
	newDeadline := oldDeadline.Add(7 * 24 * time.Hour)

	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, newDeadline, "bob"); err != nil {
		t.Fatalf("propose extension: %v", err)
	}
	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, newDeadline.Add(time.Hour), "alice"); !errors.Is(err, ErrExtensionPending) {
		t.Fatalf("expected ErrExtensionPending, got %v", err)
	}

	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "bob"); !errors.Is(err, ErrProposerCannotAct) {
		t.Fatalf("expected ErrProposerCannotAct, got %v", err)
	}
	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "carol"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "alice"); err != nil {
		t.Fatalf("confirm extension: %v", err)
	}

	if got := f.job(t, job.ID).Milestones[0].Deadline; !got.Equal(newDeadline) {
		t.Fatalf("expected deadline %v, got %v", newDeadline, got)
	}
	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "alice"); !errors.Is(err, ErrNoExtension) {
		t.Fatalf("expected ErrNoExtension after apply, got %v", err)
	}
}

func TestExtensionValidation(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	current := f.job(t, job.ID).Milestones[0].Deadline

	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, current, "alice"); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline for unchanged deadline, got %v", err)
	}
	if err := f.svc.ProposeExtension(context.Background(), job.ID, 9, current.Add(time.Hour), "alice"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, current.Add(time.Hour), "carol"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestExtensionConfirmTooLate(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	newDeadline := f.job(t, job.ID).Milestones[0].Deadline.Add(time.Hour)
	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, newDeadline, "bob"); err != nil {
		t.Fatalf("propose extension: %v", err)
	}

	f.now = newDeadline.Add(time.Second)
	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "alice"); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline for expired extension, got %v", err)
	}
}

func TestCancelExtension(t *testing.T) {
	f := newFixture()
	f.configure(t)
	job := f.createJob(t, "alice", "bob", 500)
	f.fundJob(t, job)

	newDeadline := f.job(t, job.ID).Milestones[0].Deadline.Add(time.Hour)
	if err := f.svc.ProposeExtension(context.Background(), job.ID, 0, newDeadline, "bob"); err != nil {
		t.Fatalf("propose extension: %v", err)
	}

	// The proposer may withdraw their own request.
	if err := f.svc.CancelExtension(context.Background(), job.ID, "bob"); err != nil {
		t.Fatalf("cancel extension: %v", err)
	}
	if err := f.svc.ConfirmExtension(context.Background(), job.ID, "alice"); !errors.Is(err, ErrNoExtension) {
		t.Fatalf("expected ErrNoExtension after cancel, got %v", err)
	}
}
