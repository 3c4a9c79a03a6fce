// Package actors holds the concurrent workloads for the stress run. Each
// actor loops real service calls until stopped. Domain errors that contention
// legitimately produces are swallowed per call site; connection-level noise
// from the chaos actor is swallowed everywhere; anything else aborts the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fairlance/arbitration"
	"fairlance/escrow"
	"fairlance/ledger"
)

const asset = "USD"

// tolerable reports whether err is one of the allowed domain sentinels or
// connection-level fallout from the chaos actor. Constraint and syntax
// failures stay fatal.
func tolerable(err error, allowed ...error) bool {
	if err == nil {
		return true
	}
	for _, a := range allowed {
		if errors.Is(err, a) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08xxx connection exceptions, 57xxx operator intervention
		// (pg_terminate_backend), plus the two retry-me codes.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"conn closed", "connection reset", "broken pipe", "unexpected EOF", "closed pool"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Depositor keeps the party wallets liquid. It is the only source of new
// value in the run; every other actor just moves it around.
func Depositor(ctx context.Context, led *ledger.Service, userIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		user := userIDs[rand.Intn(len(userIDs))]
		if _, err := led.Deposit(ctx, user, asset, int64(2000+rand.Intn(4000))); err != nil && !tolerable(err) {
			return fmt.Errorf("depositor: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(40)) * time.Millisecond)
	}
}

// JobRunner drives jobs through the happy path end to end: create, fund,
// submit, approve. Funded job IDs are offered to the disputants; when one of
// them freezes a job mid-flight the runner abandons it and starts the next.
func JobRunner(ctx context.Context, esc *escrow.Service, clientID, freelancerID string, disputes chan<- string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n := 1 + rand.Intn(3)
		ms := make([]escrow.MilestoneInput, n)
		for i := range ms {
			ms[i] = escrow.MilestoneInput{
				Description: fmt.Sprintf("deliverable %d", i+1),
				Amount:      int64(100 + rand.Intn(300)),
				Deadline:    time.Now().Add(time.Hour),
			}
		}
		job, err := esc.CreateJob(ctx, escrow.CreateJobParams{
			ClientID:     clientID,
			FreelancerID: freelancerID,
			Asset:        asset,
			Milestones:   ms,
			JobDeadline:  time.Now().Add(2 * time.Hour),
			GraceSeconds: 3600,
		})
		if err != nil {
			if tolerable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("job runner: create: %w", err)
		}
		if err := esc.FundJob(ctx, job.ID, clientID); err != nil {
			// Insufficient funds just means the depositor is behind.
			if tolerable(err, ledger.ErrInsufficientFunds) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("job runner: fund %s: %w", job.ID, err)
		}
		select {
		case disputes <- job.ID:
		default:
		}
		if err := workMilestones(ctx, esc, job.ID, clientID, freelancerID, n); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// workMilestones submits and approves every milestone, one by one or as a
// single batch. A job frozen or settled under us is abandoned silently.
func workMilestones(ctx context.Context, esc *escrow.Service, jobID, clientID, freelancerID string, n int) error {
	abandon := []error{escrow.ErrInvalidStatus, escrow.ErrMilestoneNotActive, escrow.ErrMilestoneNotSubmitted, escrow.ErrMilestoneNotFound}

	if n > 1 && rand.Intn(4) == 0 {
		indices := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if err := esc.SubmitMilestone(ctx, jobID, i, freelancerID); err != nil {
				if tolerable(err, abandon...) {
					return nil
				}
				return fmt.Errorf("job runner: submit %s/%d: %w", jobID, i, err)
			}
			indices = append(indices, i)
		}
		if _, err := esc.ApproveMilestonesBatch(ctx, jobID, indices, clientID); err != nil && !tolerable(err, abandon...) {
			return fmt.Errorf("job runner: approve batch %s: %w", jobID, err)
		}
		return nil
	}

	for i := 0; i < n; i++ {
		if err := esc.SubmitMilestone(ctx, jobID, i, freelancerID); err != nil {
			if tolerable(err, abandon...) {
				return nil
			}
			return fmt.Errorf("job runner: submit %s/%d: %w", jobID, i, err)
		}
		if _, err := esc.ApproveMilestone(ctx, jobID, i, clientID); err != nil {
			if tolerable(err, abandon...) {
				return nil
			}
			return fmt.Errorf("job runner: approve %s/%d: %w", jobID, i, err)
		}
	}
	return nil
}

// Reviser ping-pongs revision proposals and deadline extensions over one
// long-lived funded job that never progresses, keeping the custody delta and
// the two-step extension under load the whole run.
func Reviser(ctx context.Context, esc *escrow.Service, jobID, clientID, freelancerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		proposer, decider := clientID, freelancerID
		if rand.Intn(2) == 0 {
			proposer, decider = freelancerID, clientID
		}
		n := 1 + rand.Intn(3)
		ms := make([]escrow.MilestoneInput, n)
		for i := range ms {
			ms[i] = escrow.MilestoneInput{
				Description: fmt.Sprintf("revised scope %d", i+1),
				Amount:      int64(100 + rand.Intn(300)),
				Deadline:    time.Now().Add(time.Hour),
			}
		}
		if _, err := esc.ProposeRevision(ctx, jobID, ms, proposer); err != nil && !tolerable(err, escrow.ErrProposalPending, escrow.ErrRevisionLocked, escrow.ErrInvalidStatus) {
			return fmt.Errorf("reviser: propose %s: %w", jobID, err)
		}
		decisions := []error{escrow.ErrNoProposal, escrow.ErrProposerCannotAct, escrow.ErrRevisionLocked, escrow.ErrInvalidStatus, ledger.ErrInsufficientFunds}
		if rand.Intn(3) == 0 {
			if err := esc.RejectRevision(ctx, jobID, decider); err != nil && !tolerable(err, decisions...) {
				return fmt.Errorf("reviser: reject %s: %w", jobID, err)
			}
		} else {
			if err := esc.AcceptRevision(ctx, jobID, decider); err != nil && !tolerable(err, decisions...) {
				return fmt.Errorf("reviser: accept %s: %w", jobID, err)
			}
		}

		newDeadline := time.Now().Add(time.Hour + time.Duration(rand.Intn(3600))*time.Second)
		if err := esc.ProposeExtension(ctx, jobID, 0, newDeadline, freelancerID); err != nil && !tolerable(err, escrow.ErrExtensionPending, escrow.ErrInvalidDeadline, escrow.ErrMilestoneNotFound) {
			return fmt.Errorf("reviser: propose extension %s: %w", jobID, err)
		}
		extErrs := []error{escrow.ErrNoExtension, escrow.ErrProposerCannotAct, escrow.ErrInvalidDeadline, escrow.ErrMilestoneNotFound}
		if rand.Intn(2) == 0 {
			if err := esc.ConfirmExtension(ctx, jobID, clientID); err != nil && !tolerable(err, extErrs...) {
				return fmt.Errorf("reviser: confirm extension %s: %w", jobID, err)
			}
		} else {
			if err := esc.CancelExtension(ctx, jobID, clientID); err != nil && !tolerable(err, extErrs...) {
				return fmt.Errorf("reviser: cancel extension %s: %w", jobID, err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputant freezes funded jobs and arbitrates them: raise, vote to quorum,
// resolve, sometimes appeal and go again, then drain the voter rewards.
func Disputant(ctx context.Context, esc *escrow.Service, reg *arbitration.Service, jobs <-chan string, clientID, freelancerID string, arbiters []string, stop <-chan struct{}) error {
	for {
		var jobID string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case jobID = <-jobs:
		}
		initiator := clientID
		if rand.Intn(2) == 0 {
			initiator = freelancerID
		}
		if err := esc.MarkDisputed(ctx, jobID, initiator); err != nil {
			// The runner may have completed the job already.
			if tolerable(err, escrow.ErrInvalidStatus) {
				continue
			}
			return fmt.Errorf("disputant: freeze %s: %w", jobID, err)
		}
		d, err := reg.RaiseDispute(ctx, arbitration.RaiseDisputeParams{
			JobID:        jobID,
			ClientID:     clientID,
			FreelancerID: freelancerID,
			InitiatorID:  initiator,
			Reason:       "deliverable rejected",
			MinVotes:     3,
			Fee:          90,
			PenaltyStake: 40,
			Asset:        asset,
		})
		if err != nil {
			if tolerable(err, ledger.ErrInsufficientFunds) {
				continue
			}
			return fmt.Errorf("disputant: raise for %s: %w", jobID, err)
		}
		if err := castRound(ctx, reg, d.ID, arbiters); err != nil {
			return err
		}
		resolved, err := reg.ResolveDispute(ctx, d.ID, rand.Intn(8) == 0)
		if err != nil {
			if tolerable(err, arbitration.ErrNotEnoughVotes, arbitration.ErrAlreadyResolved) {
				continue
			}
			return fmt.Errorf("disputant: resolve %s: %w", d.ID, err)
		}
		if resolved.Status != arbitration.StatusFinal && rand.Intn(3) == 0 {
			loser := freelancerID
			if resolved.Status == arbitration.StatusResolvedFreelancer {
				loser = clientID
			}
			err := reg.RaiseAppeal(ctx, d.ID, loser)
			switch {
			case err == nil:
				if err := castRound(ctx, reg, d.ID, arbiters); err != nil {
					return err
				}
				if _, err := reg.ResolveDispute(ctx, d.ID, false); err != nil && !tolerable(err, arbitration.ErrNotEnoughVotes, arbitration.ErrAlreadyResolved) {
					return fmt.Errorf("disputant: resolve appeal %s: %w", d.ID, err)
				}
			case tolerable(err, arbitration.ErrAppealWindowExpired, arbitration.ErrMaxAppealsReached, arbitration.ErrCannotAppealBeforeResolution, arbitration.ErrNotLosingParty, arbitration.ErrAlreadyResolved):
			default:
				return fmt.Errorf("disputant: appeal %s: %w", d.ID, err)
			}
		}
		for _, arb := range arbiters {
			if _, err := reg.ClaimVoterReward(ctx, d.ID, arb); err != nil && !tolerable(err, arbitration.ErrNotWinningVoter, arbitration.ErrAlreadyClaimed, arbitration.ErrNoRewardAvailable, arbitration.ErrNotResolved) {
				return fmt.Errorf("disputant: claim %s: %w", d.ID, err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

// castRound has every arbiter vote once with a random choice.
func castRound(ctx context.Context, reg *arbitration.Service, disputeID string, arbiters []string) error {
	for _, arb := range arbiters {
		choice := arbitration.SideClient
		if rand.Intn(2) == 0 {
			choice = arbitration.SideFreelancer
		}
		if err := reg.CastVote(ctx, disputeID, arb, choice, "reviewed the work"); err != nil && !tolerable(err, arbitration.ErrAlreadyVoted, arbitration.ErrVotingClosed) {
			return fmt.Errorf("disputant: vote %s: %w", disputeID, err)
		}
	}
	return nil
}

// Refunder exercises the abandonment path: jobs whose deadline expires almost
// immediately, then the refund claim once the grace period lapses, plus the
// occasional straight cancellation.
func Refunder(ctx context.Context, esc *escrow.Service, clientID, freelancerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		job, err := esc.CreateJob(ctx, escrow.CreateJobParams{
			ClientID:     clientID,
			FreelancerID: freelancerID,
			Asset:        asset,
			Milestones: []escrow.MilestoneInput{
				{Description: "rush work", Amount: 150, Deadline: time.Now().Add(2 * time.Second)},
			},
			JobDeadline:  time.Now().Add(2 * time.Second),
			GraceSeconds: 1,
		})
		if err != nil {
			if tolerable(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("refunder: create: %w", err)
		}
		if rand.Intn(4) == 0 {
			if err := esc.CancelJob(ctx, job.ID, clientID); err != nil && !tolerable(err, escrow.ErrInvalidStatus) {
				return fmt.Errorf("refunder: cancel %s: %w", job.ID, err)
			}
			continue
		}
		if err := esc.FundJob(ctx, job.ID, clientID); err != nil {
			if tolerable(err, ledger.ErrInsufficientFunds) {
				continue
			}
			return fmt.Errorf("refunder: fund %s: %w", job.ID, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-time.After(4 * time.Second):
		}
		for attempt := 0; attempt < 3; attempt++ {
			err := esc.ClaimRefund(ctx, job.ID, clientID)
			if err == nil || tolerable(err, escrow.ErrInvalidStatus, escrow.ErrNoRefundDue) {
				break
			}
			if errors.Is(err, escrow.ErrGracePeriodActive) {
				time.Sleep(time.Second)
				continue
			}
			return fmt.Errorf("refunder: claim %s: %w", job.ID, err)
		}
	}
}

// OutboxRelay plays the publisher: it claims pending rows with SKIP LOCKED
// and stamps them published, so the staleness oracle has a consumer to watch.
func OutboxRelay(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("outbox relay: begin: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 25`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 25)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
