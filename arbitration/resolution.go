package arbitration

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fairlance/escrow"
)

// ResolveDispute closes the current voting round once the quorum is met. The
// quorum doubles with every appeal. Ties go to the client. A resolution at
// the appeal limit is final: it fires the settlement sink inside the same
// transaction, so the verdict and the job-ledger movement commit together.
//
// The caller's malicious flag is advisory. The registry recomputes the
// verdict from the vote ratio and the configured threshold, routes funds by
// the computed value only, and records a disagreeing caller flag in the
// timeline event.
//
// Fee and stake move at most once across all rounds. A later round never
// re-moves what an earlier resolution already paid out, even if the verdict
// flips on appeal.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, maliciousFlag bool) (Dispute, error) {
	if disputeID == "" {
		return Dispute{}, fmt.Errorf("arbitration: missing dispute id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusFinal {
		return Dispute{}, ErrAlreadyResolved
	}
	cfg, err := s.repo.GetConfig(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}

	total := d.VotesForClient + d.VotesForFreelancer
	if total < d.RequiredVotes() {
		return Dispute{}, ErrNotEnoughVotes
	}

	winner := winningSide(d)
	winnerID := partyFor(d, winner)
	computed := maliciousPercent(d) > cfg.MaliciousThreshold
	final := d.AppealCount >= d.MaxAppeals

	seq, err := s.repo.NextSequence(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}
	deadline := seq + AppealWindowOps
	now := s.now()

	custody, err := s.custodyAccount(ctx, tx, d.ID, d.Asset)
	if err != nil {
		return Dispute{}, err
	}
	if computed {
		// Bad-faith dispute. Whatever the voters have not already
		// claimed of the fee goes to the wronged party, along with the
		// initiator's stake.
		if !d.FeeRefunded && d.Fee > 0 {
			claimed, err := s.repo.SumClaims(ctx, tx, d.ID)
			if err != nil {
				return Dispute{}, err
			}
			if refund := d.Fee - claimed; refund > 0 {
				wallet, err := s.walletAccount(ctx, tx, winnerID, d.Asset)
				if err != nil {
					return Dispute{}, err
				}
				if err := s.move(ctx, tx, custody, wallet, d.Asset, refund, "dispute fee refund"); err != nil {
					return Dispute{}, err
				}
			}
			d.FeeRefunded = true
		}
		if !d.StakeSettled && d.PenaltyStake > 0 {
			wallet, err := s.walletAccount(ctx, tx, winnerID, d.Asset)
			if err != nil {
				return Dispute{}, err
			}
			if err := s.move(ctx, tx, custody, wallet, d.Asset, d.PenaltyStake, "penalty stake slashed"); err != nil {
				return Dispute{}, err
			}
			d.StakeSettled = true
		}
	} else if !d.StakeSettled && d.PenaltyStake > 0 {
		// Honest dispute: the stake goes home. The fee stays in custody
		// to pay voter rewards.
		wallet, err := s.walletAccount(ctx, tx, d.InitiatorID, d.Asset)
		if err != nil {
			return Dispute{}, err
		}
		if err := s.move(ctx, tx, custody, wallet, d.Asset, d.PenaltyStake, "penalty stake returned"); err != nil {
			return Dispute{}, err
		}
		d.StakeSettled = true
	}

	d.Malicious = computed
	d.ResolutionAt = &now
	d.AppealDeadlineSeq = &deadline
	if final {
		d.Status = StatusFinal
	} else if winner == SideClient {
		d.Status = StatusResolvedClient
	} else {
		d.Status = StatusResolvedFreelancer
	}
	if err := s.repo.RecordResolution(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	if final {
		if err := s.settleJob(ctx, tx, d, winner); err != nil {
			return Dispute{}, err
		}
	}

	payload := map[string]any{
		"status":               d.Status,
		"votes_for_client":     d.VotesForClient,
		"votes_for_freelancer": d.VotesForFreelancer,
		"required":             d.RequiredVotes(),
		"malicious":            computed,
		"final":                final,
	}
	if maliciousFlag != computed {
		payload["caller_malicious_flag"] = maliciousFlag
	}
	if err := s.repo.AppendTimeline(ctx, tx, d.ID, "DISPUTE_RESOLVED", "", payload); err != nil {
		return Dispute{}, err
	}

	topic := TopicDisputeResolved
	if final {
		topic = TopicDisputeFinal
	}
	outPayload := map[string]any{"dispute_id": d.ID, "job_id": d.JobID, "status": d.Status, "malicious": computed}
	if err := s.repo.EnqueueOutbox(ctx, tx, topic, outPayload); err != nil {
		return Dispute{}, err
	}

	resolved, err := s.repo.GetDispute(ctx, tx, d.ID)
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return resolved, nil
}

// settleJob fires the settlement sink for a final verdict. A job that has
// already left the settleable statuses, or was never created on this ledger,
// does not block the verdict; the skip is journaled instead.
func (s *Service) settleJob(ctx context.Context, tx pgx.Tx, d Dispute, winner Side) error {
	if s.sink == nil {
		return ErrNoSink
	}
	outcome := escrow.OutcomeFreelancerWins
	if winner == SideClient {
		outcome = escrow.OutcomeClientWins
	}
	_, err := s.sink.ApplySettlement(ctx, tx, d.JobID, outcome)
	if err == nil {
		return nil
	}
	if errors.Is(err, escrow.ErrInvalidStatus) || errors.Is(err, escrow.ErrJobNotFound) {
		payload := map[string]any{"job_id": d.JobID, "outcome": outcome, "reason": err.Error()}
		return s.repo.AppendTimeline(ctx, tx, d.ID, "SETTLEMENT_SKIPPED", "", payload)
	}
	return err
}
