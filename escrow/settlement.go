package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outcome is the four-way verdict a final dispute resolution carries into the
// job ledger.
type Outcome string

const (
	OutcomeClientWins     Outcome = "client_wins"
	OutcomeFreelancerWins Outcome = "freelancer_wins"
	OutcomeRefundBoth     Outcome = "refund_both"
	OutcomeEscalate       Outcome = "escalate"
)

// SettlementResult reports what a settlement moved and where the job landed.
type SettlementResult struct {
	Outcome          Outcome
	Remaining        int64
	ClientAmount     int64
	FreelancerAmount int64
	Status           JobStatus
}

// ApplySettlement routes the unpaid remainder of a job according to a final
// dispute outcome. It runs inside the caller's transaction so a resolution
// and its payout commit together. The remainder is recomputed here from the
// job's own rows rather than trusted from the caller. Jobs already settled or
// never funded reject the call, which keeps a duplicate invocation harmless.
func (s *Service) ApplySettlement(ctx context.Context, tx pgx.Tx, jobID string, outcome Outcome) (SettlementResult, error) {
	switch outcome {
	case OutcomeClientWins, OutcomeFreelancerWins, OutcomeRefundBoth, OutcomeEscalate:
	default:
		return SettlementResult{}, fmt.Errorf("escrow: unknown settlement outcome %q", outcome)
	}

	job, err := s.repo.GetJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return SettlementResult{}, err
	}
	switch job.Status {
	case StatusCreated, StatusCompleted, StatusCancelled:
		return SettlementResult{}, ErrInvalidStatus
	}

	approved, err := s.repo.ApprovedTotal(ctx, tx, job.ID)
	if err != nil {
		return SettlementResult{}, err
	}
	remaining := job.TotalAmount - approved

	res := SettlementResult{Outcome: outcome, Remaining: remaining, Status: job.Status}
	switch outcome {
	case OutcomeClientWins:
		res.ClientAmount = remaining
		res.Status = StatusCancelled
	case OutcomeFreelancerWins:
		res.FreelancerAmount = remaining
		res.Status = StatusCompleted
	case OutcomeRefundBoth:
		// The freelancer's share absorbs the odd unit.
		res.ClientAmount = remaining / 2
		res.FreelancerAmount = remaining - remaining/2
		res.Status = StatusCancelled
	case OutcomeEscalate:
	}

	if remaining > 0 {
		custody, err := s.custodyAccount(ctx, tx, job.ID, job.Asset)
		if err != nil {
			return SettlementResult{}, err
		}
		if res.ClientAmount > 0 {
			wallet, err := s.walletAccount(ctx, tx, job.ClientID, job.Asset)
			if err != nil {
				return SettlementResult{}, err
			}
			if err := s.move(ctx, tx, custody, wallet, job.Asset, res.ClientAmount, "dispute settlement"); err != nil {
				return SettlementResult{}, err
			}
		}
		if res.FreelancerAmount > 0 {
			wallet, err := s.walletAccount(ctx, tx, job.FreelancerID, job.Asset)
			if err != nil {
				return SettlementResult{}, err
			}
			if err := s.move(ctx, tx, custody, wallet, job.Asset, res.FreelancerAmount, "dispute settlement"); err != nil {
				return SettlementResult{}, err
			}
		}
	} else {
		// Nothing left in custody; only the status transition applies.
		res.ClientAmount = 0
		res.FreelancerAmount = 0
	}

	if res.Status != job.Status {
		if err := s.repo.UpdateJobStatus(ctx, tx, job.ID, res.Status); err != nil {
			return SettlementResult{}, err
		}
	}

	payload := map[string]any{
		"outcome":           string(outcome),
		"remaining":         remaining,
		"client_amount":     res.ClientAmount,
		"freelancer_amount": res.FreelancerAmount,
	}
	if err := s.repo.AppendTimeline(ctx, tx, job.ID, "SETTLEMENT_APPLIED", "", payload); err != nil {
		return SettlementResult{}, err
	}
	outPayload := map[string]any{"job_id": job.ID, "outcome": string(outcome), "remaining": remaining}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicSettlementApplied, outPayload); err != nil {
		return SettlementResult{}, err
	}
	return res, nil
}

// Settle runs a settlement in its own transaction. This is the admin's
// override for escalated cases; the outcome routing itself is shared with
// the dispute path.
func (s *Service) Settle(ctx context.Context, jobID string, outcome Outcome, callerID string) (SettlementResult, error) {
	if jobID == "" || callerID == "" {
		return SettlementResult{}, fmt.Errorf("escrow: missing job or caller id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.repo.GetConfig(ctx, tx)
	if err != nil {
		return SettlementResult{}, err
	}
	if cfg.AdminID != callerID {
		return SettlementResult{}, ErrNotAdmin
	}

	res, err := s.ApplySettlement(ctx, tx, jobID, outcome)
	if err != nil {
		return SettlementResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SettlementResult{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return res, nil
}
