package arbitration

import (
	"context"
	"fmt"
)

type RaiseDisputeParams struct {
	JobID        string
	ClientID     string
	FreelancerID string
	InitiatorID  string
	Reason       string
	MinVotes     int
	Fee          int64
	PenaltyStake int64
	Asset        string
}

// RaiseDispute opens a dispute over a job and escrows the initiator's fee and
// penalty stake into the dispute's custody account. MinVotes below the floor
// is raised to it. The job itself is flagged separately; the registry does
// not reach into the job ledger until a final resolution.
func (s *Service) RaiseDispute(ctx context.Context, params RaiseDisputeParams) (Dispute, error) {
	if params.JobID == "" {
		return Dispute{}, fmt.Errorf("arbitration: missing job id")
	}
	if params.ClientID == "" || params.FreelancerID == "" {
		return Dispute{}, fmt.Errorf("arbitration: missing client or freelancer id")
	}
	if params.ClientID == params.FreelancerID {
		return Dispute{}, fmt.Errorf("arbitration: client and freelancer must differ")
	}
	if params.InitiatorID != params.ClientID && params.InitiatorID != params.FreelancerID {
		return Dispute{}, ErrNotParty
	}
	if params.Asset == "" {
		return Dispute{}, fmt.Errorf("arbitration: missing asset")
	}
	if params.Fee < 0 || params.PenaltyStake < 0 {
		return Dispute{}, ErrInvalidAmount
	}

	minVotes := params.MinVotes
	if minVotes < MinVoteFloor {
		minVotes = MinVoteFloor
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("arbitration: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d := Dispute{
		ID:           s.idGenerator(),
		JobID:        params.JobID,
		ClientID:     params.ClientID,
		FreelancerID: params.FreelancerID,
		InitiatorID:  params.InitiatorID,
		Reason:       params.Reason,
		Status:       StatusOpen,
		MinVotes:     minVotes,
		Fee:          params.Fee,
		PenaltyStake: params.PenaltyStake,
		Asset:        params.Asset,
		MaxAppeals:   DefaultMaxAppeals,
	}
	if err := s.repo.InsertDispute(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	custody, err := s.custodyAccount(ctx, tx, d.ID, d.Asset)
	if err != nil {
		return Dispute{}, err
	}
	if d.Fee > 0 || d.PenaltyStake > 0 {
		wallet, err := s.walletAccount(ctx, tx, d.InitiatorID, d.Asset)
		if err != nil {
			return Dispute{}, err
		}
		if d.Fee > 0 {
			if err := s.move(ctx, tx, wallet, custody, d.Asset, d.Fee, "dispute fee"); err != nil {
				return Dispute{}, err
			}
		}
		if d.PenaltyStake > 0 {
			if err := s.move(ctx, tx, wallet, custody, d.Asset, d.PenaltyStake, "dispute penalty stake"); err != nil {
				return Dispute{}, err
			}
		}
	}

	if _, err := s.repo.NextSequence(ctx, tx); err != nil {
		return Dispute{}, err
	}
	payload := map[string]any{
		"job_id":        d.JobID,
		"initiator_id":  d.InitiatorID,
		"min_votes":     d.MinVotes,
		"fee":           d.Fee,
		"penalty_stake": d.PenaltyStake,
		"asset":         d.Asset,
	}
	if err := s.repo.AppendTimeline(ctx, tx, d.ID, "DISPUTE_RAISED", d.InitiatorID, payload); err != nil {
		return Dispute{}, err
	}

	raised, err := s.repo.GetDispute(ctx, tx, d.ID)
	if err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("arbitration: commit tx: %w", err)
	}
	return raised, nil
}
