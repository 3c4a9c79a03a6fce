package main

import (
	"time"

	"fairlance/arbitration"
	"fairlance/auth"
	"fairlance/escrow"
	"fairlance/ledger"
)

// Domain structs deliberately carry no JSON annotations, so the API layer
// owns its wire shapes. Timestamps render as RFC 3339 in UTC.

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	CreatedAt   string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type walletResponse struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
	Balance   int64  `json:"balance"`
}

func toWalletResponse(a ledger.Account) walletResponse {
	return walletResponse{AccountID: a.ID, Asset: a.Asset, Balance: a.Balance}
}

type milestoneResponse struct {
	Idx         int    `json:"idx"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
	Deadline    string `json:"deadline"`
}

type jobResponse struct {
	ID           string              `json:"id"`
	ClientID     string              `json:"client_id"`
	FreelancerID string              `json:"freelancer_id"`
	Asset        string              `json:"asset"`
	TotalAmount  int64               `json:"total_amount"`
	Status       string              `json:"status"`
	JobDeadline  string              `json:"job_deadline"`
	GraceSeconds int64               `json:"grace_seconds"`
	CreatedAt    string              `json:"created_at"`
	UpdatedAt    string              `json:"updated_at"`
	Milestones   []milestoneResponse `json:"milestones"`
}

func toJobResponse(j escrow.Job) jobResponse {
	milestones := make([]milestoneResponse, len(j.Milestones))
	for i, m := range j.Milestones {
		milestones[i] = milestoneResponse{
			Idx:         m.Idx,
			Description: m.Description,
			Amount:      m.Amount,
			Status:      string(m.Status),
			Deadline:    formatTime(m.Deadline),
		}
	}
	return jobResponse{
		ID:           j.ID,
		ClientID:     j.ClientID,
		FreelancerID: j.FreelancerID,
		Asset:        j.Asset,
		TotalAmount:  j.TotalAmount,
		Status:       string(j.Status),
		JobDeadline:  formatTime(j.JobDeadline),
		GraceSeconds: j.GraceSeconds,
		CreatedAt:    formatTime(j.CreatedAt),
		UpdatedAt:    formatTime(j.UpdatedAt),
		Milestones:   milestones,
	}
}

type jobListResponse struct {
	Items []jobResponse `json:"items"`
	Total int           `json:"total"`
}

type revisionResponse struct {
	ID            string                  `json:"id"`
	JobID         string                  `json:"job_id"`
	ProposerID    string                  `json:"proposer_id"`
	NewTotal      int64                   `json:"new_total"`
	NewMilestones []escrow.MilestoneInput `json:"new_milestones"`
	Status        string                  `json:"status"`
	CreatedAt     string                  `json:"created_at"`
	ResolvedAt    *string                 `json:"resolved_at,omitempty"`
}

func toRevisionResponse(p escrow.RevisionProposal) revisionResponse {
	return revisionResponse{
		ID:            p.ID,
		JobID:         p.JobID,
		ProposerID:    p.ProposerID,
		NewTotal:      p.NewTotal,
		NewMilestones: p.NewMilestones,
		Status:        string(p.Status),
		CreatedAt:     formatTime(p.CreatedAt),
		ResolvedAt:    formatTimePtr(p.ResolvedAt),
	}
}

type disputeResponse struct {
	ID                 string  `json:"id"`
	JobID              string  `json:"job_id"`
	ClientID           string  `json:"client_id"`
	FreelancerID       string  `json:"freelancer_id"`
	InitiatorID        string  `json:"initiator_id"`
	Reason             string  `json:"reason"`
	Status             string  `json:"status"`
	VotesForClient     int     `json:"votes_for_client"`
	VotesForFreelancer int     `json:"votes_for_freelancer"`
	MinVotes           int     `json:"min_votes"`
	RequiredVotes      int     `json:"required_votes"`
	Fee                int64   `json:"fee"`
	PenaltyStake       int64   `json:"penalty_stake"`
	Asset              string  `json:"asset"`
	AppealCount        int     `json:"appeal_count"`
	MaxAppeals         int     `json:"max_appeals"`
	AppealDeadlineSeq  *int64  `json:"appeal_deadline_seq,omitempty"`
	ResolutionAt       *string `json:"resolution_at,omitempty"`
	Malicious          bool    `json:"malicious"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toDisputeResponse(d arbitration.Dispute) disputeResponse {
	return disputeResponse{
		ID:                 d.ID,
		JobID:              d.JobID,
		ClientID:           d.ClientID,
		FreelancerID:       d.FreelancerID,
		InitiatorID:        d.InitiatorID,
		Reason:             d.Reason,
		Status:             string(d.Status),
		VotesForClient:     d.VotesForClient,
		VotesForFreelancer: d.VotesForFreelancer,
		MinVotes:           d.MinVotes,
		RequiredVotes:      d.RequiredVotes(),
		Fee:                d.Fee,
		PenaltyStake:       d.PenaltyStake,
		Asset:              d.Asset,
		AppealCount:        d.AppealCount,
		MaxAppeals:         d.MaxAppeals,
		AppealDeadlineSeq:  d.AppealDeadlineSeq,
		ResolutionAt:       formatTimePtr(d.ResolutionAt),
		Malicious:          d.Malicious,
		CreatedAt:          formatTime(d.CreatedAt),
		UpdatedAt:          formatTime(d.UpdatedAt),
	}
}

type disputeListResponse struct {
	Items []disputeResponse `json:"items"`
}

type voteResponse struct {
	DisputeID string `json:"dispute_id"`
	VoterID   string `json:"voter_id"`
	Choice    string `json:"choice"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

type voteListResponse struct {
	Items []voteResponse `json:"items"`
}

func toVoteResponses(votes []arbitration.Vote) []voteResponse {
	out := make([]voteResponse, len(votes))
	for i, v := range votes {
		out[i] = voteResponse{
			DisputeID: v.DisputeID,
			VoterID:   v.VoterID,
			Choice:    string(v.Choice),
			Reason:    v.Reason,
			CreatedAt: formatTime(v.CreatedAt),
		}
	}
	return out
}

type rewardResponse struct {
	Amount int64 `json:"amount"`
}

type approveResponse struct {
	Released int64       `json:"released"`
	Job      jobResponse `json:"job"`
}

type overdueResponse struct {
	Idx     int  `json:"idx"`
	Overdue bool `json:"overdue"`
}

type depositResponse struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
}

type settlementResponse struct {
	Outcome          string `json:"outcome"`
	Remaining        int64  `json:"remaining"`
	ClientAmount     int64  `json:"client_amount"`
	FreelancerAmount int64  `json:"freelancer_amount"`
	Status           string `json:"status"`
}

func toSettlementResponse(res escrow.SettlementResult) settlementResponse {
	return settlementResponse{
		Outcome:          string(res.Outcome),
		Remaining:        res.Remaining,
		ClientAmount:     res.ClientAmount,
		FreelancerAmount: res.FreelancerAmount,
		Status:           string(res.Status),
	}
}

type escrowConfigResponse struct {
	AdminID     string `json:"admin_id"`
	FeeBps      int    `json:"fee_bps"`
	TreasuryRef string `json:"treasury_ref"`
	UpdatedAt   string `json:"updated_at"`
}

func toEscrowConfigResponse(cfg escrow.Config) escrowConfigResponse {
	return escrowConfigResponse{
		AdminID:     cfg.AdminID,
		FeeBps:      cfg.FeeBps,
		TreasuryRef: cfg.TreasuryRef,
		UpdatedAt:   formatTime(cfg.UpdatedAt),
	}
}

type registryConfigResponse struct {
	AdminID            string `json:"admin_id"`
	MaliciousThreshold int    `json:"malicious_threshold"`
	UpdatedAt          string `json:"updated_at"`
}

func toRegistryConfigResponse(cfg arbitration.Config) registryConfigResponse {
	return registryConfigResponse{
		AdminID:            cfg.AdminID,
		MaliciousThreshold: cfg.MaliciousThreshold,
		UpdatedAt:          formatTime(cfg.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
