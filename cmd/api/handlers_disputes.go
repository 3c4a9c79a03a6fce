package main

import (
	"net/http"

	"fairlance/arbitration"
	"fairlance/escrow"
)

type raiseDisputeRequest struct {
	JobID        string `json:"job_id"`
	Reason       string `json:"reason"`
	MinVotes     int    `json:"min_votes"`
	Fee          int64  `json:"fee"`
	PenaltyStake int64  `json:"penalty_stake"`
}

// handleRaiseDispute freezes the job and opens the arbitration case in that
// order. The freeze is skipped when the job is already disputed, so a second
// party can open their own case over the same job. The two writes are
// separate transactions; a registry failure after the freeze leaves the job
// disputed, which an admin settle can unwind.
func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	caller := principalID(r)
	job, err := s.jobService.GetJob(r.Context(), req.JobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if job.Status != escrow.StatusDisputed {
		if err := s.jobService.MarkDisputed(r.Context(), job.ID, caller); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	dispute, err := s.disputeService.RaiseDispute(r.Context(), arbitration.RaiseDisputeParams{
		JobID:        job.ID,
		ClientID:     job.ClientID,
		FreelancerID: job.FreelancerID,
		InitiatorID:  caller,
		Reason:       req.Reason,
		MinVotes:     req.MinVotes,
		Fee:          req.Fee,
		PenaltyStake: req.PenaltyStake,
		Asset:        job.Asset,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(dispute))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.disputeService.GetDispute(r.Context(), r.PathValue("dispute_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(dispute))
}

func (s *Server) handleListJobDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.disputeService.ListDisputesForJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]disputeResponse, len(disputes))
	for i, d := range disputes {
		items[i] = toDisputeResponse(d)
	}
	writeJSON(w, http.StatusOK, disputeListResponse{Items: items})
}

// respondWithDispute re-reads the dispute after a mutation so the caller
// sees the state it produced.
func (s *Server) respondWithDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	dispute, err := s.disputeService.GetDispute(r.Context(), disputeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(dispute))
}

type castVoteRequest struct {
	Choice string `json:"choice"`
	Reason string `json:"reason"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	choice := arbitration.Side(req.Choice)
	if choice != arbitration.SideClient && choice != arbitration.SideFreelancer {
		writeError(w, http.StatusBadRequest, "invalid_input", "choice must be client or freelancer")
		return
	}

	disputeID := r.PathValue("dispute_id")
	if err := s.disputeService.CastVote(r.Context(), disputeID, principalID(r), choice, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithDispute(w, r, disputeID)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.disputeService.ListVotes(r.Context(), r.PathValue("dispute_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, voteListResponse{Items: toVoteResponses(votes)})
}

type resolveDisputeRequest struct {
	Malicious bool `json:"malicious"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	dispute, err := s.disputeService.ResolveDispute(r.Context(), r.PathValue("dispute_id"), req.Malicious)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(dispute))
}

func (s *Server) handleRaiseAppeal(w http.ResponseWriter, r *http.Request) {
	disputeID := r.PathValue("dispute_id")
	if err := s.disputeService.RaiseAppeal(r.Context(), disputeID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithDispute(w, r, disputeID)
}

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	amount, err := s.disputeService.ClaimVoterReward(r.Context(), r.PathValue("dispute_id"), principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewardResponse{Amount: amount})
}

func (s *Server) handleGetReward(w http.ResponseWriter, r *http.Request) {
	amount, err := s.disputeService.GetClaimableReward(r.Context(), r.PathValue("dispute_id"), principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewardResponse{Amount: amount})
}
