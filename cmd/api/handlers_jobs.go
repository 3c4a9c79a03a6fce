package main

import (
	"net/http"
	"strconv"
	"time"

	"fairlance/escrow"
)

type createJobRequest struct {
	FreelancerID string                  `json:"freelancer_id"`
	Asset        string                  `json:"asset"`
	Milestones   []escrow.MilestoneInput `json:"milestones"`
	JobDeadline  time.Time               `json:"job_deadline"`
	GraceSeconds int64                   `json:"grace_seconds"`
}

// handleCreateJob opens a job with the caller as client. The client id is
// always the authenticated principal, never taken from the body.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	job, err := s.jobService.CreateJob(r.Context(), escrow.CreateJobParams{
		ClientID:     principalID(r),
		FreelancerID: req.FreelancerID,
		Asset:        req.Asset,
		Milestones:   req.Milestones,
		JobDeadline:  req.JobDeadline,
		GraceSeconds: req.GraceSeconds,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	list, err := s.jobService.ListJobsForUser(r.Context(), principalID(r), page, pageSize)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]jobResponse, len(list.Items))
	for i, j := range list.Items {
		items[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, jobListResponse{Items: items, Total: list.Total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobService.GetJob(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// respondWithJob re-reads the job after a mutation so the caller sees the
// state it produced.
func (s *Server) respondWithJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleFundJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.FundJob(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.CancelJob(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.ClaimRefund(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleMarkDisputed(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.MarkDisputed(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func milestoneIdx(r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	idx, ok := milestoneIdx(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "milestone index must be an integer")
		return
	}

	jobID := r.PathValue("job_id")
	if err := s.jobService.SubmitMilestone(r.Context(), jobID, idx, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	idx, ok := milestoneIdx(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "milestone index must be an integer")
		return
	}

	jobID := r.PathValue("job_id")
	released, err := s.jobService.ApproveMilestone(r.Context(), jobID, idx, principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := s.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Released: released, Job: toJobResponse(job)})
}

type approveBatchRequest struct {
	Indices []int `json:"indices"`
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	var req approveBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	jobID := r.PathValue("job_id")
	released, err := s.jobService.ApproveMilestonesBatch(r.Context(), jobID, req.Indices, principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := s.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Released: released, Job: toJobResponse(job)})
}

func (s *Server) handleMilestoneOverdue(w http.ResponseWriter, r *http.Request) {
	idx, ok := milestoneIdx(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "milestone index must be an integer")
		return
	}

	overdue, err := s.jobService.IsMilestoneOverdue(r.Context(), r.PathValue("job_id"), idx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overdueResponse{Idx: idx, Overdue: overdue})
}

type proposeExtensionRequest struct {
	NewDeadline time.Time `json:"new_deadline"`
}

func (s *Server) handleProposeExtension(w http.ResponseWriter, r *http.Request) {
	idx, ok := milestoneIdx(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "milestone index must be an integer")
		return
	}

	var req proposeExtensionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	jobID := r.PathValue("job_id")
	if err := s.jobService.ProposeExtension(r.Context(), jobID, idx, req.NewDeadline, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleConfirmExtension(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.ConfirmExtension(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleCancelExtension(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.CancelExtension(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

type proposeRevisionRequest struct {
	Milestones []escrow.MilestoneInput `json:"milestones"`
}

func (s *Server) handleProposeRevision(w http.ResponseWriter, r *http.Request) {
	var req proposeRevisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	proposal, err := s.jobService.ProposeRevision(r.Context(), r.PathValue("job_id"), req.Milestones, principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRevisionResponse(proposal))
}

func (s *Server) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.jobService.GetRevisionProposal(r.Context(), r.PathValue("job_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevisionResponse(proposal))
}

func (s *Server) handleAcceptRevision(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.AcceptRevision(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}

func (s *Server) handleRejectRevision(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := s.jobService.RejectRevision(r.Context(), jobID, principalID(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	s.respondWithJob(w, r, jobID)
}
