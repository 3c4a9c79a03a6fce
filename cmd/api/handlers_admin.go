package main

import (
	"net/http"

	"fairlance/escrow"
)

// The /admin routes sit behind the admin role gate. The services check the
// acting principal against their own configured admin on top of that.

type initEscrowConfigRequest struct {
	FeeBps      int    `json:"fee_bps"`
	TreasuryRef string `json:"treasury_ref"`
}

func (s *Server) handleInitEscrowConfig(w http.ResponseWriter, r *http.Request) {
	var req initEscrowConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.jobService.InitializeConfig(r.Context(), principalID(r), req.FeeBps, req.TreasuryRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowConfigResponse(cfg))
}

func (s *Server) handleGetEscrowConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.jobService.PlatformConfig(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowConfigResponse(cfg))
}

type setFeeRequest struct {
	FeeBps int `json:"fee_bps"`
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req setFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.jobService.SetFeeBps(r.Context(), principalID(r), req.FeeBps)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowConfigResponse(cfg))
}

type setTreasuryRequest struct {
	TreasuryRef string `json:"treasury_ref"`
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	var req setTreasuryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.jobService.SetTreasury(r.Context(), principalID(r), req.TreasuryRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowConfigResponse(cfg))
}

type setAdminRequest struct {
	AdminID string `json:"admin_id"`
}

func (s *Server) handleSetEscrowAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.jobService.SetAdmin(r.Context(), principalID(r), req.AdminID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowConfigResponse(cfg))
}

type initRegistryConfigRequest struct {
	MaliciousThreshold int `json:"malicious_threshold"`
}

func (s *Server) handleInitRegistryConfig(w http.ResponseWriter, r *http.Request) {
	var req initRegistryConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.disputeService.InitializeConfig(r.Context(), principalID(r), req.MaliciousThreshold)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegistryConfigResponse(cfg))
}

func (s *Server) handleGetRegistryConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.disputeService.RegistryConfig(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistryConfigResponse(cfg))
}

type setThresholdRequest struct {
	MaliciousThreshold int `json:"malicious_threshold"`
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req setThresholdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.disputeService.SetMaliciousThreshold(r.Context(), principalID(r), req.MaliciousThreshold)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistryConfigResponse(cfg))
}

func (s *Server) handleSetRegistryAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	cfg, err := s.disputeService.SetAdmin(r.Context(), principalID(r), req.AdminID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistryConfigResponse(cfg))
}

type depositRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// handleAdminDeposit credits a user wallet from outside the ledger. This is
// the only entry point that introduces value; everything else conserves it.
func (s *Server) handleAdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	accountID, err := s.walletService.Deposit(r.Context(), req.UserID, req.Asset, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, depositResponse{
		AccountID: accountID,
		Asset:     req.Asset,
		Amount:    req.Amount,
	})
}

type settleRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleAdminSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "malformed json body")
		return
	}

	outcome := escrow.Outcome(req.Outcome)
	switch outcome {
	case escrow.OutcomeClientWins, escrow.OutcomeFreelancerWins, escrow.OutcomeRefundBoth, escrow.OutcomeEscalate:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown settlement outcome")
		return
	}

	result, err := s.jobService.Settle(r.Context(), r.PathValue("job_id"), outcome, principalID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementResponse(result))
}
