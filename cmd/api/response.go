package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"fairlance/arbitration"
	"fairlance/auth"
	"fairlance/escrow"
	"fairlance/ledger"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: message}})
}

// writeDomainError translates service sentinels into HTTP responses.
// Unrecognized errors are reported as opaque 500s.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	writeError(w, status, code, message)
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, escrow.ErrJobNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, escrow.ErrNoProposal),
		errors.Is(err, escrow.ErrNoExtension),
		errors.Is(err, arbitration.ErrDisputeNotFound),
		errors.Is(err, arbitration.ErrVoteNotFound):
		return http.StatusNotFound, "not_found"

	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"

	case errors.Is(err, escrow.ErrNotClient),
		errors.Is(err, escrow.ErrNotFreelancer),
		errors.Is(err, escrow.ErrNotParty),
		errors.Is(err, escrow.ErrNotAdmin),
		errors.Is(err, escrow.ErrProposerCannotAct),
		errors.Is(err, arbitration.ErrNotParty),
		errors.Is(err, arbitration.ErrInvalidParty),
		errors.Is(err, arbitration.ErrNotAdmin),
		errors.Is(err, arbitration.ErrNotLosingParty),
		errors.Is(err, arbitration.ErrNotEligible):
		return http.StatusForbidden, "forbidden"

	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrMissingFields),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrEmptyMilestones),
		errors.Is(err, escrow.ErrInvalidDeadline),
		errors.Is(err, escrow.ErrFeeTooHigh),
		errors.Is(err, arbitration.ErrInvalidAmount),
		errors.Is(err, arbitration.ErrInvalidThreshold):
		return http.StatusBadRequest, "invalid_input"

	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"

	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "duplicate_email"

	case errors.Is(err, escrow.ErrAlreadyConfigured),
		errors.Is(err, escrow.ErrNotConfigured),
		errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrProposalPending),
		errors.Is(err, escrow.ErrExtensionPending),
		errors.Is(err, escrow.ErrHasPendingMilestone),
		errors.Is(err, escrow.ErrMilestoneNotActive),
		errors.Is(err, escrow.ErrMilestoneNotSubmitted),
		errors.Is(err, escrow.ErrRevisionLocked),
		errors.Is(err, escrow.ErrGracePeriodActive),
		errors.Is(err, escrow.ErrDeadlinePassed),
		errors.Is(err, escrow.ErrNoRefundDue),
		errors.Is(err, arbitration.ErrAlreadyConfigured),
		errors.Is(err, arbitration.ErrNotConfigured),
		errors.Is(err, arbitration.ErrAlreadyVoted),
		errors.Is(err, arbitration.ErrVotingClosed),
		errors.Is(err, arbitration.ErrNotEnoughVotes),
		errors.Is(err, arbitration.ErrAlreadyResolved),
		errors.Is(err, arbitration.ErrNotResolved),
		errors.Is(err, arbitration.ErrCannotAppealBeforeResolution),
		errors.Is(err, arbitration.ErrAppealWindowExpired),
		errors.Is(err, arbitration.ErrMaxAppealsReached),
		errors.Is(err, arbitration.ErrNotWinningVoter),
		errors.Is(err, arbitration.ErrAlreadyClaimed),
		errors.Is(err, arbitration.ErrNoRewardAvailable):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

// decodeJSON reads the request body into v. An empty body is allowed and
// leaves v at its zero value, so action endpoints can take optional bodies.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
