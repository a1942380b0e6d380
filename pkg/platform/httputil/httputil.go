package httputil

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	dErrors "biovote/pkg/domain-errors"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error             string `json:"error"`
	ErrorDescription  string `json:"error_description,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its status and writes the envelope.
// Internal errors never expose their message.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = dErrors.New(dErrors.CodeInternal, "internal error")
	}

	status := StatusFor(de.Code)
	resp := ErrorResponse{Error: string(de.Code)}
	if status != http.StatusInternalServerError {
		resp.ErrorDescription = de.Message
	}
	if d := dErrors.DetailOf(err); d != nil {
		resp.RemainingAttempts = d.RemainingAttempts
		if d.RetryAfter > 0 {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			resp.RetryAfterSeconds = &secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	WriteJSON(w, status, resp)
}

// StatusFor returns the HTTP status for a code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeMalformedInput, dErrors.CodeNoSubjectDetected,
		dErrors.CodeAmbiguousSubject, dErrors.CodeInvalidCandidate:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized, dErrors.CodeBiometricMismatch, dErrors.CodeInvalidSignature,
		dErrors.CodeTokenExpired, dErrors.CodeWrongTokenType:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden, dErrors.CodeLockedOut, dErrors.CodeReplaySession:
		return http.StatusForbidden
	case dErrors.CodeNotFound, dErrors.CodeVoterNotFound, dErrors.CodeNoActiveElection:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeAlreadyVoted:
		return http.StatusConflict
	case dErrors.CodeUnavailable, dErrors.CodeLedgerUnavailable, dErrors.CodeModalityUnavailable:
		return http.StatusServiceUnavailable
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
