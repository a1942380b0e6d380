// Package domainerrors carries typed error codes across service boundaries.
// Services return these; transport maps codes to status codes without
// inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies an error for callers and for transport mapping.
type Code string

// Generic transport-level classes.
const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeInternal     Code = "internal_error"
	CodeUnavailable  Code = "service_unavailable"
	CodeTimeout      Code = "timeout"
	CodeRateLimited  Code = "rate_limited"
)

// Input errors. User-correctable; never counted against the attempt budget.
const (
	CodeMalformedInput    Code = "malformed_input"
	CodeNoSubjectDetected Code = "no_subject_detected"
	CodeAmbiguousSubject  Code = "ambiguous_subject"
)

// Authentication errors.
const (
	CodeBiometricMismatch Code = "biometric_mismatch"
	CodeLockedOut         Code = "locked_out"
	CodeVoterNotFound     Code = "voter_not_found"
	CodeAlreadyVoted      Code = "already_voted"
)

// Token errors. Always fatal to the request.
const (
	CodeInvalidSignature Code = "invalid_signature"
	CodeTokenExpired     Code = "token_expired"
	CodeWrongTokenType   Code = "wrong_token_type"
	CodeReplaySession    Code = "replay_session"
)

// Vote and collaborator errors.
const (
	CodeInvalidCandidate    Code = "invalid_candidate"
	CodeLedgerUnavailable   Code = "ledger_unavailable"
	CodeModalityUnavailable Code = "modality_unavailable"
	CodeNoActiveElection    Code = "no_active_election"
)

// Detail is optional caller-facing context attached to authentication errors.
type Detail struct {
	RemainingAttempts *int
	RetryAfter        time.Duration
}

// Error is a domain error with a stable code.
type Error struct {
	Code    Code
	Message string
	Detail  *Detail
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New builds a domain error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetail returns a copy of e carrying d.
func (e *Error) WithDetail(d Detail) *Error {
	cp := *e
	cp.Detail = &d
	return &cp
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.cause
			continue
		}
		return false
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost domain code, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// DetailOf returns the first detail found in err's chain.
func DetailOf(err error) *Detail {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return nil
		}
		if de.Detail != nil {
			return de.Detail
		}
		err = de.cause
	}
	return nil
}
