package auth

import (
	"github.com/google/uuid"

	"biovote/internal/biometric"
)

// Request is one biometric login attempt at a polling station.
type Request struct {
	VoterExternalID string
	Modality        biometric.Modality
	// Sample is base64 or a data URI.
	Sample string
}

// VoterDisplayInfo is what the kiosk may show once the voter is recognised.
type VoterDisplayInfo struct {
	Name             string    `json:"name"`
	ConstituencyID   uuid.UUID `json:"constituency_id"`
	ConstituencyName string    `json:"constituency_name"`
	SessionID        string    `json:"session_id"`
}

type Result struct {
	SessionToken string           `json:"session_token"`
	ExpiresIn    int              `json:"expires_in"`
	Voter        VoterDisplayInfo `json:"voter"`
}

// failure reasons recorded on the attempt trail
const (
	reasonModalityUnavailable = "modality_unavailable"
	reasonVoterNotFound       = "voter_not_found"
	reasonAlreadyVoted        = "already_voted"
	reasonLockedOut           = "locked_out"
	reasonNotEnrolled         = "not_enrolled"
	reasonMismatch            = "biometric_mismatch"
	reasonNoActiveElection    = "no_active_election"
	reasonInternal            = "internal_error"
)
