package attempt

import (
	"math"
	"time"

	"github.com/google/uuid"

	"biovote/internal/biometric"
)

// Outcome of an authentication attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeLockout Outcome = "lockout"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeLockout:
		return true
	}
	return false
}

// GenesisHash is the prev_hash of the first attempt in the trail.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Attempt is one append-only authentication fact. VoterID is nil when the
// external id did not resolve to a voter.
type Attempt struct {
	ID              uuid.UUID
	Seq             int64
	VoterID         *uuid.UUID
	ExternalVoterID string
	Method          biometric.Modality
	Outcome         Outcome
	FailureReason   string
	Score           *float64
	SourceAddress   string
	SourceDevice    string
	PollingStation  string
	AttemptedAt     time.Time
	PrevHash        string
	ChainHash       string
}

// RoundScore keeps four decimal places, matching the NUMERIC(5,4) column.
func RoundScore(score float64) float64 {
	return math.Round(score*1e4) / 1e4
}

// ChainBreak identifies the first attempt whose hash does not follow from its
// predecessor.
type ChainBreak struct {
	Seq      int64
	ID       uuid.UUID
	Expected string
	Found    string
}

// ChainReport is the outcome of walking the whole trail.
type ChainReport struct {
	Checked int64
	Head    string
	Break   *ChainBreak
}

func (r ChainReport) Intact() bool { return r.Break == nil }
