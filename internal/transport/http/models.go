package httptransport

import (
	"time"

	"github.com/google/uuid"

	"biovote/internal/attempt"
	"biovote/internal/vote"
)

type authenticateRequest struct {
	VoterID string `json:"voter_id"`
	Sample  string `json:"sample"`
}

type castRequest struct {
	CandidateID string `json:"candidate_id"`
}

type enrolRequest struct {
	Sample string `json:"sample"`
}

type sessionResponse struct {
	VoterID        string    `json:"voter_id"`
	VoterName      string    `json:"voter_name"`
	ElectionID     uuid.UUID `json:"election_id"`
	ConstituencyID uuid.UUID `json:"constituency_id"`
	SessionID      string    `json:"session_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	ExpiresIn      int       `json:"expires_in"`
}

type candidatesResponse struct {
	ConstituencyID uuid.UUID            `json:"constituency_id"`
	Candidates     []vote.CandidateView `json:"candidates"`
}

type attemptResponse struct {
	ID             uuid.UUID `json:"id"`
	Seq            int64     `json:"seq"`
	VoterID        string    `json:"voter_id"`
	Method         string    `json:"method"`
	Outcome        string    `json:"outcome"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	SourceAddress  string    `json:"source_address,omitempty"`
	SourceDevice   string    `json:"source_device,omitempty"`
	PollingStation string    `json:"polling_station,omitempty"`
	AttemptedAt    time.Time `json:"attempted_at"`
	ChainHash      string    `json:"chain_hash"`
}

func toAttemptResponse(a *attempt.Attempt) attemptResponse {
	return attemptResponse{
		ID:             a.ID,
		Seq:            a.Seq,
		VoterID:        a.ExternalVoterID,
		Method:         a.Method.String(),
		Outcome:        string(a.Outcome),
		FailureReason:  a.FailureReason,
		Score:          a.Score,
		SourceAddress:  a.SourceAddress,
		SourceDevice:   a.SourceDevice,
		PollingStation: a.PollingStation,
		AttemptedAt:    a.AttemptedAt,
		ChainHash:      a.ChainHash,
	}
}

type attemptsResponse struct {
	VoterID  string            `json:"voter_id"`
	Attempts []attemptResponse `json:"attempts"`
}

type chainBreakResponse struct {
	Seq      int64     `json:"seq"`
	ID       uuid.UUID `json:"id"`
	Expected string    `json:"expected"`
	Found    string    `json:"found"`
}

type chainResponse struct {
	Intact  bool                `json:"intact"`
	Checked int64               `json:"checked"`
	Head    string              `json:"head"`
	Break   *chainBreakResponse `json:"break,omitempty"`
}

type enrolResponse struct {
	VoterID    string    `json:"voter_id"`
	Modality   string    `json:"modality"`
	Dims       int       `json:"dims"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

type enrolmentStatusResponse struct {
	VoterID    string               `json:"voter_id"`
	Modalities map[string]time.Time `json:"modalities"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Ledger   string `json:"ledger"`
	Cache    string `json:"cache,omitempty"`
}
