package vote

import (
	"time"

	"github.com/google/uuid"

	"biovote/internal/ledger"
)

// DefaultReplayMargin is added to a token's remaining lifetime when its
// session id is marked consumed.
const DefaultReplayMargin = 10 * time.Minute

// Submission is the local record of a vote accepted by the ledger. One per
// (voter, election); immutable once written.
type Submission struct {
	ID          uuid.UUID
	VoterID     uuid.UUID
	ElectionID  uuid.UUID
	SessionID   string
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	SubmittedAt time.Time
}

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentCommitted IntentStatus = "committed"
	IntentFailed    IntentStatus = "failed"
)

// Intent is written before the ledger call and outlives the cast
// transaction, so a crash between ledger acceptance and local persistence
// leaves a pending row to reconcile.
type Intent struct {
	SessionID   string
	VoterID     uuid.UUID
	ElectionID  uuid.UUID
	CandidateID uuid.UUID
	Commitment  string
	Status      IntentStatus
	TxHash      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Receipt is what a voter gets back for a committed vote.
type Receipt struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	GasUsed     uint64    `json:"gas_used"`
	Timestamp   time.Time `json:"timestamp"`
	Reconciled  bool      `json:"reconciled,omitempty"`
}

// Verification is the public view of a receipt lookup. It never names the
// voter.
type Verification struct {
	TxHash        string                    `json:"tx_hash"`
	ElectionID    uuid.UUID                 `json:"election_id"`
	BlockNumber   uint64                    `json:"block_number"`
	SubmittedAt   time.Time                 `json:"submitted_at"`
	Status        ledger.ConfirmationStatus `json:"status"`
	Confirmations uint64                    `json:"confirmations"`
}

// CandidateView is a candidate as listed to voters.
type CandidateView struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Party string    `json:"party"`
}

// ReconcileReport summarises one ReconcilePending pass.
type ReconcileReport struct {
	Examined  int
	Committed int
	Failed    int
	Pending   int
}
