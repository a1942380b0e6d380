package vote

import (
	"context"
	"time"

	"github.com/google/uuid"

	"biovote/internal/voter/models"
)

// Store persists submissions and intents. Submission writes join the
// transaction in ctx; intent writes are made with a context stripped of it so
// they survive a rollback.
type Store interface {
	// InsertSubmission fails with sentinel.ErrConflict when the voter already
	// has a submission for the election or the tx hash is taken.
	InsertSubmission(ctx context.Context, s *Submission) error
	FindSubmissionByTxHash(ctx context.Context, txHash string) (*Submission, error)
	FindSubmissionByVoter(ctx context.Context, voterID, electionID uuid.UUID) (*Submission, error)

	// SaveIntent inserts a pending intent, or revives a failed one with the
	// same session id. Any other existing intent is a sentinel.ErrConflict.
	SaveIntent(ctx context.Context, in *Intent) error
	FindIntent(ctx context.Context, sessionID string) (*Intent, error)
	FindPendingIntent(ctx context.Context, voterID, electionID uuid.UUID) (*Intent, error)
	ListPendingIntents(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
	// MarkIntentCommitted and MarkIntentFailed only move pending intents.
	MarkIntentCommitted(ctx context.Context, sessionID, txHash string, at time.Time) error
	MarkIntentFailed(ctx context.Context, sessionID string, at time.Time) error
}

// VoterStore is the subset of the voter store the service needs.
type VoterStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Voter, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Voter, error)
	MarkVoted(ctx context.Context, id uuid.UUID, votedAt time.Time, txHash string) error
	FindElection(ctx context.Context, id uuid.UUID) (*models.Election, error)
	FindConstituency(ctx context.Context, id uuid.UUID) (*models.Constituency, error)
	FindCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error)
	ListCandidates(ctx context.Context, constituencyID uuid.UUID, activeOnly bool) ([]*models.Candidate, error)
}
