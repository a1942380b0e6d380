package vote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"biovote/internal/platform/postgres"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
)

const submissionColumns = `id, voter_id, election_id, session_id, tx_hash, block_number, gas_used, submitted_at`

const intentColumns = `session_id, voter_id, election_id, candidate_id, commitment, status, tx_hash, created_at, updated_at`

// PostgresStore keeps submissions in vote_submissions (append-only, enforced
// by trigger) and intents in vote_intents.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub *Submission) error {
	query := `INSERT INTO vote_submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query,
		sub.ID, sub.VoterID, sub.ElectionID, sub.SessionID, sub.TxHash,
		int64(sub.BlockNumber), int64(sub.GasUsed), sub.SubmittedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert submission: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindSubmissionByTxHash(ctx context.Context, txHash string) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM vote_submissions WHERE tx_hash = $1`
	sub, err := scanSubmission(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, txHash))
	if err != nil {
		return nil, notFound(err, "find submission by tx hash")
	}
	return sub, nil
}

func (s *PostgresStore) FindSubmissionByVoter(ctx context.Context, voterID, electionID uuid.UUID) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM vote_submissions WHERE voter_id = $1 AND election_id = $2`
	sub, err := scanSubmission(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, voterID, electionID))
	if err != nil {
		return nil, notFound(err, "find submission by voter")
	}
	return sub, nil
}

func (s *PostgresStore) SaveIntent(ctx context.Context, in *Intent) error {
	query := `
		INSERT INTO vote_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, 'pending', NULL, $6, $6)
		ON CONFLICT (session_id) DO UPDATE
		SET voter_id = EXCLUDED.voter_id,
		    election_id = EXCLUDED.election_id,
		    candidate_id = EXCLUDED.candidate_id,
		    commitment = EXCLUDED.commitment,
		    status = 'pending',
		    tx_hash = NULL,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE vote_intents.status = 'failed'
	`
	res, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query,
		in.SessionID, in.VoterID, in.ElectionID, in.CandidateID, in.Commitment, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save intent rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save intent: %w", sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FindIntent(ctx context.Context, sessionID string) (*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM vote_intents WHERE session_id = $1`
	in, err := scanIntent(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, sessionID))
	if err != nil {
		return nil, notFound(err, "find intent")
	}
	return in, nil
}

func (s *PostgresStore) FindPendingIntent(ctx context.Context, voterID, electionID uuid.UUID) (*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM vote_intents
		WHERE voter_id = $1 AND election_id = $2 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`
	in, err := scanIntent(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, voterID, electionID))
	if err != nil {
		return nil, notFound(err, "find pending intent")
	}
	return in, nil
}

func (s *PostgresStore) ListPendingIntents(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM vote_intents
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	rows, err := txcontext.ExecerFrom(ctx, s.db).QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending intents: %w", err)
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending intents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkIntentCommitted(ctx context.Context, sessionID, txHash string, at time.Time) error {
	return s.transition(ctx, sessionID, IntentCommitted, sql.NullString{String: txHash, Valid: txHash != ""}, at)
}

func (s *PostgresStore) MarkIntentFailed(ctx context.Context, sessionID string, at time.Time) error {
	return s.transition(ctx, sessionID, IntentFailed, sql.NullString{}, at)
}

func (s *PostgresStore) transition(ctx context.Context, sessionID string, to IntentStatus, txHash sql.NullString, at time.Time) error {
	query := `UPDATE vote_intents SET status = $2, tx_hash = $3, updated_at = $4
		WHERE session_id = $1 AND status = 'pending'`
	if _, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query, sessionID, string(to), txHash, at); err != nil {
		return fmt.Errorf("update intent: %w", err)
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanSubmission(r row) (*Submission, error) {
	var sub Submission
	var block, gas int64
	if err := r.Scan(&sub.ID, &sub.VoterID, &sub.ElectionID, &sub.SessionID, &sub.TxHash,
		&block, &gas, &sub.SubmittedAt); err != nil {
		return nil, err
	}
	sub.BlockNumber = uint64(block)
	sub.GasUsed = uint64(gas)
	return &sub, nil
}

func scanIntent(r row) (*Intent, error) {
	var in Intent
	var status string
	var txHash sql.NullString
	if err := r.Scan(&in.SessionID, &in.VoterID, &in.ElectionID, &in.CandidateID, &in.Commitment,
		&status, &txHash, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.Status = IntentStatus(status)
	in.TxHash = txHash.String
	return &in, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
