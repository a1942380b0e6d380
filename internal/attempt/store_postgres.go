package attempt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"biovote/internal/biometric"
	txcontext "biovote/pkg/platform/tx"
)

// chainLockKey serialises appends so every row links to the true head.
const chainLockKey int64 = 0x62696f766f7465

const walkBatch = 500

const attemptColumns = `
	id, seq, voter_id, external_voter_id, method, outcome, failure_reason,
	similarity_score, source_address, source_device, polling_station,
	attempted_at, prev_hash, chain_hash`

// PostgresStore persists the trail in auth_attempts. A trigger rejects UPDATE
// and DELETE on the table.
type PostgresStore struct {
	db *sql.DB
	tx txcontext.Runner
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tx: txcontext.NewSQLRunner(db)}
}

func (s *PostgresStore) Append(ctx context.Context, a *Attempt) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		exec := txcontext.ExecerFrom(ctx, s.db)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			return fmt.Errorf("lock attempt chain: %w", err)
		}

		prev := GenesisHash
		err := exec.QueryRowContext(ctx, `SELECT chain_hash FROM auth_attempts ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}
		Seal(prev, a)

		var voterID uuid.NullUUID
		if a.VoterID != nil {
			voterID = uuid.NullUUID{UUID: *a.VoterID, Valid: true}
		}
		var score sql.NullFloat64
		if a.Score != nil {
			score = sql.NullFloat64{Float64: *a.Score, Valid: true}
		}
		var reason sql.NullString
		if a.FailureReason != "" {
			reason = sql.NullString{String: a.FailureReason, Valid: true}
		}

		query := `
			INSERT INTO auth_attempts (
				id, voter_id, external_voter_id, method, outcome, failure_reason,
				similarity_score, source_address, source_device, polling_station,
				attempted_at, prev_hash, chain_hash
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING seq
		`
		err = exec.QueryRowContext(ctx, query,
			a.ID, voterID, a.ExternalVoterID, string(a.Method), string(a.Outcome), reason,
			score, a.SourceAddress, a.SourceDevice, a.PollingStation,
			a.AttemptedAt, a.PrevHash, a.ChainHash,
		).Scan(&a.Seq)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListByVoter(ctx context.Context, externalID string, outcomes []Outcome, limit int) ([]*Attempt, error) {
	filter := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		filter = append(filter, string(o))
	}
	query := `SELECT ` + attemptColumns + `
		FROM auth_attempts
		WHERE external_voter_id = $1
		  AND (cardinality($2::text[]) = 0 OR outcome = ANY($2::text[]))
		ORDER BY seq DESC
		LIMIT $3`
	rows, err := txcontext.ExecerFrom(ctx, s.db).QueryContext(ctx, query, externalID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Walk(ctx context.Context, fn func(*Attempt) bool) error {
	var after int64
	for {
		batch, err := s.page(ctx, after)
		if err != nil {
			return err
		}
		for _, a := range batch {
			if !fn(a) {
				return nil
			}
			after = a.Seq
		}
		if len(batch) < walkBatch {
			return nil
		}
	}
}

func (s *PostgresStore) page(ctx context.Context, after int64) ([]*Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM auth_attempts
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, after, walkBatch)
	if err != nil {
		return nil, fmt.Errorf("query attempt page: %w", err)
	}
	defer rows.Close()

	batch := make([]*Attempt, 0, walkBatch)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt page: %w", err)
	}
	return batch, nil
}

type row interface {
	Scan(dest ...any) error
}

func scanAttempt(r row) (*Attempt, error) {
	var (
		a       Attempt
		voterID uuid.NullUUID
		method  string
		outcome string
		reason  sql.NullString
		score   sql.NullFloat64
	)
	err := r.Scan(&a.ID, &a.Seq, &voterID, &a.ExternalVoterID, &method, &outcome, &reason,
		&score, &a.SourceAddress, &a.SourceDevice, &a.PollingStation,
		&a.AttemptedAt, &a.PrevHash, &a.ChainHash)
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	if voterID.Valid {
		id := voterID.UUID
		a.VoterID = &id
	}
	if score.Valid {
		v := score.Float64
		a.Score = &v
	}
	a.FailureReason = reason.String
	a.Method = biometric.Modality(method)
	a.Outcome = Outcome(outcome)
	return &a, nil
}
