package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	txcontext "biovote/pkg/platform/tx"
	"biovote/pkg/requestcontext"
)

// PostgresTracker stores consumed sessions in consumed_sessions. Consume runs
// inside the caller's transaction when one is present, so the consumption
// commits or rolls back together with the vote.
type PostgresTracker struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

func (t *PostgresTracker) Consume(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if err := validate(sessionID, ttl); err != nil {
		return false, err
	}
	expiresAt := requestcontext.Now(ctx).Add(ttl)
	query := `
		INSERT INTO consumed_sessions (session_id, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING
	`
	res, err := txcontext.ExecerFrom(ctx, t.db).ExecContext(ctx, query, sessionID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("consume session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume session: %w", err)
	}
	return n == 1, nil
}

// IsConsumed treats an expired row as still consumed until it is swept; the
// token it guarded has expired by then anyway.
func (t *PostgresTracker) IsConsumed(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := txcontext.ExecerFrom(ctx, t.db).
		QueryRowContext(ctx, `SELECT 1 FROM consumed_sessions WHERE session_id = $1`, sessionID).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check consumed session: %w", err)
	}
	return true, nil
}

func (t *PostgresTracker) Release(ctx context.Context, sessionID string) error {
	_, err := txcontext.ExecerFrom(ctx, t.db).
		ExecContext(ctx, `DELETE FROM consumed_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Transactional() bool { return true }

func (t *PostgresTracker) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM consumed_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep consumed sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep consumed sessions: %w", err)
	}
	return n, nil
}
