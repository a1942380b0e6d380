package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"biovote/internal/voter/models"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
)

// PostgresStore reads registration data and persists the voter state owned by
// the core. Row locks taken by LockByID are held by the transaction in ctx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed voter store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const voterColumns = `id, voter_id, full_name, constituency_id, has_voted, voted_at, vote_tx_hash,
	failed_auth_count, locked_out, lockout_at`

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*models.Voter, error) {
	query := `SELECT ` + voterColumns + ` FROM voters WHERE voter_id = $1`
	v, err := scanVoter(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, externalID))
	if err != nil {
		return nil, notFound(err, "find voter by external id")
	}
	return v, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Voter, error) {
	query := `SELECT ` + voterColumns + ` FROM voters WHERE id = $1`
	v, err := scanVoter(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "find voter")
	}
	return v, nil
}

// LockByID loads the voter with SELECT ... FOR UPDATE. It must run inside a
// transaction; the lock is released at commit or rollback.
func (s *PostgresStore) LockByID(ctx context.Context, id uuid.UUID) (*models.Voter, error) {
	tx, ok := txcontext.From(ctx)
	if !ok {
		return nil, fmt.Errorf("lock voter: %w", txcontext.ErrNoUnitOfWork)
	}
	query := `SELECT ` + voterColumns + ` FROM voters WHERE id = $1 FOR UPDATE`
	v, err := scanVoter(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "lock voter")
	}
	return v, nil
}

func (s *PostgresStore) UpdateAuthState(ctx context.Context, id uuid.UUID, state models.AuthState) error {
	query := `UPDATE voters SET failed_auth_count = $2, locked_out = $3, lockout_at = $4 WHERE id = $1`
	res, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query, id, state.FailedAuthCount, state.LockedOut, state.LockoutAt)
	if err != nil {
		return fmt.Errorf("update auth state: %w", err)
	}
	return expectOne(res, "update auth state")
}

// MarkVoted flips has_voted. The WHERE guard makes a second flip a conflict.
func (s *PostgresStore) MarkVoted(ctx context.Context, id uuid.UUID, votedAt time.Time, txHash string) error {
	query := `UPDATE voters SET has_voted = TRUE, voted_at = $2, vote_tx_hash = $3 WHERE id = $1 AND has_voted = FALSE`
	res, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query, id, votedAt, txHash)
	if err != nil {
		return fmt.Errorf("mark voted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark voted rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark voted: %w", sentinel.ErrConflict)
	}
	return nil
}

func (s *PostgresStore) FindElection(ctx context.Context, id uuid.UUID) (*models.Election, error) {
	var e models.Election
	err := txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT id, name, status FROM elections WHERE id = $1`, id).Scan(&e.ID, &e.Name, &e.Status)
	if err != nil {
		return nil, notFound(err, "find election")
	}
	return &e, nil
}

func (s *PostgresStore) FindConstituency(ctx context.Context, id uuid.UUID) (*models.Constituency, error) {
	var c models.Constituency
	err := txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT id, election_id, name, code, on_chain_id FROM constituencies WHERE id = $1`, id).
		Scan(&c.ID, &c.ElectionID, &c.Name, &c.Code, &c.OnChainID)
	if err != nil {
		return nil, notFound(err, "find constituency")
	}
	return &c, nil
}

func (s *PostgresStore) FindCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error) {
	query := `SELECT id, election_id, constituency_id, name, party, on_chain_id, is_active FROM candidates WHERE id = $1`
	c, err := scanCandidate(txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "find candidate")
	}
	return c, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, constituencyID uuid.UUID, activeOnly bool) ([]*models.Candidate, error) {
	query := `SELECT id, election_id, constituency_id, name, party, on_chain_id, is_active
		FROM candidates
		WHERE constituency_id = $1 AND ($2 = FALSE OR is_active)
		ORDER BY on_chain_id`
	rows, err := txcontext.ExecerFrom(ctx, s.db).QueryContext(ctx, query, constituencyID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

type row interface {
	Scan(dest ...any) error
}

func scanVoter(r row) (*models.Voter, error) {
	var v models.Voter
	var votedAt, lockoutAt sql.NullTime
	var txHash sql.NullString
	if err := r.Scan(&v.ID, &v.ExternalID, &v.FullName, &v.ConstituencyID, &v.HasVoted, &votedAt, &txHash,
		&v.FailedAuthCount, &v.LockedOut, &lockoutAt); err != nil {
		return nil, err
	}
	if votedAt.Valid {
		v.VotedAt = &votedAt.Time
	}
	if lockoutAt.Valid {
		v.LockoutAt = &lockoutAt.Time
	}
	v.VoteTxHash = txHash.String
	return &v, nil
}

func scanCandidate(r row) (*models.Candidate, error) {
	var c models.Candidate
	if err := r.Scan(&c.ID, &c.ElectionID, &c.ConstituencyID, &c.Name, &c.Party, &c.OnChainID, &c.Active); err != nil {
		return nil, err
	}
	return &c, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}
