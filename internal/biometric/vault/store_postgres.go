package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"biovote/internal/biometric"
	"biovote/internal/platform/postgres"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
)

// PostgresStore persists templates in biometric_templates. Rows are
// write-once; a trigger rejects UPDATE and DELETE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO biometric_templates (voter_id, modality, integrity_hash, encrypted_template, salt, dims, enrolled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, query,
		t.VoterID, string(t.Modality), t.IntegrityHash, t.Ciphertext, t.Salt, t.Dims, t.EnrolledAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return fmt.Errorf("insert template: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, voterID uuid.UUID, modality biometric.Modality) (*Template, error) {
	query := `
		SELECT voter_id, modality, integrity_hash, encrypted_template, salt, dims, enrolled_at
		FROM biometric_templates
		WHERE voter_id = $1 AND modality = $2
	`
	var t Template
	var m string
	err := txcontext.ExecerFrom(ctx, s.db).QueryRowContext(ctx, query, voterID, string(modality)).
		Scan(&t.VoterID, &m, &t.IntegrityHash, &t.Ciphertext, &t.Salt, &t.Dims, &t.EnrolledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get template: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	t.Modality = biometric.Modality(m)
	return &t, nil
}
