// Package vault seals enrolled biometric templates and serves them back to
// the matcher. Templates are quantized to int8 and encrypted with AES-256-GCM
// under a process-wide key; a salted, peppered SHA-256 of the raw vector is
// kept alongside to detect storage corruption.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"biovote/internal/biometric"
	"biovote/internal/platform/logger"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	"biovote/pkg/requestcontext"
)

// Store persists sealed templates.
type Store interface {
	Insert(ctx context.Context, t *Template) error
	Get(ctx context.Context, voterID uuid.UUID, modality biometric.Modality) (*Template, error)
}

// ErrTemplateCorrupted means a stored template no longer matches what was sealed.
var ErrTemplateCorrupted = errors.New("template corrupted")

type Service struct {
	store  Store
	sealer *sealer
	pepper []byte
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New constructs the vault. key must be exactly 32 bytes.
func New(store Store, key, pepper []byte, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("template store is required")
	}
	if len(pepper) == 0 {
		return nil, errors.New("biometric pepper is required")
	}
	sl, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:  store,
		sealer: sl,
		pepper: append([]byte(nil), pepper...),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Seal computes the integrity hash with a fresh salt, quantizes raw and encrypts it.
func (s *Service) Seal(raw []float32) (*Sealed, error) {
	if len(raw) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "empty template")
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal template")
	}
	ct, err := s.sealer.seal(int8sToBytes(Quantize(raw)))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal template")
	}
	return &Sealed{
		IntegrityHash: IntegrityHash(raw, s.pepper, salt),
		Ciphertext:    ct,
		Salt:          salt,
		Dims:          len(raw),
	}, nil
}

// Enroll seals raw for the voter and stores it, then reads the row back and
// checks it against what was sealed.
func (s *Service) Enroll(ctx context.Context, voterID uuid.UUID, modality biometric.Modality, raw []float32) (*Template, error) {
	if !modality.Valid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown modality")
	}
	sealed, err := s.Seal(raw)
	if err != nil {
		return nil, err
	}
	t := &Template{
		VoterID:       voterID,
		Modality:      modality,
		IntegrityHash: sealed.IntegrityHash,
		Ciphertext:    sealed.Ciphertext,
		Salt:          sealed.Salt,
		Dims:          sealed.Dims,
		EnrolledAt:    requestcontext.Now(ctx).UTC(),
	}
	if err := s.store.Insert(ctx, t); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "template already enrolled")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store template")
	}

	stored, err := s.store.Get(ctx, voterID, modality)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read back template")
	}
	if err := s.checkReadBack(raw, t, stored); err != nil {
		s.logger.ErrorContext(ctx, "template read-back mismatch",
			"voter_ref", voterID.String(),
			"modality", modality.String(),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "template verification failed")
	}

	logger.LogAudit(ctx, s.logger, "biometric_enrolled",
		"voter_ref", voterID.String(),
		"modality", modality.String(),
		"dims", t.Dims,
	)
	return stored, nil
}

func (s *Service) checkReadBack(raw []float32, want, got *Template) error {
	if got.Ciphertext != want.Ciphertext || got.Dims != want.Dims || !s.VerifyIntegrity(raw, got) {
		return ErrTemplateCorrupted
	}
	if _, err := s.sealer.open(got.Ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrTemplateCorrupted, err)
	}
	return nil
}

// Fetch returns the stored template without decrypting it.
func (s *Service) Fetch(ctx context.Context, voterID uuid.UUID, modality biometric.Modality) (*Template, error) {
	t, err := s.store.Get(ctx, voterID, modality)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no template enrolled for modality")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to fetch template")
	}
	return t, nil
}

// Open decrypts and dequantizes t. Authentication-tag failures surface as
// internal errors wrapping ErrDecrypt.
func (s *Service) Open(t *Template) ([]float32, error) {
	plain, err := s.sealer.open(t.Ciphertext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stored template failed authentication")
	}
	if t.Dims > 0 && len(plain) != t.Dims {
		return nil, dErrors.Wrap(ErrTemplateCorrupted, dErrors.CodeInternal, "stored template has unexpected length")
	}
	return Dequantize(bytesToInt8s(plain)), nil
}

// VerifyIntegrity reports whether raw hashes to t's integrity hash.
func (s *Service) VerifyIntegrity(raw []float32, t *Template) bool {
	return IntegrityHash(raw, s.pepper, t.Salt) == t.IntegrityHash
}

// EnrolledModalities fetches every modality concurrently and returns when
// each was enrolled.
func (s *Service) EnrolledModalities(ctx context.Context, voterID uuid.UUID) (map[biometric.Modality]time.Time, error) {
	results := make([]*Template, len(biometric.Modalities))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range biometric.Modalities {
		g.Go(func() error {
			t, err := s.store.Get(gctx, voterID, m)
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list templates")
	}
	out := make(map[biometric.Modality]time.Time)
	for _, t := range results {
		if t != nil {
			out[t.Modality] = t.EnrolledAt
		}
	}
	return out, nil
}
