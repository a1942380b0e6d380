// Package throttle enforces the per-voter failed-attempt budget and lockout.
// Every read-modify-write of the voter's authentication state runs inside a
// unit of work holding that voter's row lock.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"biovote/internal/platform/logger"
	"biovote/internal/platform/metrics"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
	"biovote/pkg/requestcontext"
)

// Store is the subset of the voter store the throttle needs.
type Store interface {
	LockByID(ctx context.Context, id uuid.UUID) (*models.Voter, error)
	UpdateAuthState(ctx context.Context, id uuid.UUID, state models.AuthState) error
}

type Service struct {
	store   Store
	tx      txcontext.Runner
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPolicy(p Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, tx txcontext.Runner, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("voter store is required")
	}
	if tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	svc := &Service{
		store:  store,
		tx:     tx,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.policy.MaxAttempts < 1 || svc.policy.LockoutDuration <= 0 {
		return nil, errors.New("throttle policy requires positive max attempts and lockout duration")
	}
	return svc, nil
}

// Policy returns the active policy.
func (s *Service) Policy() Policy { return s.policy }

// Admit gates an attempt. It returns a LockedOut error carrying the remaining
// wait while the lockout is in force, and clears an expired lockout.
func (s *Service) Admit(ctx context.Context, voterID uuid.UUID) (*Verdict, error) {
	return s.transition(ctx, voterID, func(st models.AuthState) (models.AuthState, Verdict) {
		return s.policy.Admit(st, requestcontext.Now(ctx))
	})
}

// Record applies a match outcome. A failure that reaches the budget
// locks the voter and still returns a verdict (not an error) so the caller can
// record the attempt as a failure; a voter locked concurrently returns LockedOut.
func (s *Service) Record(ctx context.Context, voterID uuid.UUID, matched bool) (*Verdict, error) {
	return s.transition(ctx, voterID, func(st models.AuthState) (models.AuthState, Verdict) {
		return s.policy.Apply(st, matched, requestcontext.Now(ctx))
	})
}

func (s *Service) transition(ctx context.Context, voterID uuid.UUID, step func(models.AuthState) (models.AuthState, Verdict)) (*Verdict, error) {
	var verdict Verdict
	var externalID string
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		v, err := s.store.LockByID(ctx, voterID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeVoterNotFound, "voter not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock voter")
		}
		externalID = v.ExternalID
		before := v.AuthState()
		after, vd := step(before)
		verdict = vd
		if sameState(before, after) {
			return nil
		}
		if err := s.store.UpdateAuthState(ctx, voterID, after); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update auth state")
		}
		return nil
	})
	if err != nil {
		var de *dErrors.Error
		if !errors.As(err, &de) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "throttle transaction failed")
		}
		return nil, err
	}

	if verdict.Unlocked {
		logger.LogAudit(ctx, s.logger, "voter_lockout_cleared", "voter_id", externalID)
	}
	if verdict.JustLocked {
		s.metrics.IncrementLockouts()
		logger.LogAudit(ctx, s.logger, "voter_locked_out",
			"voter_id", externalID,
			"max_attempts", s.policy.MaxAttempts,
			"lockout_duration", s.policy.LockoutDuration.String(),
		)
		return &verdict, nil
	}
	if verdict.State == StateLocked {
		return &verdict, LockedOutError(verdict)
	}
	return &verdict, nil
}

// LockedOutError builds the caller-facing lockout error.
func LockedOutError(v Verdict) error {
	return dErrors.New(dErrors.CodeLockedOut, "too many failed attempts; try again later").
		WithDetail(dErrors.Detail{RetryAfter: v.RetryAfter})
}

func sameState(a, b models.AuthState) bool {
	if a.FailedAuthCount != b.FailedAuthCount || a.LockedOut != b.LockedOut {
		return false
	}
	if a.LockoutAt == nil || b.LockoutAt == nil {
		return a.LockoutAt == b.LockoutAt
	}
	return a.LockoutAt.Equal(*b.LockoutAt)
}

// RetryAfterSeconds rounds d up to whole seconds.
func RetryAfterSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
