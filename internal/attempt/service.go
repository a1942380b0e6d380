// Package attempt is the append-only authentication trail. Every attempt is
// hash-chained to its predecessor so tampering with stored rows is detectable
// even by someone able to bypass the storage triggers.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"biovote/internal/auth/device"
	"biovote/internal/platform/metrics"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/requestcontext"
)

const defaultListLimit = 100

// Store appends attempts and reads them back in chain order.
type Store interface {
	// Append seals a onto the current head of the chain and persists it.
	Append(ctx context.Context, a *Attempt) error
	ListByVoter(ctx context.Context, externalID string, outcomes []Outcome, limit int) ([]*Attempt, error)
	// Walk calls fn for every attempt in sequence order until fn returns false.
	Walk(ctx context.Context, fn func(*Attempt) bool) error
}

// Publisher fans recorded attempts out to downstream consumers. Delivery is
// best effort; the store is the record of truth.
type Publisher interface {
	Publish(ctx context.Context, a *Attempt)
}

type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("attempt store is required")
	}
	svc := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Record appends one attempt. Identity, time and client metadata are filled
// from the request context; the caller supplies who, how and what happened.
func (s *Service) Record(ctx context.Context, a Attempt) (*Attempt, error) {
	if !a.Outcome.Valid() {
		return nil, fmt.Errorf("invalid attempt outcome %q", a.Outcome)
	}
	if !a.Method.Valid() {
		return nil, fmt.Errorf("invalid attempt method %q", a.Method)
	}
	a.ID = uuid.New()
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = requestcontext.Now(ctx)
	}
	if a.SourceAddress == "" {
		a.SourceAddress = requestcontext.ClientIP(ctx)
	}
	if a.SourceDevice == "" {
		a.SourceDevice = device.Describe(requestcontext.UserAgent(ctx))
	}
	if a.PollingStation == "" {
		a.PollingStation = requestcontext.PollingStation(ctx)
	}
	if a.Score != nil {
		rounded := RoundScore(*a.Score)
		a.Score = &rounded
	}
	a.FailureReason = truncateReason(a.FailureReason, maxReasonBytes)

	if err := s.store.Append(ctx, &a); err != nil {
		s.logger.ErrorContext(ctx, "failed to record auth attempt",
			"voter_id", a.ExternalVoterID,
			"outcome", a.Outcome,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record attempt")
	}
	s.metrics.IncrementAuthAttempt(a.Method.String(), string(a.Outcome))
	if s.publisher != nil {
		s.publisher.Publish(ctx, &a)
	}
	return &a, nil
}

// ListByVoter returns the newest attempts for externalID, optionally limited
// to the given outcomes.
func (s *Service) ListByVoter(ctx context.Context, externalID string, outcomes []Outcome, limit int) ([]*Attempt, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "voter id is required")
	}
	for _, o := range outcomes {
		if !o.Valid() {
			return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown outcome %q", o))
		}
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	list, err := s.store.ListByVoter(ctx, externalID, outcomes, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list attempts")
	}
	return list, nil
}

// VerifyChain walks the whole trail and reports the first broken link.
func (s *Service) VerifyChain(ctx context.Context) (*ChainReport, error) {
	v := NewVerifier()
	if err := s.store.Walk(ctx, v.Next); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to walk attempt chain")
	}
	report := v.Report()
	if !report.Intact() {
		s.logger.ErrorContext(ctx, "attempt chain broken",
			"seq", report.Break.Seq,
			"attempt_id", report.Break.ID,
		)
	}
	return &report, nil
}

const maxReasonBytes = 500

// truncateReason cuts s to at most n bytes without splitting a rune.
func truncateReason(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
