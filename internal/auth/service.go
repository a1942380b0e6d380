// Package auth is the biometric login flow: it resolves the voter, gates on
// the throttle, matches the live sample against the enrolled template and
// issues a voting session token. Every call leaves exactly one entry on the
// attempt trail.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"biovote/internal/attempt"
	"biovote/internal/biometric"
	"biovote/internal/biometric/matcher"
	"biovote/internal/biometric/vault"
	"biovote/internal/platform/logger"
	"biovote/internal/session"
	"biovote/internal/throttle"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	"biovote/pkg/requestcontext"
)

type Matcher interface {
	Capability(m biometric.Modality) (matcher.Capability, bool)
	ExtractFeatures(ctx context.Context, m biometric.Modality, sample []byte) ([]float32, error)
	Compare(live, stored []float32, m biometric.Modality) matcher.Result
}

type Vault interface {
	Fetch(ctx context.Context, voterID uuid.UUID, modality biometric.Modality) (*vault.Template, error)
	Open(t *vault.Template) ([]float32, error)
}

type Throttle interface {
	Admit(ctx context.Context, voterID uuid.UUID) (*throttle.Verdict, error)
	Record(ctx context.Context, voterID uuid.UUID, matched bool) (*throttle.Verdict, error)
}

type AttemptRecorder interface {
	Record(ctx context.Context, a attempt.Attempt) (*attempt.Attempt, error)
}

type VoterStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Voter, error)
	FindConstituency(ctx context.Context, id uuid.UUID) (*models.Constituency, error)
	FindElection(ctx context.Context, id uuid.UUID) (*models.Election, error)
}

type TokenIssuer interface {
	Issue(ctx context.Context, voterExternalID string, electionID, constituencyID uuid.UUID, sessionID string) (string, *session.Claims, error)
}

type Service struct {
	voters   VoterStore
	matcher  Matcher
	vault    Vault
	throttle Throttle
	attempts AttemptRecorder
	tokens   TokenIssuer
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(voters VoterStore, m Matcher, v Vault, t Throttle, attempts AttemptRecorder, tokens TokenIssuer, opts ...Option) (*Service, error) {
	switch {
	case voters == nil:
		return nil, errors.New("voter store is required")
	case m == nil:
		return nil, errors.New("matcher is required")
	case v == nil:
		return nil, errors.New("vault is required")
	case t == nil:
		return nil, errors.New("throttle is required")
	case attempts == nil:
		return nil, errors.New("attempt recorder is required")
	case tokens == nil:
		return nil, errors.New("token issuer is required")
	}
	s := &Service{
		voters:   voters,
		matcher:  m,
		vault:    v,
		throttle: t,
		attempts: attempts,
		tokens:   tokens,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// trail accumulates what is known about the attempt as the flow advances.
type trail struct {
	attempt.Attempt
}

func (t *trail) voter(v *models.Voter) {
	id := v.ID
	t.VoterID = &id
}

func (t *trail) score(score float64) {
	t.Score = &score
}

// Authenticate runs the login flow for one sample.
//
// Input errors (undecodable image, no face, several faces) are recorded but
// do not consume the voter's attempt budget. Only a completed comparison
// reaches the throttle.
func (s *Service) Authenticate(ctx context.Context, req Request) (*Result, error) {
	externalID := strings.TrimSpace(req.VoterExternalID)
	if externalID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "voter_id is required")
	}
	if !req.Modality.Valid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown biometric modality")
	}

	t := &trail{attempt.Attempt{ExternalVoterID: externalID, Method: req.Modality}}

	if _, ok := s.matcher.Capability(req.Modality); !ok {
		return nil, s.fail(ctx, t, reasonModalityUnavailable,
			dErrors.New(dErrors.CodeModalityUnavailable, req.Modality.String()+" authentication is not available"))
	}

	v, err := s.voters.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, s.fail(ctx, t, reasonVoterNotFound, dErrors.New(dErrors.CodeVoterNotFound, "voter not found"))
		}
		return nil, s.fail(ctx, t, reasonInternal, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load voter"))
	}
	t.voter(v)
	if v.HasVoted {
		return nil, s.fail(ctx, t, reasonAlreadyVoted, dErrors.New(dErrors.CodeAlreadyVoted, "voter has already voted"))
	}

	if _, err := s.throttle.Admit(ctx, v.ID); err != nil {
		return nil, s.throttleFailure(ctx, t, err)
	}

	sample, err := matcher.DecodeSample(req.Sample)
	if err != nil {
		return nil, s.fail(ctx, t, string(dErrors.CodeOf(err)), err)
	}
	live, err := s.matcher.ExtractFeatures(ctx, req.Modality, sample)
	if err != nil {
		return nil, s.fail(ctx, t, string(dErrors.CodeOf(err)), err)
	}

	tmpl, err := s.vault.Fetch(ctx, v.ID, req.Modality)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, s.fail(ctx, t, reasonNotEnrolled,
				dErrors.New(dErrors.CodeBadRequest, "no "+req.Modality.String()+" template enrolled for this voter"))
		}
		return nil, s.fail(ctx, t, reasonInternal, err)
	}
	stored, err := s.vault.Open(tmpl)
	if err != nil {
		s.logger.ErrorContext(ctx, "enrolled template unusable", "voter_id", externalID, "modality", req.Modality, "error", err)
		return nil, s.fail(ctx, t, reasonInternal, err)
	}

	result := s.matcher.Compare(live, stored, req.Modality)
	t.score(result.Score)

	verdict, err := s.throttle.Record(ctx, v.ID, result.Matched)
	if err != nil {
		return nil, s.throttleFailure(ctx, t, err)
	}
	if !result.Matched {
		if verdict.JustLocked {
			return nil, s.fail(ctx, t, reasonMismatch, throttle.LockedOutError(*verdict))
		}
		mismatch := dErrors.New(dErrors.CodeBiometricMismatch, "biometric verification failed").
			WithDetail(dErrors.Detail{RemainingAttempts: &verdict.RemainingAttempts})
		return nil, s.fail(ctx, t, reasonMismatch, mismatch)
	}

	constituency, election, err := s.activeElection(ctx, v)
	if err != nil {
		reason := reasonInternal
		if dErrors.HasCode(err, dErrors.CodeNoActiveElection) {
			reason = reasonNoActiveElection
		}
		return nil, s.fail(ctx, t, reason, err)
	}

	sessionID := uuid.NewString()
	token, claims, err := s.tokens.Issue(ctx, v.ExternalID, election.ID, constituency.ID, sessionID)
	if err != nil {
		return nil, s.fail(ctx, t, reasonInternal, err)
	}

	t.Outcome = attempt.OutcomeSuccess
	if _, err := s.attempts.Record(ctx, t.Attempt); err != nil {
		// no token leaves without its audit entry
		return nil, err
	}
	logger.LogAudit(ctx, s.logger, "voter_authenticated",
		"voter_id", v.ExternalID,
		"modality", req.Modality.String(),
		"score", attempt.RoundScore(result.Score),
	)

	return &Result{
		SessionToken: token,
		ExpiresIn:    int(claims.ExpiresAt.Sub(requestcontext.Now(ctx)).Seconds()),
		Voter: VoterDisplayInfo{
			Name:             v.FullName,
			ConstituencyID:   constituency.ID,
			ConstituencyName: constituency.Name,
			SessionID:        sessionID,
		},
	}, nil
}

func (s *Service) activeElection(ctx context.Context, v *models.Voter) (*models.Constituency, *models.Election, error) {
	constituency, err := s.voters.FindConstituency(ctx, v.ConstituencyID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load constituency")
	}
	election, err := s.voters.FindElection(ctx, constituency.ElectionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	if err != nil || !election.IsActive() {
		return nil, nil, dErrors.New(dErrors.CodeNoActiveElection, "no active election")
	}
	return constituency, election, nil
}

func (s *Service) throttleFailure(ctx context.Context, t *trail, err error) error {
	if dErrors.HasCode(err, dErrors.CodeLockedOut) {
		t.Outcome = attempt.OutcomeLockout
		t.FailureReason = reasonLockedOut
		s.record(ctx, t)
		return err
	}
	reason := reasonInternal
	if dErrors.HasCode(err, dErrors.CodeVoterNotFound) {
		reason = reasonVoterNotFound
	}
	return s.fail(ctx, t, reason, err)
}

// fail records a failure attempt and returns err unchanged.
func (s *Service) fail(ctx context.Context, t *trail, reason string, err error) error {
	t.Outcome = attempt.OutcomeFailure
	t.FailureReason = reason
	s.record(ctx, t)
	return err
}

func (s *Service) record(ctx context.Context, t *trail) {
	if _, err := s.attempts.Record(ctx, t.Attempt); err != nil {
		s.logger.ErrorContext(ctx, "auth attempt not recorded",
			"voter_id", t.ExternalVoterID,
			"outcome", t.Outcome,
			"error", err,
		)
	}
}
