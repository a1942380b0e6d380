// Package session mints and validates the short-lived capability token that
// lets an authenticated voter cast exactly one vote.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"biovote/internal/platform/logger"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	"biovote/pkg/requestcontext"
)

// VoterLookup resolves the voter named by a token.
type VoterLookup interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Voter, error)
}

// Issuer signs voting session tokens with the voting-session secret. It never
// accepts tokens signed with any other key.
type Issuer struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	voters     VoterLookup
	logger     *slog.Logger
}

type Option func(*Issuer)

func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

func WithIssuerName(name string) Option {
	return func(i *Issuer) {
		i.issuer = name
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

func NewIssuer(signingKey []byte, voters VoterLookup, opts ...Option) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("voting session signing key is required")
	}
	if voters == nil {
		return nil, errors.New("voter lookup is required")
	}
	i := &Issuer{
		signingKey: signingKey,
		ttl:        DefaultTTL,
		issuer:     "biovote",
		voters:     voters,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL is the validity of newly issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a token valid from the request time for the issuer TTL.
func (i *Issuer) Issue(ctx context.Context, voterExternalID string, electionID, constituencyID uuid.UUID, sessionID string) (string, *Claims, error) {
	if voterExternalID == "" || sessionID == "" {
		return "", nil, dErrors.New(dErrors.CodeInternal, "voter id and session id are required")
	}
	now := requestcontext.Now(ctx)
	exp := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		VoterID:        voterExternalID,
		ElectionID:     electionID.String(),
		ConstituencyID: constituencyID.String(),
		SessionID:      sessionID,
		Type:           TokenTypeVotingSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{votingAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        sessionID,
		},
	})
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign voting session")
	}
	logger.LogAudit(ctx, i.logger, "voting_session_issued",
		"voter_id", voterExternalID,
		"session_id", sessionID,
		"expires_at", exp.UTC().Format(time.RFC3339),
	)
	return signed, &Claims{
		VoterExternalID: voterExternalID,
		ElectionID:      electionID,
		ConstituencyID:  constituencyID,
		SessionID:       sessionID,
		IssuedAt:        now.Truncate(time.Second),
		ExpiresAt:       exp.Truncate(time.Second),
	}, nil
}

// Parse checks signature, expiry and token type only. It does not consult the
// voter record.
func (i *Issuer) Parse(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, dErrors.New(dErrors.CodeInvalidSignature, "missing voting session token")
	}
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(token *jwt.Token) (any, error) {
		return i.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeTokenExpired, "voting session has expired")
		}
		return nil, dErrors.New(dErrors.CodeInvalidSignature, "invalid voting session token")
	}
	if tc.Type != TokenTypeVotingSession || !hasAudience(tc.Audience, votingAudience) {
		return nil, dErrors.New(dErrors.CodeWrongTokenType, "token is not a voting session")
	}

	electionID, errE := uuid.Parse(tc.ElectionID)
	constituencyID, errC := uuid.Parse(tc.ConstituencyID)
	if tc.VoterID == "" || tc.SessionID == "" || errE != nil || errC != nil {
		return nil, dErrors.New(dErrors.CodeInvalidSignature, "incomplete voting session claims")
	}
	claims := &Claims{
		VoterExternalID: tc.VoterID,
		ElectionID:      electionID,
		ConstituencyID:  constituencyID,
		SessionID:       tc.SessionID,
	}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// Validate parses raw and then re-resolves the voter: possession of a token
// is not proof of current eligibility.
func (i *Issuer) Validate(ctx context.Context, raw string) (*Claims, *models.Voter, error) {
	claims, err := i.Parse(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	voter, err := i.voters.FindByExternalID(ctx, claims.VoterExternalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeVoterNotFound, "voter not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve voter")
	}
	if err := CheckEligible(voter); err != nil {
		return nil, nil, err
	}
	return claims, voter, nil
}

// CheckEligible reports the voter-state errors that void a session.
func CheckEligible(v *models.Voter) error {
	if v.HasVoted {
		return dErrors.New(dErrors.CodeAlreadyVoted, "voter has already voted")
	}
	if v.LockedOut {
		return dErrors.New(dErrors.CodeLockedOut, "voter is locked out")
	}
	return nil
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
