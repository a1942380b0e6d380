package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/requestcontext"
)

// Role of an administrator, ordered by privilege.
type Role string

const (
	RoleAuditor               Role = "auditor"
	RoleElectionAdministrator Role = "election_administrator"
	RoleSuperAdmin            Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleAuditor:               1,
	RoleElectionAdministrator: 2,
	RoleSuperAdmin:            3,
}

// Allows reports whether r carries at least the privilege of required.
func (r Role) Allows(required Role) bool {
	have, ok := roleRank[r]
	return ok && have >= roleRank[required]
}

type adminTokenClaims struct {
	Role string `json:"role"`
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// AdminClaims identifies an administrator.
type AdminClaims struct {
	AdminID uuid.UUID
	Role    Role
}

// AdminAuthority signs and checks administrative access tokens with the
// administrative secret. Administrator login lives outside this service; Issue
// exists for operator tooling.
type AdminAuthority struct {
	signingKey []byte
}

func NewAdminAuthority(signingKey []byte) (*AdminAuthority, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("admin signing key is required")
	}
	return &AdminAuthority{signingKey: signingKey}, nil
}

func (a *AdminAuthority) Issue(ctx context.Context, adminID uuid.UUID, role Role, ttl time.Duration) (string, error) {
	if _, ok := roleRank[role]; !ok {
		return "", dErrors.New(dErrors.CodeBadRequest, "unknown admin role")
	}
	now := requestcontext.Now(ctx)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminTokenClaims{
		Role: string(role),
		Type: TokenTypeAdminAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID.String(),
			Audience:  jwt.ClaimStrings{adminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign admin token")
	}
	return signed, nil
}

// Validate accepts only access tokens signed with the administrative secret.
func (a *AdminAuthority) Validate(ctx context.Context, raw string) (*AdminClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing admin token")
	}
	var tc adminTokenClaims
	_, err := jwt.ParseWithClaims(raw, &tc, func(token *jwt.Token) (any, error) {
		return a.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(adminAudience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "admin token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid admin token")
	}
	if tc.Type != TokenTypeAdminAccess {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "refresh and session tokens cannot authenticate administrators")
	}
	adminID, err := uuid.Parse(tc.Subject)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid admin subject")
	}
	role := Role(tc.Role)
	if _, ok := roleRank[role]; !ok {
		return nil, dErrors.New(dErrors.CodeForbidden, "unknown admin role")
	}
	return &AdminClaims{AdminID: adminID, Role: role}, nil
}
