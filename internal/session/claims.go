package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeVotingSession = "voting_session"
	TokenTypeAdminAccess   = "access"
	TokenTypeAdminRefresh  = "refresh"

	votingAudience = "voting-session"
	adminAudience  = "admin"
)

// DefaultTTL is the voting session lifetime.
const DefaultTTL = 5 * time.Minute

// tokenClaims is the wire form of a voting session token.
type tokenClaims struct {
	VoterID        string `json:"voter_id"`
	ElectionID     string `json:"election_id"`
	ConstituencyID string `json:"constituency_id"`
	SessionID      string `json:"session_id"`
	Type           string `json:"type"`
	jwt.RegisteredClaims
}

// Claims is a parsed voting session.
type Claims struct {
	VoterExternalID string
	ElectionID      uuid.UUID
	ConstituencyID  uuid.UUID
	SessionID       string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Remaining is how long the token stays valid after now.
func (c *Claims) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
