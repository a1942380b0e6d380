package models

import (
	"time"

	"github.com/google/uuid"
)

// ElectionStatusActive marks the election currently accepting votes.
const ElectionStatusActive = "active"

// Voter is the registration record. The core mutates only the authentication
// and voting state fields.
type Voter struct {
	ID              uuid.UUID
	ExternalID      string
	FullName        string
	ConstituencyID  uuid.UUID
	HasVoted        bool
	VotedAt         *time.Time
	VoteTxHash      string
	FailedAuthCount int
	LockedOut       bool
	LockoutAt       *time.Time
}

// AuthState is the throttle-owned slice of a voter record.
type AuthState struct {
	FailedAuthCount int
	LockedOut       bool
	LockoutAt       *time.Time
}

func (v *Voter) AuthState() AuthState {
	return AuthState{
		FailedAuthCount: v.FailedAuthCount,
		LockedOut:       v.LockedOut,
		LockoutAt:       v.LockoutAt,
	}
}

type Election struct {
	ID     uuid.UUID
	Name   string
	Status string
}

func (e *Election) IsActive() bool { return e.Status == ElectionStatusActive }

type Constituency struct {
	ID         uuid.UUID
	ElectionID uuid.UUID
	Name       string
	Code       string
	OnChainID  int64
}

type Candidate struct {
	ID             uuid.UUID
	ElectionID     uuid.UUID
	ConstituencyID uuid.UUID
	Name           string
	Party          string
	OnChainID      int64
	Active         bool
}
