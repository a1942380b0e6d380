package throttle

import (
	"time"

	"biovote/internal/voter/models"
)

// State of a voter in the throttle state machine.
type State string

const (
	StateActive State = "ACTIVE"
	StateLocked State = "LOCKED"
)

// Policy is the lockout rule set: a voter is locked on the MaxAttempts-th
// consecutive failure and unlocked lazily once LockoutDuration has elapsed.
type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// DefaultPolicy is three attempts and a thirty minute lockout.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, LockoutDuration: 30 * time.Minute}
}

// Verdict describes the outcome of a transition.
type Verdict struct {
	State             State
	RemainingAttempts int
	RetryAfter        time.Duration
	// Unlocked is set when an expired lockout was cleared by this transition.
	Unlocked bool
	// JustLocked is set when this transition moved the voter to LOCKED.
	JustLocked bool
}

// StateOf classifies st.
func StateOf(st models.AuthState) State {
	if st.LockedOut {
		return StateLocked
	}
	return StateActive
}

func (p Policy) remaining(count int) int {
	return max(p.MaxAttempts-count, 0)
}

// Admit evaluates whether an attempt may proceed at now. An expired lockout is
// cleared (count reset, flag dropped). A locked voter without a lockout
// timestamp starts its lockout clock at now.
func (p Policy) Admit(st models.AuthState, now time.Time) (models.AuthState, Verdict) {
	if !st.LockedOut {
		return st, Verdict{State: StateActive, RemainingAttempts: p.remaining(st.FailedAuthCount)}
	}
	if st.LockoutAt == nil {
		at := now
		st.LockoutAt = &at
	}
	until := st.LockoutAt.Add(p.LockoutDuration)
	if now.Before(until) {
		return st, Verdict{State: StateLocked, RetryAfter: until.Sub(now)}
	}
	cleared := models.AuthState{FailedAuthCount: 0, LockedOut: false, LockoutAt: nil}
	return cleared, Verdict{State: StateActive, RemainingAttempts: p.MaxAttempts, Unlocked: true}
}

// Apply records a match outcome. It first runs Admit so a concurrently locked
// voter is reported locked without consuming an attempt.
func (p Policy) Apply(st models.AuthState, matched bool, now time.Time) (models.AuthState, Verdict) {
	st, v := p.Admit(st, now)
	if v.State == StateLocked {
		return st, v
	}
	if matched {
		st.FailedAuthCount = 0
		return st, Verdict{State: StateActive, RemainingAttempts: p.MaxAttempts, Unlocked: v.Unlocked}
	}

	st.FailedAuthCount++
	if st.FailedAuthCount >= p.MaxAttempts {
		at := now
		st.LockedOut = true
		st.LockoutAt = &at
		return st, Verdict{
			State:      StateLocked,
			RetryAfter: p.LockoutDuration,
			Unlocked:   v.Unlocked,
			JustLocked: true,
		}
	}
	return st, Verdict{State: StateActive, RemainingAttempts: p.remaining(st.FailedAuthCount), Unlocked: v.Unlocked}
}
