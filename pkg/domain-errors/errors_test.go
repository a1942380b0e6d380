package domainerrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, CodeLedgerUnavailable, "submit vote")
	outer := fmt.Errorf("cast: %w", wrapped)

	assert.True(t, HasCode(outer, CodeLedgerUnavailable))
	assert.False(t, HasCode(outer, CodeInternal))
	assert.True(t, errors.Is(outer, base))
	assert.False(t, HasCode(base, CodeInternal))
}

func TestHasCode_NestedDomainErrors(t *testing.T) {
	inner := New(CodeLockedOut, "locked")
	outer := Wrap(inner, CodeInternal, "throttle")

	assert.True(t, HasCode(outer, CodeInternal))
	assert.True(t, HasCode(outer, CodeLockedOut))
	assert.Equal(t, CodeInternal, CodeOf(outer))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "noop"))
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Wrap(errors.New("x"), CodeReplaySession, "seen")
	assert.True(t, errors.Is(err, New(CodeReplaySession, "")))
	assert.False(t, errors.Is(err, New(CodeTokenExpired, "")))
}

func TestDetailOf(t *testing.T) {
	remaining := 2
	err := New(CodeBiometricMismatch, "no match").WithDetail(Detail{RemainingAttempts: &remaining})
	wrapped := fmt.Errorf("auth: %w", err)

	d := DetailOf(wrapped)
	require.NotNil(t, d)
	require.NotNil(t, d.RemainingAttempts)
	assert.Equal(t, 2, *d.RemainingAttempts)

	locked := New(CodeLockedOut, "locked").WithDetail(Detail{RetryAfter: 10 * time.Minute})
	assert.Equal(t, 10*time.Minute, DetailOf(locked).RetryAfter)
	assert.Nil(t, DetailOf(errors.New("plain")))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("foreign")))
}
