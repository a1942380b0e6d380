// Package tracker records which voting sessions have been consumed. Every
// implementation offers atomic insert-if-absent keyed by session id with an
// expiry, shared by all server instances that point at the same backend.
package tracker

import (
	"context"
	"fmt"
	"time"

	"biovote/pkg/platform/sentinel"
)

// Tracker is the single-use session register.
type Tracker interface {
	// Consume marks sessionID used for ttl. It reports false when the session
	// was already consumed.
	Consume(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	IsConsumed(ctx context.Context, sessionID string) (bool, error)
	// Release forgets a consumption that did not lead to a committed vote.
	Release(ctx context.Context, sessionID string) error
	// Transactional trackers write through the transaction carried by ctx, so
	// a rollback undoes Consume and callers must not Release.
	Transactional() bool
}

// Sweeper deletes expired consumption records.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

func validate(sessionID string, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required: %w", sentinel.ErrInvalidState)
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive: %w", sentinel.ErrInvalidState)
	}
	return nil
}
