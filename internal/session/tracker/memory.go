package tracker

import (
	"context"
	"sync"
	"time"

	"biovote/pkg/requestcontext"
)

// MemoryTracker is a process-local tracker for tests and single-node
// development.
type MemoryTracker struct {
	mu       sync.Mutex
	consumed map[string]time.Time
}

func NewMemory() *MemoryTracker {
	return &MemoryTracker{consumed: make(map[string]time.Time)}
}

func (t *MemoryTracker) Consume(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if err := validate(sessionID, ttl); err != nil {
		return false, err
	}
	now := requestcontext.Now(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if exp, ok := t.consumed[sessionID]; ok && now.Before(exp) {
		return false, nil
	}
	t.consumed[sessionID] = now.Add(ttl)
	return true, nil
}

func (t *MemoryTracker) IsConsumed(ctx context.Context, sessionID string) (bool, error) {
	now := requestcontext.Now(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.consumed[sessionID]
	return ok && now.Before(exp), nil
}

func (t *MemoryTracker) Release(_ context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumed, sessionID)
	return nil
}

func (t *MemoryTracker) Transactional() bool { return false }

func (t *MemoryTracker) Sweep(_ context.Context, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for id, exp := range t.consumed {
		if !now.Before(exp) {
			delete(t.consumed, id)
			n++
		}
	}
	return n, nil
}
