package ratelimit

import (
	"context"
	"sync"
	"time"

	"biovote/pkg/requestcontext"
)

// InMemoryStore is a sliding-window counter local to this process.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string][]time.Time)}
}

func (s *InMemoryStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := requestcontext.Now(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := prune(s.windows[key], now.Add(-window))
	if len(stamps) >= limit {
		s.windows[key] = stamps
		reset := stamps[0].Add(window)
		return &Result{Limit: limit, ResetAt: reset, RetryAfter: reset.Sub(now)}, nil
	}

	stamps = append(stamps, now)
	s.windows[key] = stamps
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(stamps),
		ResetAt:   stamps[0].Add(window),
	}, nil
}

// prune drops timestamps at or before cutoff. stamps is ordered.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
