package attempt

import (
	"context"
	"slices"
	"sync"
)

// InMemoryStore keeps the trail in a slice. Append is serialised so the
// chain stays linear.
type InMemoryStore struct {
	mu       sync.Mutex
	attempts []*Attempt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := GenesisHash
	if n := len(s.attempts); n > 0 {
		prev = s.attempts[n-1].ChainHash
	}
	a.Seq = int64(len(s.attempts) + 1)
	Seal(prev, a)
	stored := *a
	s.attempts = append(s.attempts, &stored)
	return nil
}

func (s *InMemoryStore) ListByVoter(_ context.Context, externalID string, outcomes []Outcome, limit int) ([]*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Attempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.attempts[i]
		if a.ExternalVoterID != externalID {
			continue
		}
		if len(outcomes) > 0 && !slices.Contains(outcomes, a.Outcome) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) Walk(_ context.Context, fn func(*Attempt) bool) error {
	s.mu.Lock()
	snapshot := make([]Attempt, len(s.attempts))
	for i, a := range s.attempts {
		snapshot[i] = *a
	}
	s.mu.Unlock()

	for i := range snapshot {
		if !fn(&snapshot[i]) {
			return nil
		}
	}
	return nil
}

// Tamper overwrites the stored attempt at seq. Test helper for chain checks.
func (s *InMemoryStore) Tamper(seq int64, mutate func(*Attempt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 || int(seq) > len(s.attempts) {
		return
	}
	mutate(s.attempts[seq-1])
}
