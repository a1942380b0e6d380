package vote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"biovote/pkg/platform/sentinel"
)

type voterElection struct {
	voter    uuid.UUID
	election uuid.UUID
}

// InMemoryStore is the Store used by tests and single-process demos.
type InMemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*Submission
	byVoter     map[voterElection]string
	intents     map[string]*Intent
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		submissions: make(map[string]*Submission),
		byVoter:     make(map[voterElection]string),
		intents:     make(map[string]*Intent),
	}
}

func (s *InMemoryStore) InsertSubmission(_ context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voterElection{sub.VoterID, sub.ElectionID}
	if _, ok := s.byVoter[key]; ok {
		return fmt.Errorf("insert submission: %w", sentinel.ErrConflict)
	}
	if _, ok := s.submissions[sub.TxHash]; ok {
		return fmt.Errorf("insert submission: %w", sentinel.ErrConflict)
	}
	for _, existing := range s.submissions {
		if existing.SessionID == sub.SessionID {
			return fmt.Errorf("insert submission: %w", sentinel.ErrConflict)
		}
	}
	cp := *sub
	s.submissions[sub.TxHash] = &cp
	s.byVoter[key] = sub.TxHash
	return nil
}

func (s *InMemoryStore) FindSubmissionByTxHash(_ context.Context, txHash string) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[txHash]
	if !ok {
		return nil, fmt.Errorf("find submission: %w", sentinel.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (s *InMemoryStore) FindSubmissionByVoter(_ context.Context, voterID, electionID uuid.UUID) (*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byVoter[voterElection{voterID, electionID}]
	if !ok {
		return nil, fmt.Errorf("find submission: %w", sentinel.ErrNotFound)
	}
	cp := *s.submissions[hash]
	return &cp, nil
}

// CountSubmissions reports how many submissions exist for the voter and
// election.
func (s *InMemoryStore) CountSubmissions(voterID, electionID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sub := range s.submissions {
		if sub.VoterID == voterID && sub.ElectionID == electionID {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) SaveIntent(_ context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.intents[in.SessionID]; ok && existing.Status != IntentFailed {
		return fmt.Errorf("save intent: %w", sentinel.ErrConflict)
	}
	cp := *in
	cp.Status = IntentPending
	cp.TxHash = ""
	s.intents[in.SessionID] = &cp
	return nil
}

func (s *InMemoryStore) FindIntent(_ context.Context, sessionID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[sessionID]
	if !ok {
		return nil, fmt.Errorf("find intent: %w", sentinel.ErrNotFound)
	}
	cp := *in
	return &cp, nil
}

func (s *InMemoryStore) FindPendingIntent(_ context.Context, voterID, electionID uuid.UUID) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Intent
	for _, in := range s.intents {
		if in.Status != IntentPending || in.VoterID != voterID || in.ElectionID != electionID {
			continue
		}
		if found == nil || in.CreatedAt.After(found.CreatedAt) {
			found = in
		}
	}
	if found == nil {
		return nil, fmt.Errorf("find pending intent: %w", sentinel.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (s *InMemoryStore) ListPendingIntents(_ context.Context, before time.Time, limit int) ([]*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Intent
	for _, in := range s.intents {
		if in.Status == IntentPending && in.CreatedAt.Before(before) {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkIntentCommitted(_ context.Context, sessionID, txHash string, at time.Time) error {
	return s.transition(sessionID, IntentCommitted, txHash, at)
}

func (s *InMemoryStore) MarkIntentFailed(_ context.Context, sessionID string, at time.Time) error {
	return s.transition(sessionID, IntentFailed, "", at)
}

func (s *InMemoryStore) transition(sessionID string, to IntentStatus, txHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[sessionID]
	if !ok {
		return fmt.Errorf("update intent: %w", sentinel.ErrNotFound)
	}
	if in.Status != IntentPending {
		return nil
	}
	in.Status = to
	in.TxHash = txHash
	in.UpdatedAt = at
	return nil
}
