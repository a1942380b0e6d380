package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"biovote/internal/voter/models"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
)

// InMemoryStore mirrors PostgresStore for tests and single-process demos.
// LockByID takes a per-voter lock held until the surrounding
// MemoryRunner unit of work ends.
type InMemoryStore struct {
	mu             sync.RWMutex
	voters         map[uuid.UUID]*models.Voter
	byExternal     map[string]uuid.UUID
	elections      map[uuid.UUID]*models.Election
	constituencies map[uuid.UUID]*models.Constituency
	candidates     map[uuid.UUID]*models.Candidate
	locks          *txcontext.KeyedMutex
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		voters:         make(map[uuid.UUID]*models.Voter),
		byExternal:     make(map[string]uuid.UUID),
		elections:      make(map[uuid.UUID]*models.Election),
		constituencies: make(map[uuid.UUID]*models.Constituency),
		candidates:     make(map[uuid.UUID]*models.Candidate),
		locks:          txcontext.NewKeyedMutex(),
	}
}

// PutVoter stores a copy of v; registration is external so this is a seeding helper.
func (s *InMemoryStore) PutVoter(v *models.Voter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.voters[v.ID] = &cp
	s.byExternal[v.ExternalID] = v.ID
}

func (s *InMemoryStore) PutElection(e *models.Election) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.elections[e.ID] = &cp
}

func (s *InMemoryStore) PutConstituency(c *models.Constituency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.constituencies[c.ID] = &cp
}

func (s *InMemoryStore) PutCandidate(c *models.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.candidates[c.ID] = &cp
}

func (s *InMemoryStore) FindByExternalID(_ context.Context, externalID string) (*models.Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, fmt.Errorf("find voter by external id: %w", sentinel.ErrNotFound)
	}
	return copyVoter(s.voters[id]), nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*models.Voter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voters[id]
	if !ok {
		return nil, fmt.Errorf("find voter: %w", sentinel.ErrNotFound)
	}
	return copyVoter(v), nil
}

func (s *InMemoryStore) LockByID(ctx context.Context, id uuid.UUID) (*models.Voter, error) {
	if err := s.locks.Lock(ctx, id.String()); err != nil {
		return nil, fmt.Errorf("lock voter: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *InMemoryStore) UpdateAuthState(_ context.Context, id uuid.UUID, state models.AuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voters[id]
	if !ok {
		return fmt.Errorf("update auth state: %w", sentinel.ErrNotFound)
	}
	v.FailedAuthCount = state.FailedAuthCount
	v.LockedOut = state.LockedOut
	v.LockoutAt = copyTime(state.LockoutAt)
	return nil
}

func (s *InMemoryStore) MarkVoted(_ context.Context, id uuid.UUID, votedAt time.Time, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voters[id]
	if !ok {
		return fmt.Errorf("mark voted: %w", sentinel.ErrNotFound)
	}
	if v.HasVoted {
		return fmt.Errorf("mark voted: %w", sentinel.ErrConflict)
	}
	v.HasVoted = true
	v.VotedAt = &votedAt
	v.VoteTxHash = txHash
	return nil
}

func (s *InMemoryStore) FindElection(_ context.Context, id uuid.UUID) (*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elections[id]
	if !ok {
		return nil, fmt.Errorf("find election: %w", sentinel.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *InMemoryStore) FindConstituency(_ context.Context, id uuid.UUID) (*models.Constituency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.constituencies[id]
	if !ok {
		return nil, fmt.Errorf("find constituency: %w", sentinel.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) FindCandidate(_ context.Context, id uuid.UUID) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("find candidate: %w", sentinel.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ListCandidates(_ context.Context, constituencyID uuid.UUID, activeOnly bool) ([]*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Candidate
	for _, c := range s.candidates {
		if c.ConstituencyID != constituencyID || (activeOnly && !c.Active) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnChainID < out[j].OnChainID })
	return out, nil
}

func copyVoter(v *models.Voter) *models.Voter {
	cp := *v
	cp.VotedAt = copyTime(v.VotedAt)
	cp.LockoutAt = copyTime(v.LockoutAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
