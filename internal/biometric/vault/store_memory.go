package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"biovote/internal/biometric"
	"biovote/pkg/platform/sentinel"
)

type templateKey struct {
	voterID  uuid.UUID
	modality biometric.Modality
}

// InMemoryStore is a write-once map of templates.
type InMemoryStore struct {
	mu        sync.RWMutex
	templates map[templateKey]Template
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{templates: make(map[templateKey]Template)}
}

func (s *InMemoryStore) Insert(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := templateKey{t.VoterID, t.Modality}
	if _, ok := s.templates[k]; ok {
		return fmt.Errorf("insert template: %w", sentinel.ErrConflict)
	}
	s.templates[k] = *t
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, voterID uuid.UUID, modality biometric.Modality) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[templateKey{voterID, modality}]
	if !ok {
		return nil, fmt.Errorf("get template: %w", sentinel.ErrNotFound)
	}
	return &t, nil
}

// Corrupt overwrites the stored ciphertext; tests use it to simulate storage damage.
func (s *InMemoryStore) Corrupt(voterID uuid.UUID, modality biometric.Modality, mutate func(*Template)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := templateKey{voterID, modality}
	t := s.templates[k]
	mutate(&t)
	s.templates[k] = t
}
