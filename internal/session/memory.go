package session

import (
	"context"
	"sort"
	"sync"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral hubs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Save stores a deep copy of the session.
func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[session.AgentID] = data
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored session.
func (s *MemoryStore) Load(_ context.Context, agentID string) (*models.Session, error) {
	s.mu.RLock()
	data, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(data)
}

// Delete removes the stored session.
func (s *MemoryStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.sessions, agentID)
	s.mu.Unlock()
	return nil
}

// List returns the stored agent ids in sorted order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
