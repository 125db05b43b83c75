package store

import (
	"encoding/json"
	"sort"
	"sync"
)

// StorageStore is the agent's opaque key→JSON workspace mapping. Unlike the
// state cache it carries no escalation or change fan-out.
type StorageStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

// NewStorageStore creates an empty storage store.
func NewStorageStore() *StorageStore {
	return &StorageStore{values: make(map[string]json.RawMessage)}
}

// Get returns the value for key.
func (s *StorageStore) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set writes a value.
func (s *StorageStore) Set(key string, value json.RawMessage) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// Delete removes a key.
func (s *StorageStore) Delete(key string) {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

// List returns the keys in sorted order.
func (s *StorageStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the full mapping.
func (s *StorageStore) Snapshot() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Restore replaces the full contents.
func (s *StorageStore) Restore(values map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}
