// Package store implements the per-agent stores: the reactive state cache
// with escalation rules, the opaque key-value storage, and the persistent
// DOM container.
package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robman/flo.monster-sub000/internal/condition"
)

// State size caps. A write that would exceed either cap fails.
const (
	DefaultMaxStateKeys  = 10000
	DefaultMaxStateBytes = 1 << 20
)

// DefaultPersistDebounce coalesces bursts of writes into one persist.
const DefaultPersistDebounce = 500 * time.Millisecond

var ErrStateFull = errors.New("store: state size cap exceeded")

// EscalationRule produces a special event when its condition is satisfied
// on write to the key it guards.
type EscalationRule struct {
	Condition string `json:"condition"`
	Message   string `json:"message"`
}

// ChangeFunc observes a state write. old is nil for first writes and new is
// nil for deletes.
type ChangeFunc func(key string, old, new json.RawMessage)

// EscalateFunc receives triggered escalations.
type EscalateFunc func(key, message string, value json.RawMessage)

// StateStore is an in-memory key→JSON cache with change fan-out,
// escalation, and debounced persistence scheduling.
type StateStore struct {
	mu        sync.Mutex
	values    map[string]json.RawMessage
	rules     map[string]EscalationRule
	bytes     int
	maxKeys   int
	maxBytes  int
	nextSubID int
	onChange  map[int]ChangeFunc
	escalate  EscalateFunc

	persist       func()
	debounce      *time.Timer
	debounceDelay time.Duration

	logger *slog.Logger
}

// StateOption configures a StateStore.
type StateOption func(*StateStore)

// WithEscalate sets the escalation sink.
func WithEscalate(fn EscalateFunc) StateOption {
	return func(s *StateStore) { s.escalate = fn }
}

// WithPersist sets the debounced persist hook.
func WithPersist(fn func()) StateOption {
	return func(s *StateStore) { s.persist = fn }
}

// WithPersistDebounce overrides the persist coalescing delay.
func WithPersistDebounce(d time.Duration) StateOption {
	return func(s *StateStore) {
		if d > 0 {
			s.debounceDelay = d
		}
	}
}

// WithStateCaps overrides the size caps.
func WithStateCaps(maxKeys, maxBytes int) StateOption {
	return func(s *StateStore) {
		if maxKeys > 0 {
			s.maxKeys = maxKeys
		}
		if maxBytes > 0 {
			s.maxBytes = maxBytes
		}
	}
}

// NewStateStore creates an empty state store.
func NewStateStore(opts ...StateOption) *StateStore {
	s := &StateStore{
		values:        make(map[string]json.RawMessage),
		rules:         make(map[string]EscalationRule),
		onChange:      make(map[int]ChangeFunc),
		maxKeys:       DefaultMaxStateKeys,
		maxBytes:      DefaultMaxStateBytes,
		debounceDelay: DefaultPersistDebounce,
		logger:        slog.Default().With("component", "state"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value for key.
func (s *StateStore) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// All returns a copy of every key and value.
func (s *StateStore) All() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set writes a value, fans out change callbacks, evaluates the key's
// escalation rule, and schedules a debounced persist.
func (s *StateStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	old, had := s.values[key]
	grow := len(key) + len(value)
	if had {
		grow = len(value) - len(old)
	}
	if (!had && len(s.values) >= s.maxKeys) || s.bytes+grow > s.maxBytes {
		s.mu.Unlock()
		return ErrStateFull
	}
	s.values[key] = value
	s.bytes += grow
	subs := s.changeSubs()
	rule, hasRule := s.rules[key]
	escalate := s.escalate
	s.mu.Unlock()

	var oldRaw json.RawMessage
	if had {
		oldRaw = old
	}
	s.fanOut(subs, key, oldRaw, value)
	if hasRule && escalate != nil {
		if condition.Parse(rule.Condition).Eval(oldRaw, value) {
			escalate(key, rule.Message, value)
		}
	}
	s.schedulePersist()
	return nil
}

// Delete removes a key and fans out the change.
func (s *StateStore) Delete(key string) {
	s.mu.Lock()
	old, had := s.values[key]
	if had {
		delete(s.values, key)
		s.bytes -= len(key) + len(old)
	}
	subs := s.changeSubs()
	s.mu.Unlock()

	if had {
		s.fanOut(subs, key, old, nil)
		s.schedulePersist()
	}
}

// SetRule installs or replaces the escalation rule for a key.
func (s *StateStore) SetRule(key string, rule EscalationRule) {
	s.mu.Lock()
	s.rules[key] = rule
	s.mu.Unlock()
}

// RemoveRule drops the escalation rule for a key.
func (s *StateStore) RemoveRule(key string) {
	s.mu.Lock()
	delete(s.rules, key)
	s.mu.Unlock()
}

// Rules returns a copy of the escalation rules.
func (s *StateStore) Rules() map[string]EscalationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]EscalationRule, len(s.rules))
	for k, v := range s.rules {
		out[k] = v
	}
	return out
}

// OnChange registers a change callback and returns an idempotent
// unsubscribe handle.
func (s *StateStore) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.onChange[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.onChange, id)
			s.mu.Unlock()
		})
	}
}

// Restore replaces the full contents without firing callbacks or persists.
// Used during rehydration.
func (s *StateStore) Restore(values map[string]json.RawMessage, rules map[string]EscalationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]json.RawMessage, len(values))
	s.bytes = 0
	for k, v := range values {
		s.values[k] = v
		s.bytes += len(k) + len(v)
	}
	s.rules = make(map[string]EscalationRule, len(rules))
	for k, v := range rules {
		s.rules[k] = v
	}
}

// Flush cancels any pending debounce and persists immediately.
func (s *StateStore) Flush() {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	persist := s.persist
	s.mu.Unlock()
	if persist != nil {
		persist()
	}
}

func (s *StateStore) changeSubs() []ChangeFunc {
	subs := make([]ChangeFunc, 0, len(s.onChange))
	for _, fn := range s.onChange {
		subs = append(subs, fn)
	}
	return subs
}

func (s *StateStore) fanOut(subs []ChangeFunc, key string, old, new json.RawMessage) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("state change callback panicked", "key", key, "panic", r)
				}
			}()
			fn(key, old, new)
		}()
	}
}

func (s *StateStore) schedulePersist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist == nil {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	persist := s.persist
	s.debounce = time.AfterFunc(s.debounceDelay, persist)
}
