package store

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSetGetDelete(t *testing.T) {
	s := NewStateStore()

	var changes []string
	unsub := s.OnChange(func(key string, old, new json.RawMessage) {
		changes = append(changes, key)
	})
	defer unsub()

	require.NoError(t, s.Set("score", json.RawMessage(`42`)))
	v, ok := s.Get("score")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`42`), v)

	s.Delete("score")
	_, ok = s.Get("score")
	assert.False(t, ok)

	assert.Equal(t, []string{"score", "score"}, changes)
}

func TestStateUnsubscribeIsIdempotent(t *testing.T) {
	s := NewStateStore()
	calls := 0
	unsub := s.OnChange(func(string, json.RawMessage, json.RawMessage) { calls++ })
	unsub()
	unsub()
	require.NoError(t, s.Set("k", json.RawMessage(`1`)))
	assert.Zero(t, calls)
}

func TestStateCallbackPanicIsContained(t *testing.T) {
	s := NewStateStore()
	s.OnChange(func(string, json.RawMessage, json.RawMessage) { panic("boom") })
	called := false
	s.OnChange(func(string, json.RawMessage, json.RawMessage) { called = true })
	require.NoError(t, s.Set("k", json.RawMessage(`1`)))
	assert.True(t, called)
}

func TestStateEscalation(t *testing.T) {
	type escalation struct {
		key, message string
	}
	var got []escalation
	s := NewStateStore(WithEscalate(func(key, message string, _ json.RawMessage) {
		got = append(got, escalation{key, message})
	}))
	s.SetRule("temp", EscalationRule{Condition: "> 100", Message: "too hot"})

	require.NoError(t, s.Set("temp", json.RawMessage(`99`)))
	assert.Empty(t, got)
	require.NoError(t, s.Set("temp", json.RawMessage(`101`)))
	require.Len(t, got, 1)
	assert.Equal(t, escalation{"temp", "too hot"}, got[0])
}

func TestStatePredicateRuleIsInert(t *testing.T) {
	fired := false
	s := NewStateStore(WithEscalate(func(string, string, json.RawMessage) { fired = true }))
	s.SetRule("x", EscalationRule{Condition: "(v) => v > 0", Message: "never"})
	require.NoError(t, s.Set("x", json.RawMessage(`5`)))
	assert.False(t, fired)
}

func TestStateSizeCaps(t *testing.T) {
	s := NewStateStore(WithStateCaps(2, 1024))
	require.NoError(t, s.Set("a", json.RawMessage(`1`)))
	require.NoError(t, s.Set("b", json.RawMessage(`2`)))
	assert.ErrorIs(t, s.Set("c", json.RawMessage(`3`)), ErrStateFull)
	// Overwrites of existing keys stay allowed.
	require.NoError(t, s.Set("a", json.RawMessage(`10`)))
}

func TestStateByteCap(t *testing.T) {
	s := NewStateStore(WithStateCaps(100, 16))
	assert.ErrorIs(t, s.Set("k", json.RawMessage(`"aaaaaaaaaaaaaaaaaaaaaa"`)), ErrStateFull)
}

func TestStateDebouncedPersist(t *testing.T) {
	var mu sync.Mutex
	persists := 0
	s := NewStateStore(
		WithPersist(func() {
			mu.Lock()
			persists++
			mu.Unlock()
		}),
		WithPersistDebounce(20*time.Millisecond),
	)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set("k", json.RawMessage(`1`)))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return persists == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStateRestoreSkipsCallbacks(t *testing.T) {
	s := NewStateStore()
	calls := 0
	s.OnChange(func(string, json.RawMessage, json.RawMessage) { calls++ })
	s.Restore(
		map[string]json.RawMessage{"a": json.RawMessage(`1`)},
		map[string]EscalationRule{"a": {Condition: "changed", Message: "m"}},
	)
	assert.Zero(t, calls)
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`1`), v)
	assert.Len(t, s.Rules(), 1)
}
