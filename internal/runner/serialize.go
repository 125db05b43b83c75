package runner

import (
	"encoding/json"

	"github.com/robman/flo.monster-sub000/internal/store"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// StateStorageKey is the reserved storage key the state cache is packed
// into, so a consumer of storage alone can reconstruct state.
const StateStorageKey = "__hub_state"

type packedState struct {
	State           map[string]json.RawMessage      `json:"state"`
	EscalationRules map[string]store.EscalationRule `json:"escalationRules,omitempty"`
}

// Serialize returns a snapshot of the runner: conversation, config,
// storage (with the state cache packed under StateStorageKey), metadata,
// and DOM snapshot.
func (r *Runner) Serialize() *models.Session {
	r.mu.Lock()
	conversation := repairConversation(append([]models.Message(nil), r.conversation...))
	config := r.config
	metadata := r.metadata
	dependencies := r.dependencies
	r.mu.Unlock()

	metadata.SerializedAt = r.now()

	storage := r.storage.Snapshot()
	packed := packedState{
		State:           r.stateCache.All(),
		EscalationRules: r.stateCache.Rules(),
	}
	if data, err := json.Marshal(packed); err == nil {
		storage[StateStorageKey] = data
	} else {
		r.logger.Warn("pack state cache failed", "error", err)
	}

	return &models.Session{
		Version:      models.SessionVersion,
		AgentID:      r.agentID,
		Config:       config,
		Conversation: conversation,
		Storage:      storage,
		Metadata:     metadata,
		DOMState:     r.dom.Capture(),
		Dependencies: dependencies,
	}
}

// SetDOMState bulk-replaces the DOM snapshot, synchronizing the internal
// container.
func (r *Runner) SetDOMState(snapshot *models.DOMState) error {
	return r.dom.Restore(snapshot)
}

// GetDOMState captures the current DOM snapshot.
func (r *Runner) GetDOMState() *models.DOMState {
	return r.dom.Capture()
}

// restoreStores unpacks storage and the reserved state key into the live
// stores.
func (r *Runner) restoreStores(sess *models.Session) {
	storage := make(map[string]json.RawMessage, len(sess.Storage))
	for k, v := range sess.Storage {
		storage[k] = v
	}
	if data, ok := storage[StateStorageKey]; ok {
		delete(storage, StateStorageKey)
		var packed packedState
		if err := json.Unmarshal(data, &packed); err == nil {
			r.stateCache.Restore(packed.State, packed.EscalationRules)
		} else {
			r.logger.Warn("unpack state cache failed", "error", err)
		}
	}
	r.storage.Restore(storage)
}

// repairConversation drops user messages at either boundary that consist of
// tool results alone; a snapshot must not begin or end the user side of the
// exchange mid-tool-call.
func repairConversation(conversation []models.Message) []models.Message {
	firstUser, lastUser := -1, -1
	for i, m := range conversation {
		if m.Role == models.RoleUser {
			if firstUser < 0 {
				firstUser = i
			}
			lastUser = i
		}
	}
	drop := map[int]bool{}
	if firstUser >= 0 && conversation[firstUser].IsToolResultOnly() {
		drop[firstUser] = true
	}
	if lastUser >= 0 && conversation[lastUser].IsToolResultOnly() {
		drop[lastUser] = true
	}
	if len(drop) == 0 {
		return conversation
	}
	out := conversation[:0]
	for i, m := range conversation {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return repairConversation(out)
}
