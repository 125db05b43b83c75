package models

import (
	"encoding/json"
	"time"
)

// SessionVersion is the current serialization version.
const SessionVersion = 1

// AgentConfig holds the static configuration of one agent.
type AgentConfig struct {
	Model         string          `json:"model,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	SystemPrompt  string          `json:"systemPrompt,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	TokenBudget   int             `json:"tokenBudget,omitempty"`
	CostBudget    float64         `json:"costBudget,omitempty"`
	NetworkPolicy json.RawMessage `json:"networkPolicy,omitempty"`
}

// SessionMetadata carries cumulative accounting for an agent.
type SessionMetadata struct {
	CreatedAt    time.Time `json:"createdAt,omitempty"`
	SerializedAt time.Time `json:"serializedAt,omitempty"`
	TotalTokens  int       `json:"totalTokens,omitempty"`
	TotalCost    float64   `json:"totalCost,omitempty"`
}

// Session is the durable snapshot of one agent: everything needed to
// rehydrate a runner after a hub restart.
type Session struct {
	Version      int                        `json:"version"`
	AgentID      string                     `json:"agentId"`
	Config       AgentConfig                `json:"config"`
	Conversation []Message                  `json:"conversation"`
	Storage      map[string]json.RawMessage `json:"storage,omitempty"`
	Metadata     SessionMetadata            `json:"metadata"`
	DOMState     *DOMState                  `json:"domState,omitempty"`
	Schedules    []Schedule                 `json:"schedules,omitempty"`

	// Dependencies references skills/extensions/hooks catalogs by id.
	// Opaque to the hub.
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
}

// Normalize migrates legacy shapes in place and returns the session.
func (s *Session) Normalize() *Session {
	if s.Version == 0 {
		s.Version = SessionVersion
	}
	for i, m := range s.Conversation {
		s.Conversation[i] = NormalizeMessage(m)
	}
	if s.Storage == nil {
		s.Storage = make(map[string]json.RawMessage)
	}
	return s
}

// Clone deep-copies the session through JSON. Used when handing snapshots
// across goroutine boundaries.
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
