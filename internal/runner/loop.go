// Package runner hosts one agent's lifecycle: the pending/running/paused/
// stopped state machine, the single-slot message queue, loop orchestration
// with deferred transitions, event emission, and serialization.
package runner

import (
	"context"
	"encoding/json"

	"github.com/robman/flo.monster-sub000/internal/session"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// ProviderAdapter is the contract the runner hands through to the agentic
// loop. Request shaping, streaming parse, and cost estimation live behind
// it; the hub never looks inside.
type ProviderAdapter interface {
	// Name identifies the provider (e.g. "anthropic").
	Name() string
}

// SendFunc issues a raw provider API request on behalf of the loop.
type SendFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// ToolExecFunc dispatches one tool call through the agent's tool pipeline.
type ToolExecFunc func(ctx context.Context, name string, input json.RawMessage) (models.ToolResult, error)

// EmitFunc forwards a loop-level event to runner subscribers.
type EmitFunc func(models.LoopEvent)

// LoopRequest is the argument bag for one loop turn. History is already
// filtered to messages with a role; announcements never reach the loop.
type LoopRequest struct {
	AgentID         string
	Config          models.AgentConfig
	Input           models.Message
	History         []models.Message
	Adapter         ProviderAdapter
	SendAPIRequest  SendFunc
	ExecuteToolCall ToolExecFunc
	Emit            EmitFunc
	AgentStore      session.Store
}

// LoopResult carries the messages a completed turn appends to history.
type LoopResult struct {
	Messages []models.Message
}

// Loop is the external agentic loop contract: it takes configuration, the
// new user input, and role-bearing history, drives the LLM/tool exchange,
// emits events through req.Emit, and returns the messages to append.
type Loop func(ctx context.Context, req LoopRequest) (*LoopResult, error)

// Dependencies is the injected collaborator bag. A runner constructed with
// a nil Loop is inert: messages append to history but no turn ever starts.
type Dependencies struct {
	Loop            Loop
	Adapter         ProviderAdapter
	SendAPIRequest  SendFunc
	ExecuteToolCall ToolExecFunc
	Store           session.Store
}
