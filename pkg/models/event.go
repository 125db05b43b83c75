package models

import "encoding/json"

// RunnerState is the observable lifecycle state of an agent runner.
type RunnerState string

const (
	StatePending RunnerState = "pending"
	StateRunning RunnerState = "running"
	StatePaused  RunnerState = "paused"
	StateStopped RunnerState = "stopped"
)

// RunnerEventType identifies runner-level events delivered to onEvent
// subscribers.
type RunnerEventType string

const (
	RunnerStateChange  RunnerEventType = "state_change"
	RunnerMessage      RunnerEventType = "message"
	RunnerLoopComplete RunnerEventType = "loop_complete"
	RunnerError        RunnerEventType = "error"
	RunnerNotifyUser   RunnerEventType = "notify_user"
)

// RunnerEvent is one runner-level event.
type RunnerEvent struct {
	Type    RunnerEventType `json:"type"`
	AgentID string          `json:"agentId,omitempty"`
	State   RunnerState     `json:"state,omitempty"`
	Message *Message        `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// LoopEventType identifies loop-level events delivered to onAgentEvent
// subscribers while a turn is in flight.
type LoopEventType string

const (
	LoopTextDelta    LoopEventType = "text_delta"
	LoopTextDone     LoopEventType = "text_done"
	LoopToolUseStart LoopEventType = "tool_use_start"
	LoopToolUseDone  LoopEventType = "tool_use_done"
	LoopUsage        LoopEventType = "usage"
	LoopTurnEnd      LoopEventType = "turn_end"
)

// LoopEvent is one loop-level event.
type LoopEvent struct {
	Type      LoopEventType   `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	ToolUseID string          `json:"toolUseId,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    *ToolResult     `json:"result,omitempty"`

	// LoopUsage
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}
