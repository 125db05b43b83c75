package models

import (
	"encoding/json"
	"time"
)

// ScheduleKind identifies how a schedule fires.
type ScheduleKind string

const (
	ScheduleCron  ScheduleKind = "cron"
	ScheduleEvent ScheduleKind = "event"
)

// PayloadKind identifies what a schedule dispatches when it fires.
type PayloadKind string

const (
	// PayloadMessage delivers text to the runner as a user message,
	// waking the agentic loop.
	PayloadMessage PayloadKind = "message"

	// PayloadTool dispatches a stored tool call through the agent's tool
	// pipeline. The LLM is not invoked.
	PayloadTool PayloadKind = "tool"
)

// EventTrigger names the event a schedule listens for. EventName is one of
// "state:<key>", "browser:connected", "browser:disconnected", or any custom
// name raised from sandboxed code.
type EventTrigger struct {
	EventName string `json:"eventName"`
	Condition string `json:"condition,omitempty"`
}

// SchedulePayload is the action taken when a schedule fires.
type SchedulePayload struct {
	Kind  PayloadKind     `json:"kind"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Schedule is one stored trigger on an agent.
type Schedule struct {
	ID        string          `json:"id"`
	Kind      ScheduleKind    `json:"kind"`
	Enabled   bool            `json:"enabled"`
	MaxRuns   int             `json:"maxRuns,omitempty"`
	RunCount  int             `json:"runCount,omitempty"`
	LastRunAt time.Time       `json:"lastRunAt,omitempty"`
	Cron      string          `json:"cron,omitempty"`
	Event     *EventTrigger   `json:"event,omitempty"`
	Payload   SchedulePayload `json:"payload"`
}
