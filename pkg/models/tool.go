package models

import "encoding/json"

// ToolResult is the outcome of a tool execution. Failures are surfaced as
// result payloads with IsError set, never as protocol-level errors.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds an error-carrying tool result.
func ErrorResult(message string) ToolResult {
	return ToolResult{Content: message, IsError: true}
}

// ToolDescriptor describes one catalog entry announced to clients.
// BrowserOnly tools are routed to a subscribed browser for execution.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
	BrowserOnly bool            `json:"browserOnly,omitempty"`
}
