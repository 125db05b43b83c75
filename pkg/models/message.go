// Package models provides the domain types shared by the hub runtime:
// conversation messages, agent sessions, schedules, DOM snapshots, and the
// event stream emitted by agent runners.
package models

import (
	"encoding/json"
	"strings"
)

// Role indicates the message author type. Messages without a role are
// display-only and never enter LLM context.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType refines a message beyond its role.
type MessageType string

const (
	// MessageIntervention marks a user message produced while the user had
	// direct control of the agent's browser session. Included in LLM context.
	MessageIntervention MessageType = "intervention"

	// MessageAnnouncement marks a role-less, display-only system notice.
	// Filtered out of LLM context.
	MessageAnnouncement MessageType = "announcement"
)

// Block types for message content.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one typed element of a message body.
type ContentBlock struct {
	Type string `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is a single conversation entry. Role and Type are both optional;
// their combination is the full taxonomy:
//
//	role=user              ordinary user input
//	role=user type=intervention   user took direct control of the page
//	role=assistant         model output
//	type=announcement      display-only notice, no role
type Message struct {
	Role    Role           `json:"role,omitempty"`
	Type    MessageType    `json:"type,omitempty"`
	Content []ContentBlock `json:"content"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// UserMessage builds an ordinary user message from text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// InterventionMessage builds an intervention-typed user message.
func InterventionMessage(text string) Message {
	return Message{Role: RoleUser, Type: MessageIntervention, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message from text.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// Announcement builds a role-less display-only message.
func Announcement(text string) Message {
	return Message{Type: MessageAnnouncement, Content: []ContentBlock{TextBlock(text)}}
}

// InContext reports whether the message participates in LLM context.
func (m Message) InContext() bool {
	return m.Role != ""
}

// PlainText concatenates the text blocks of the message.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// IsToolResultOnly reports whether every content block is a tool_result.
// Conversation integrity requires the first and last user messages to carry
// more than tool results.
func (m Message) IsToolResultOnly() bool {
	if len(m.Content) == 0 {
		return false
	}
	for _, block := range m.Content {
		if block.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// NormalizeMessage migrates legacy message shapes on load. Messages stored
// with role=system become role-less announcements.
func NormalizeMessage(m Message) Message {
	if string(m.Role) == "system" {
		m.Role = ""
		if m.Type == "" {
			m.Type = MessageAnnouncement
		}
	}
	return m
}

// ContextHistory filters a conversation down to the messages that carry a
// role, i.e. the slice handed to the agentic loop.
func ContextHistory(conversation []Message) []Message {
	out := make([]Message, 0, len(conversation))
	for _, m := range conversation {
		if m.InContext() {
			out = append(out, m)
		}
	}
	return out
}
