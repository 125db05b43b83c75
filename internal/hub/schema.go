package hub

import (
	"encoding/json"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// inbound is the envelope every client frame decodes into. Fields are a
// union across message kinds; the Type discriminator says which apply.
type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// tool_request, fetch_request, api_proxy_request
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	URL      string          `json:"url,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Path     string          `json:"path,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// agent addressing: subscribe/unsubscribe/action/send_message use
	// agentId; write-throughs use hubAgentId.
	AgentID    string `json:"agentId,omitempty"`
	HubAgentID string `json:"hubAgentId,omitempty"`
	Action     string `json:"action,omitempty"`
	Content    string `json:"content,omitempty"`

	// persist_agent / restore_agent
	Session        json.RawMessage `json:"session,omitempty"`
	KeyHashes      json.RawMessage `json:"keyHashes,omitempty"`
	APIKey         string          `json:"apiKey,omitempty"`
	APIKeyProvider string          `json:"apiKeyProvider,omitempty"`

	// write-through; file paths share the Path field with api_proxy_request
	Key      string           `json:"key,omitempty"`
	Value    json.RawMessage  `json:"value,omitempty"`
	DOMState *models.DOMState `json:"domState,omitempty"`

	// browser_tool_result, skill_approval_response
	Result   *models.ToolResult `json:"result,omitempty"`
	Approved bool               `json:"approved,omitempty"`

	// browse_*
	Mode string `json:"mode,omitempty"`

	// push_*
	Subscription json.RawMessage `json:"subscription,omitempty"`
	Pin          string          `json:"pin,omitempty"`

	// visibility_state
	Visible bool `json:"visible,omitempty"`
}

// outbound frames are built ad hoc as maps keyed by "type"; the helpers
// below cover the common shapes.

func errorFrame(id, message string) map[string]any {
	frame := map[string]any{"type": "error", "message": message}
	if id != "" {
		frame["id"] = id
	}
	return frame
}

func authResultFrame(success bool, errMsg, hubName string, sharedProviders []string, httpAPIURL, streamURL string) map[string]any {
	frame := map[string]any{"type": "auth_result", "success": success}
	if !success {
		frame["error"] = errMsg
		return frame
	}
	frame["hubName"] = hubName
	if len(sharedProviders) > 0 {
		frame["sharedProviders"] = sharedProviders
	}
	if httpAPIURL != "" {
		frame["httpApiUrl"] = httpAPIURL
	}
	if streamURL != "" {
		frame["streamUrl"] = streamURL
	}
	return frame
}

func toolResultFrame(id string, res models.ToolResult) map[string]any {
	return map[string]any{
		"type":     "tool_result",
		"id":       id,
		"content":  res.Content,
		"is_error": res.IsError,
	}
}

func agentEventFrame(agentID string, ev models.RunnerEvent) map[string]any {
	return map[string]any{"type": "agent_event", "agentId": agentID, "event": ev}
}

func agentLoopEventFrame(agentID string, ev models.LoopEvent) map[string]any {
	return map[string]any{"type": "agent_loop_event", "agentId": agentID, "event": ev}
}

func contextChangeFrame(agentID string, tools []models.ToolDescriptor) map[string]any {
	return map[string]any{"type": "context_change", "agentId": agentID, "tools": tools}
}

func statePushFrame(agentID, key string, value json.RawMessage, action string) map[string]any {
	return map[string]any{"type": "state_push", "hubAgentId": agentID, "key": key, "value": value, "action": action}
}

func filePushFrame(agentID, path, content, action string) map[string]any {
	return map[string]any{"type": "file_push", "hubAgentId": agentID, "path": path, "content": content, "action": action}
}
