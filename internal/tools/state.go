package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robman/flo.monster-sub000/internal/store"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// StoresFunc resolves an agent's live stores.
type StoresFunc func(agentID string) (*store.StateStore, *store.StorageStore, error)

// StateTool exposes the agent's reactive state cache.
type StateTool struct {
	stores StoresFunc
}

// NewStateTool creates the state tool.
func NewStateTool(stores StoresFunc) *StateTool {
	return &StateTool{stores: stores}
}

func (t *StateTool) Name() string { return "state" }

func (t *StateTool) Description() string {
	return "Read and write the agent's reactive state cache. Writes trigger change listeners and escalation rules."
}

func (t *StateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["get", "set", "getAll", "setRule"]},
			"key": {"type": "string"},
			"value": {},
			"condition": {"type": "string", "description": "Escalation condition (setRule)."},
			"message": {"type": "string", "description": "Escalation message (setRule)."}
		},
		"required": ["action"]
	}`)
}

func (t *StateTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Action    string          `json:"action"`
		Key       string          `json:"key"`
		Value     json.RawMessage `json:"value"`
		Condition string          `json:"condition"`
		Message   string          `json:"message"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("state: invalid input: " + err.Error()), nil
	}
	state, _, err := t.stores(agentID)
	if err != nil {
		return errResult(err.Error()), nil
	}

	switch params.Action {
	case "get":
		v, ok := state.Get(params.Key)
		if !ok {
			return &models.ToolResult{Content: "null"}, nil
		}
		return &models.ToolResult{Content: string(v)}, nil
	case "set":
		if err := state.Set(params.Key, params.Value); err != nil {
			return errResult(err.Error()), nil
		}
		return &models.ToolResult{Content: fmt.Sprintf("State %s updated", params.Key)}, nil
	case "getAll":
		data, err := json.Marshal(state.All())
		if err != nil {
			return nil, err
		}
		return &models.ToolResult{Content: string(data)}, nil
	case "setRule":
		state.SetRule(params.Key, store.EscalationRule{Condition: params.Condition, Message: params.Message})
		return &models.ToolResult{Content: fmt.Sprintf("Escalation rule set for %s", params.Key)}, nil
	default:
		return errResult(fmt.Sprintf("state: unknown action %q", params.Action)), nil
	}
}

// StorageTool exposes the agent's key-value storage.
type StorageTool struct {
	stores StoresFunc
}

// NewStorageTool creates the storage tool.
func NewStorageTool(stores StoresFunc) *StorageTool {
	return &StorageTool{stores: stores}
}

func (t *StorageTool) Name() string { return "storage" }

func (t *StorageTool) Description() string {
	return "Read and write the agent's persistent key-value storage."
}

func (t *StorageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["get", "set", "delete", "list"]},
			"key": {"type": "string"},
			"value": {}
		},
		"required": ["action"]
	}`)
}

func (t *StorageTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Action string          `json:"action"`
		Key    string          `json:"key"`
		Value  json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("storage: invalid input: " + err.Error()), nil
	}
	_, storage, err := t.stores(agentID)
	if err != nil {
		return errResult(err.Error()), nil
	}

	switch params.Action {
	case "get":
		v, ok := storage.Get(params.Key)
		if !ok {
			return &models.ToolResult{Content: "null"}, nil
		}
		return &models.ToolResult{Content: string(v)}, nil
	case "set":
		storage.Set(params.Key, params.Value)
		return &models.ToolResult{Content: fmt.Sprintf("Stored %s", params.Key)}, nil
	case "delete":
		storage.Delete(params.Key)
		return &models.ToolResult{Content: fmt.Sprintf("Deleted %s", params.Key)}, nil
	case "list":
		data, err := json.Marshal(storage.List())
		if err != nil {
			return nil, err
		}
		return &models.ToolResult{Content: string(data)}, nil
	default:
		return errResult(fmt.Sprintf("storage: unknown action %q", params.Action)), nil
	}
}
