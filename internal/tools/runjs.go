package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robman/flo.monster-sub000/internal/sandbox"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// HostFunc resolves the sandbox bridge for an agent.
type HostFunc func(agentID string) (sandbox.Host, error)

// RunJSTool executes agent-supplied JavaScript in the sandbox.
type RunJSTool struct {
	executor *sandbox.Executor
	host     HostFunc
}

// NewRunJSTool creates the runjs tool.
func NewRunJSTool(executor *sandbox.Executor, host HostFunc) *RunJSTool {
	return &RunJSTool{executor: executor, host: host}
}

func (t *RunJSTool) Name() string { return "runjs" }

func (t *RunJSTool) Description() string {
	return "Run JavaScript in a sandbox with the flo bridge to agent state, storage, and tools."
}

func (t *RunJSTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "JavaScript source to run."},
			"context": {"type": "string", "description": "Execution context hint; ignored on the hub."}
		},
		"required": ["code"]
	}`)
}

func (t *RunJSTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Code    string `json:"code"`
		Context string `json:"context"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("runjs: invalid input: " + err.Error()), nil
	}
	if strings.TrimSpace(params.Code) == "" {
		return errResult("runjs: code is required"), nil
	}

	host, err := t.host(agentID)
	if err != nil {
		return errResult(err.Error()), nil
	}
	res, err := t.executor.Execute(ctx, params.Code, host)
	if err != nil {
		return errResult(formatRunJS(res.Console, fmt.Sprintf("Error: %v", err))), nil
	}
	value := "undefined"
	if len(res.Value) > 0 {
		value = string(res.Value)
	}
	return &models.ToolResult{Content: formatRunJS(res.Console, value)}, nil
}

// formatRunJS renders console output above the completion value, the way a
// devtools console would.
func formatRunJS(console []string, value string) string {
	if len(console) == 0 {
		return value
	}
	return strings.Join(console, "\n") + "\n" + value
}
