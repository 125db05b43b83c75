package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robman/flo.monster-sub000/internal/schedule"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// ScheduleTool lets the agent manage its own cron and event triggers.
type ScheduleTool struct {
	scheduler *schedule.Scheduler
}

// NewScheduleTool creates the schedule tool.
func NewScheduleTool(scheduler *schedule.Scheduler) *ScheduleTool {
	return &ScheduleTool{scheduler: scheduler}
}

func (t *ScheduleTool) Name() string { return "schedule" }

func (t *ScheduleTool) Description() string {
	return "Manage schedules: add, list, remove, enable, disable. Cron triggers use five-field expressions; event triggers fire on state changes, browser presence, or custom emits."
}

func (t *ScheduleTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["add", "list", "remove", "enable", "disable"]},
			"id": {"type": "string", "description": "Schedule id (remove/enable/disable)."},
			"schedule": {"type": "object", "description": "Schedule definition (add)."}
		},
		"required": ["action"]
	}`)
}

func (t *ScheduleTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	var params struct {
		Action   string          `json:"action"`
		ID       string          `json:"id"`
		Schedule json.RawMessage `json:"schedule"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("schedule: invalid input: " + err.Error()), nil
	}

	switch params.Action {
	case "add":
		var sched models.Schedule
		if err := json.Unmarshal(params.Schedule, &sched); err != nil {
			return errResult("schedule: invalid schedule definition: " + err.Error()), nil
		}
		sched.Enabled = true
		added, err := t.scheduler.Add(agentID, sched)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return &models.ToolResult{Content: fmt.Sprintf("Schedule %s added", added.ID)}, nil
	case "list":
		list := t.scheduler.List(agentID)
		data, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		return &models.ToolResult{Content: string(data)}, nil
	case "remove":
		if err := t.scheduler.Remove(agentID, params.ID); err != nil {
			return errResult(err.Error()), nil
		}
		return &models.ToolResult{Content: fmt.Sprintf("Schedule %s removed", params.ID)}, nil
	case "enable", "disable":
		enabled := params.Action == "enable"
		if err := t.scheduler.SetEnabled(agentID, params.ID, enabled); err != nil {
			return errResult(err.Error()), nil
		}
		return &models.ToolResult{Content: fmt.Sprintf("Schedule %s %sd", params.ID, params.Action)}, nil
	default:
		return errResult(fmt.Sprintf("schedule: unknown action %q", params.Action)), nil
	}
}
