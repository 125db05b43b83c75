package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// CapabilitiesTool reports what this hub offers: name, local timezone for
// cron evaluation, shared providers, and the tool catalog.
type CapabilitiesTool struct {
	hubName         string
	sharedProviders []string
	catalog         func() []models.ToolDescriptor
}

// NewCapabilitiesTool creates the capabilities tool.
func NewCapabilitiesTool(hubName string, sharedProviders []string, catalog func() []models.ToolDescriptor) *CapabilitiesTool {
	return &CapabilitiesTool{hubName: hubName, sharedProviders: sharedProviders, catalog: catalog}
}

func (t *CapabilitiesTool) Name() string { return "capabilities" }

func (t *CapabilitiesTool) Description() string {
	return "Report hub capabilities: name, timezone, shared providers, and available tools."
}

func (t *CapabilitiesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *CapabilitiesTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	zone, offset := time.Now().Zone()
	names := make([]string, 0)
	if t.catalog != nil {
		for _, d := range t.catalog() {
			names = append(names, d.Name)
		}
	}
	payload := map[string]any{
		"hubName":         t.hubName,
		"timezone":        zone,
		"utcOffsetSec":    offset,
		"sharedProviders": t.sharedProviders,
		"tools":           names,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &models.ToolResult{Content: string(data)}, nil
}
