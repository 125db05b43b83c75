// Package tools holds the hub's tool catalog: hub-native tools executed in
// process and browser-only descriptors routed to a subscribed browser.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// errResult builds a pointer error result for tool handlers.
func errResult(message string) *models.ToolResult {
	r := models.ErrorResult(message)
	return &r
}

// Tool is one hub-native tool.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	// Execute runs the tool for the named agent. Failures the caller should
	// see come back as IsError results; returned errors are internal.
	Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error)
}

// RouteFunc forwards a browser-only tool call to the router.
type RouteFunc func(agentID, toolName string, input json.RawMessage) models.ToolResult

// Registry is the process-wide tool catalog. Registration happens at
// initialization; execution is concurrent.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	browserOnly map[string]models.ToolDescriptor
	route       RouteFunc
	logger      *slog.Logger
}

// NewRegistry creates a registry. route may be nil when no browser routing
// is available; browser-only calls then fail with an error result.
func NewRegistry(route RouteFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With("component", "tools")
	}
	return &Registry{
		tools:       make(map[string]Tool),
		browserOnly: make(map[string]models.ToolDescriptor),
		route:       route,
		logger:      logger,
	}
}

// Register adds a hub-native tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// RegisterBrowserOnly adds a descriptor for a tool executed in the browser.
func (r *Registry) RegisterBrowserOnly(d models.ToolDescriptor) {
	d.BrowserOnly = true
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browserOnly[d.Name] = d
}

// Catalog lists every known tool, sorted by name, for announce_tools.
func (r *Registry) Catalog() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools)+len(r.browserOnly))
	for _, t := range r.tools {
		out = append(out, models.ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	for _, d := range r.browserOnly {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsBrowserOnly reports whether a tool routes to the browser.
func (r *Registry) IsBrowserOnly(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.browserOnly[name]
	return ok
}

// Execute dispatches a tool call: hub-native tools run in process,
// browser-only tools go through the router, unknown names fail.
func (r *Registry) Execute(ctx context.Context, agentID, name string, input json.RawMessage) models.ToolResult {
	r.mu.RLock()
	tool, native := r.tools[name]
	_, browser := r.browserOnly[name]
	route := r.route
	r.mu.RUnlock()

	switch {
	case native:
		res, err := tool.Execute(ctx, agentID, input)
		if err != nil {
			r.logger.Warn("tool execution failed", "tool", name, "agent", agentID, "error", err)
			return models.ErrorResult(err.Error())
		}
		if res == nil {
			return models.ToolResult{}
		}
		return *res
	case browser:
		if route == nil {
			return models.ErrorResult(fmt.Sprintf("No browser connected for agent %s (tool: %s)", agentID, name))
		}
		return route(agentID, name, input)
	default:
		return models.ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}
}
