// Package router correlates browser-tool requests with responses: when a
// hub agent invokes a tool that only a browser can execute, the router
// picks a subscribed browser, forwards the request, and awaits the reply
// with timeout and failover.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// DefaultTimeout bounds one routed browser-tool request.
const DefaultTimeout = 60 * time.Second

// Client is the router's view of one connected browser.
type Client interface {
	ID() string
	Authenticated() bool
	SubscribedTo(agentID string) bool
	// SendBrowserToolRequest forwards a browser_tool_request frame.
	SendBrowserToolRequest(requestID, agentID, toolName string, input any) error
}

// ClientsFunc supplies the current client set.
type ClientsFunc func() []Client

type pending struct {
	clientID string
	ch       chan models.ToolResult
	timer    *time.Timer
	toolName string
}

// Router holds the in-flight request table and per-agent affinity.
type Router struct {
	mu         sync.Mutex
	pending    map[string]*pending
	lastActive map[string]string // agentID → clientID
	clients    ClientsFunc
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger overrides the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a router over the given client supplier.
func New(clients ClientsFunc, opts ...Option) *Router {
	r := &Router{
		pending:    make(map[string]*pending),
		lastActive: make(map[string]string),
		clients:    clients,
		timeout:    DefaultTimeout,
		logger:     slog.Default().With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouteToBrowser forwards a tool call to a subscribed browser and blocks
// until the response, the timeout, or a disconnect. With no candidate it
// returns an error result synchronously.
func (r *Router) RouteToBrowser(agentID, toolName string, input any, timeout time.Duration) models.ToolResult {
	client := r.pickClient(agentID)
	if client == nil {
		return models.ErrorResult(fmt.Sprintf("No browser connected for agent %s (tool: %s)", agentID, toolName))
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	requestID := uuid.NewString()
	p := &pending{
		clientID: client.ID(),
		ch:       make(chan models.ToolResult, 1),
		toolName: toolName,
	}
	r.mu.Lock()
	r.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() { r.expire(requestID, toolName) })
	r.mu.Unlock()

	if err := client.SendBrowserToolRequest(requestID, agentID, toolName, input); err != nil {
		r.resolve(requestID, models.ErrorResult(fmt.Sprintf("Browser disconnected: %v", err)))
	}
	return <-p.ch
}

// HandleResult resolves a pending request. Results for unknown or already
// resolved ids are discarded; each request resolves at most once.
func (r *Router) HandleResult(requestID string, result models.ToolResult) bool {
	return r.resolve(requestID, result)
}

// MarkActive records affinity from observed client activity.
func (r *Router) MarkActive(agentID string, client Client) {
	if client == nil {
		return
	}
	r.mu.Lock()
	r.lastActive[agentID] = client.ID()
	r.mu.Unlock()
}

// RemoveClient scrubs affinity entries pointing at the client and fails its
// pending requests with a disconnect error.
func (r *Router) RemoveClient(clientID string) {
	r.mu.Lock()
	for agentID, id := range r.lastActive {
		if id == clientID {
			delete(r.lastActive, agentID)
		}
	}
	var failed []string
	for requestID, p := range r.pending {
		if p.clientID == clientID {
			failed = append(failed, requestID)
		}
	}
	r.mu.Unlock()
	for _, requestID := range failed {
		r.resolve(requestID, models.ErrorResult("Browser disconnected"))
	}
}

// PendingCount reports the size of the in-flight table.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// pickClient prefers the last-active client when it is still present,
// authenticated, and subscribed; otherwise the first eligible subscriber.
// Stale affinity entries are evicted on read.
func (r *Router) pickClient(agentID string) Client {
	r.mu.Lock()
	lastID, hasLast := r.lastActive[agentID]
	r.mu.Unlock()

	all := r.clients()
	if hasLast {
		for _, c := range all {
			if c.ID() == lastID {
				if c.Authenticated() && c.SubscribedTo(agentID) {
					return c
				}
				break
			}
		}
		r.mu.Lock()
		delete(r.lastActive, agentID)
		r.mu.Unlock()
	}
	for _, c := range all {
		if c.Authenticated() && c.SubscribedTo(agentID) {
			r.MarkActive(agentID, c)
			return c
		}
	}
	return nil
}

func (r *Router) expire(requestID, toolName string) {
	if r.resolve(requestID, models.ErrorResult(fmt.Sprintf("Browser tool %s timed out", toolName))) {
		r.logger.Warn("browser tool timed out", "request", requestID, "tool", toolName)
	}
}

func (r *Router) resolve(requestID string, result models.ToolResult) bool {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
		p.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- result
	return true
}
