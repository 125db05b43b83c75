package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/robman/flo.monster-sub000/internal/runner"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// agentHost binds one hosted runner to the hub: scheduler registration,
// event fan-out, the sandbox bridge, and tool dispatch.
type agentHost struct {
	server *Server
	runner *runner.Runner

	mu sync.Mutex
	// originator is the client whose write-through is currently being
	// applied; fan-out skips it so writers never see their own echo.
	originator string
	unsubs     []func()
}

func (s *Server) newAgentHost(sess *models.Session) *agentHost {
	h := &agentHost{server: s}
	h.runner = runner.New(sess, runner.Dependencies{
		Loop:            s.loop,
		Adapter:         s.adapter,
		SendAPIRequest:  s.sendAPIRequest,
		ExecuteToolCall: h.execToolCall,
		Store:           s.sessions,
	}, runner.WithLogger(s.logger.With("agent", sess.AgentID)))

	agentID := h.runner.AgentID()
	h.unsubs = append(h.unsubs,
		h.runner.OnEvent(func(ev models.RunnerEvent) {
			s.metrics.runnerEvents.WithLabelValues(string(ev.Type)).Inc()
			s.fanOut(agentID, agentEventFrame(agentID, ev), "")
			if ev.Type == models.RunnerNotifyUser && s.push != nil {
				s.push.Send(agentID, "Agent "+agentID, ev.Text)
			}
		}),
		h.runner.OnAgentEvent(func(ev models.LoopEvent) {
			s.fanOut(agentID, agentLoopEventFrame(agentID, ev), "")
		}),
		h.runner.StateCache().OnChange(func(key string, old, new json.RawMessage) {
			s.scheduler.HandleStateChange(agentID, key, old, new)
			h.mu.Lock()
			exclude := h.originator
			h.mu.Unlock()
			action := "set"
			if new == nil {
				action = "delete"
			}
			s.fanOut(agentID, statePushFrame(agentID, key, new, action), exclude)
		}),
	)

	s.scheduler.Register(agentID, h, sess.Schedules)
	return h
}

// teardown releases everything the host wired up. The runner itself is
// killed by the caller when appropriate.
func (h *agentHost) teardown() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
	h.server.scheduler.Unregister(h.runner.AgentID())
	if h.server.browse != nil {
		h.server.browse.Release(h.runner.AgentID())
	}
}

// serialize snapshots the runner and folds in the scheduler's live view of
// the agent's schedules.
func (h *agentHost) serialize() *models.Session {
	sess := h.runner.Serialize()
	sess.Schedules = h.server.scheduler.List(h.runner.AgentID())
	return sess
}

// withOriginator applies a write-through with echo suppression for the
// originating client.
func (h *agentHost) withOriginator(clientID string, fn func()) {
	h.mu.Lock()
	h.originator = clientID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.originator = ""
		h.mu.Unlock()
	}()
	fn()
}

func (h *agentHost) execToolCall(ctx context.Context, name string, input json.RawMessage) (models.ToolResult, error) {
	return h.server.registry.Execute(ctx, h.runner.AgentID(), name, input), nil
}

// schedule.Agent implementation.

func (h *agentHost) Busy() bool { return h.runner.Busy() }

func (h *agentHost) SendMessage(text string) error { return h.runner.SendMessage(text) }

func (h *agentHost) ExecuteTool(name string, input json.RawMessage) models.ToolResult {
	return h.server.registry.Execute(context.Background(), h.runner.AgentID(), name, input)
}

// sandbox.Host implementation.

func (h *agentHost) StateGet(key string) (json.RawMessage, bool) {
	return h.runner.StateCache().Get(key)
}

func (h *agentHost) StateSet(key string, value json.RawMessage) error {
	return h.runner.StateCache().Set(key, value)
}

func (h *agentHost) StateAll() map[string]json.RawMessage {
	return h.runner.StateCache().All()
}

func (h *agentHost) StorageGet(key string) (json.RawMessage, bool) {
	return h.runner.Storage().Get(key)
}

func (h *agentHost) StorageSet(key string, value json.RawMessage) {
	h.runner.Storage().Set(key, value)
}

func (h *agentHost) StorageDelete(key string) {
	h.runner.Storage().Delete(key)
}

func (h *agentHost) StorageList() []string {
	return h.runner.Storage().List()
}

func (h *agentHost) Push(title, body string) error {
	if h.server.push == nil {
		return errors.New("Push notifications not configured")
	}
	h.server.push.Send(h.runner.AgentID(), title, body)
	return nil
}

func (h *agentHost) Emit(eventName string, payload json.RawMessage) {
	h.server.scheduler.Emit(h.runner.AgentID(), eventName, payload)
}

func (h *agentHost) Notify(text string) error {
	return h.runner.SendMessage(text)
}

func (h *agentHost) NotifyUser(text string) {
	h.runner.NotifyUser(text)
}

func (h *agentHost) CallTool(name string, input json.RawMessage) models.ToolResult {
	return h.server.registry.Execute(context.Background(), h.runner.AgentID(), name, input)
}
