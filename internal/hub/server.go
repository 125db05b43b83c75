// Package hub is the WebSocket front door: it authenticates clients,
// enforces rate limits, hosts agent runners, and fans events out to
// subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robman/flo.monster-sub000/internal/browse"
	"github.com/robman/flo.monster-sub000/internal/config"
	"github.com/robman/flo.monster-sub000/internal/ratelimit"
	"github.com/robman/flo.monster-sub000/internal/router"
	"github.com/robman/flo.monster-sub000/internal/runner"
	"github.com/robman/flo.monster-sub000/internal/sandbox"
	"github.com/robman/flo.monster-sub000/internal/schedule"
	"github.com/robman/flo.monster-sub000/internal/session"
	"github.com/robman/flo.monster-sub000/internal/store"
	"github.com/robman/flo.monster-sub000/internal/stream"
	"github.com/robman/flo.monster-sub000/internal/tools"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// Server is the hub process: connection dispatcher, agent hosts, and the
// subsystems they share.
type Server struct {
	hubName         string
	authToken       string
	localhostBypass bool
	sharedProviders []string
	httpAPIURL      string
	streamURL       string
	streamPort      int
	viewportWidth   int
	viewportHeight  int
	signingSecret   []byte
	sandboxPath     string
	rateLimit       ratelimit.Config

	sessions     session.Store
	registry     *tools.Registry
	router       *router.Router
	scheduler    *schedule.Scheduler
	executor     *sandbox.Executor
	streamTokens *stream.TokenService
	browse       *browse.Manager
	push         *PushService
	metrics      *metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	// Loop dependencies injected into every runner. A nil loop hosts
	// inert runners: useful headless and under test.
	loop           runner.Loop
	adapter        runner.ProviderAdapter
	sendAPIRequest runner.SendFunc

	mu      sync.Mutex
	clients map[string]*Client
	agents  map[string]*agentHost
	streams map[string]func() // clientID|agentID → stream stop

	approvalMu sync.Mutex
	approvals  map[string]chan bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLoop injects the agentic loop driven on sendMessage.
func WithLoop(loop runner.Loop, adapter runner.ProviderAdapter, send runner.SendFunc) ServerOption {
	return func(s *Server) {
		s.loop = loop
		s.adapter = adapter
		s.sendAPIRequest = send
	}
}

// WithBrowseManager attaches browser automation for viewport streams.
func WithBrowseManager(m *browse.Manager) ServerOption {
	return func(s *Server) { s.browse = m }
}

// WithStreamURL advertises an externally reachable stream endpoint to
// clients instead of the bare stream port.
func WithStreamURL(url string) ServerOption {
	return func(s *Server) { s.streamURL = url }
}

// WithPushService attaches web-push delivery.
func WithPushService(p *PushService) ServerOption {
	return func(s *Server) { s.push = p }
}

// WithLogger overrides the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRegistry registers hub metrics with reg.
func WithMetricsRegistry(reg prometheus.Registerer) ServerOption {
	return func(s *Server) { s.metrics = newMetrics(reg) }
}

// NewServer assembles a hub from configuration and a session store.
func NewServer(cfg *config.Config, sessions session.Store, opts ...ServerOption) *Server {
	s := &Server{
		hubName:         cfg.Server.HubName,
		authToken:       cfg.Auth.Token,
		localhostBypass: cfg.Auth.LocalhostBypass,
		sharedProviders: cfg.Providers.Shared,
		httpAPIURL:      cfg.Server.HTTPAPIURL,
		streamPort:      cfg.Server.StreamPort,
		viewportWidth:   cfg.Stream.ViewportWidth,
		viewportHeight:  cfg.Stream.ViewportHeight,
		signingSecret:   []byte(cfg.Auth.SigningSecret),
		sandboxPath:     cfg.Sandbox.Path,
		rateLimit: ratelimit.Config{
			Enabled:           cfg.RateLimit.Enabled,
			MessagesPerWindow: cfg.RateLimit.MessagesPerWindow,
			Window:            cfg.RateLimit.Window,
		},
		sessions:     sessions,
		executor:     sandbox.New(sandbox.WithTimeout(cfg.Sandbox.Timeout)),
		streamTokens: stream.NewTokenService(cfg.Auth.SigningSecret, cfg.Stream.TokenTTL),
		logger:       slog.Default().With("component", "hub"),
		clients:      make(map[string]*Client),
		agents:       make(map[string]*agentHost),
		streams:      make(map[string]func()),
		approvals:    make(map[string]chan bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	if s.browse != nil {
		s.browse.OnSessionLoss(func(agentID string, err error) {
			s.fanOut(agentID, map[string]any{
				"type": "browse_stream_error", "agentId": agentID, "error": err.Error(),
			}, "")
			s.fanOut(agentID, map[string]any{"type": "browse_stream_stopped", "agentId": agentID}, "")
		})
	}

	s.router = router.New(s.routerClients, router.WithLogger(s.logger))
	s.scheduler = schedule.New(
		schedule.WithMaxPerAgent(cfg.Schedule.MaxPerAgent),
		schedule.WithLogger(s.logger),
		schedule.WithFailureHandler(s.onScheduleFailure),
	)
	s.buildRegistry()
	return s
}

func (s *Server) buildRegistry() {
	s.registry = tools.NewRegistry(s.routeToBrowser, s.logger)
	s.registry.Register(tools.NewCapabilitiesTool(s.hubName, s.sharedProviders, func() []models.ToolDescriptor {
		return s.registry.Catalog()
	}))
	s.registry.Register(tools.NewRunJSTool(s.executor, s.sandboxHost))
	s.registry.Register(tools.NewScheduleTool(s.scheduler))
	s.registry.Register(tools.NewStateTool(s.agentStores))
	s.registry.Register(tools.NewStorageTool(s.agentStores))
}

// Registry exposes the tool catalog for registration of extra tools.
func (s *Server) Registry() *tools.Registry { return s.registry }

// Scheduler exposes the scheduler for lifecycle control.
func (s *Server) Scheduler() *schedule.Scheduler { return s.scheduler }

// StreamAttach bridges the stream server to browser automation. The
// session is tracked so browse_stream_stop and client disconnect can
// tear it down.
func (s *Server) StreamAttach(agentID, clientID string) (stream.Session, error) {
	if s.browse == nil {
		return nil, errors.New("browser automation not configured")
	}
	sess, err := s.browse.Attach(agentID, clientID)
	if err != nil {
		return nil, err
	}
	key := streamKey(clientID, agentID)
	s.mu.Lock()
	if stop, ok := s.streams[key]; ok {
		defer stop()
	}
	s.streams[key] = func() { _ = sess.Close() }
	s.mu.Unlock()
	return sess, nil
}

// stopStream tears down a tracked viewport stream. Reports whether one
// existed.
func (s *Server) stopStream(clientID, agentID string) bool {
	s.mu.Lock()
	stop, ok := s.streams[streamKey(clientID, agentID)]
	delete(s.streams, streamKey(clientID, agentID))
	s.mu.Unlock()
	if ok {
		stop()
	}
	return ok
}

// StreamTokens exposes the stream token service for the stream listener.
func (s *Server) StreamTokens() *stream.TokenService { return s.streamTokens }

// Handler returns the hub HTTP surface: the WebSocket endpoint at / and
// signed file serving under /agents/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/agents/", s.handleFile)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newClient(s, conn, r.RemoteAddr)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.metrics.connections.Inc()
	s.logger.Debug("client connected", "client", client.id, "remote", r.RemoteAddr)
	client.run()
}

// removeClient runs the closure protocol: drop subscriptions, fail routed
// requests, evict router affinity, stop owned streams.
func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.id)
	var stops []func()
	for key, stop := range s.streams {
		if streamOwner(key) == c.id {
			stops = append(stops, stop)
			delete(s.streams, key)
		}
	}
	s.mu.Unlock()

	s.metrics.connections.Dec()
	for _, agentID := range c.subscribedAgents() {
		s.scheduler.HandleBrowserPresence(agentID, false)
	}
	for _, stop := range stops {
		stop()
	}
	s.router.RemoveClient(c.id)
	if s.push != nil {
		s.push.Unsubscribe(c.id)
	}
	s.logger.Debug("client disconnected", "client", c.id)
}

func (s *Server) routerClients() []router.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]router.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) routeToBrowser(agentID, toolName string, input json.RawMessage) models.ToolResult {
	s.metrics.toolExecutions.WithLabelValues(toolName).Inc()
	var decoded any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return models.ErrorResult("invalid tool input: " + err.Error())
		}
	}
	return s.router.RouteToBrowser(agentID, toolName, decoded, 0)
}

// fanOut delivers a frame to every authenticated client subscribed to the
// agent, skipping the excluded client (write-through originator).
func (s *Server) fanOut(agentID string, frame any, excludeClientID string) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		if c.Authenticated() && c.SubscribedTo(agentID) {
			_ = c.sendJSON(frame)
		}
	}
}

// host returns the in-memory host for an agent, rehydrating from the
// session store when needed.
func (s *Server) host(ctx context.Context, agentID string) (*agentHost, error) {
	s.mu.Lock()
	if h, ok := s.agents[agentID]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	sess, err := s.sessions.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.adopt(sess), nil
}

// adopt installs a session as a hosted runner, replacing any prior host
// for the same agent.
func (s *Server) adopt(sess *models.Session) *agentHost {
	h := s.newAgentHost(sess)
	s.mu.Lock()
	prior := s.agents[sess.AgentID]
	s.agents[sess.AgentID] = h
	s.mu.Unlock()
	if prior != nil {
		prior.teardown()
		prior.runner.Kill()
	}
	s.metrics.hostedAgents.Set(float64(s.hostedCount()))
	return h
}

// dropAgent removes an agent from memory; when purge is set the stored
// session is deleted too.
func (s *Server) dropAgent(ctx context.Context, agentID string, purge bool) error {
	s.mu.Lock()
	h := s.agents[agentID]
	delete(s.agents, agentID)
	s.mu.Unlock()
	if h != nil {
		h.teardown()
		h.runner.Kill()
	}
	s.metrics.hostedAgents.Set(float64(s.hostedCount()))
	if purge {
		return s.sessions.Delete(ctx, agentID)
	}
	return nil
}

func (s *Server) hostedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

func (s *Server) hostedAgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	return out
}

// sandboxHost resolves the bridge for runjs.
func (s *Server) sandboxHost(agentID string) (sandbox.Host, error) {
	return s.host(context.Background(), agentID)
}

// agentStores resolves live stores for the state and storage tools.
func (s *Server) agentStores(agentID string) (*store.StateStore, *store.StorageStore, error) {
	h, err := s.host(context.Background(), agentID)
	if err != nil {
		return nil, nil, err
	}
	return h.runner.StateCache(), h.runner.Storage(), nil
}

func (s *Server) onScheduleFailure(agentID, scheduleID, detail string) {
	s.mu.Lock()
	h := s.agents[agentID]
	s.mu.Unlock()
	if h != nil {
		h.runner.NotifyUser("Schedule " + scheduleID + " failed: " + detail)
	}
}

// Rehydrate loads every persisted agent into a live runner so schedules
// fire without waiting for a client to touch the agent.
func (s *Server) Rehydrate(ctx context.Context) error {
	ids, err := s.sessions.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := s.sessions.Load(ctx, id)
		if err != nil {
			s.logger.Error("rehydrate load failed", "agent", id, "error", err)
			continue
		}
		h := s.adopt(sess.Normalize())
		if err := h.runner.Start(); err != nil {
			s.logger.Warn("rehydrated runner not started", "agent", id, "error", err)
		}
	}
	s.logger.Info("agents rehydrated", "count", len(ids))
	return nil
}

// Shutdown persists every hosted agent and stops the scheduler.
func (s *Server) Shutdown(ctx context.Context) {
	s.scheduler.Stop()
	for _, agentID := range s.hostedAgentIDs() {
		s.mu.Lock()
		h := s.agents[agentID]
		s.mu.Unlock()
		if h == nil {
			continue
		}
		if err := s.sessions.Save(ctx, h.serialize()); err != nil {
			s.logger.Error("persist on shutdown failed", "agent", agentID, "error", err)
		}
	}
	if s.browse != nil {
		s.browse.Close()
	}
}

func streamOwner(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}

func streamKey(clientID, agentID string) string { return clientID + "|" + agentID }
