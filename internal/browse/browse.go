// Package browse manages headless browser-automation contexts for agents
// and exposes their viewports as screencast sessions.
package browse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/robman/flo.monster-sub000/internal/stream"
)

// DefaultFrameQuality is the JPEG quality requested from the screencast.
const DefaultFrameQuality = 80

// Config shapes browser contexts and their screencasts.
type Config struct {
	// DebugURL attaches to an already running browser
	// (--remote-debugging-port). Empty launches a headless instance.
	DebugURL     string
	ViewportW    int
	ViewportH    int
	FrameQuality int
	Logger       *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ViewportW <= 0 {
		c.ViewportW = 1280
	}
	if c.ViewportH <= 0 {
		c.ViewportH = 800
	}
	if c.FrameQuality <= 0 || c.FrameQuality > 100 {
		c.FrameQuality = DefaultFrameQuality
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "browse")
	}
}

// Manager owns one browser context per agent, created lazily and torn down
// on Release or shutdown.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	contexts map[string]*agentContext
	onLoss   func(agentID string, err error)
}

type agentContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// NewManager creates a browser-context manager.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, contexts: make(map[string]*agentContext)}
}

// OnSessionLoss registers a callback fired when an agent's browser context
// dies underneath an active stream.
func (m *Manager) OnSessionLoss(fn func(agentID string, err error)) {
	m.mu.Lock()
	m.onLoss = fn
	m.mu.Unlock()
}

// Context returns the agent's browser context, creating it on first use.
func (m *Manager) Context(agentID string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac, ok := m.contexts[agentID]; ok {
		return ac.ctx, nil
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if m.cfg.DebugURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.DebugURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.WindowSize(m.cfg.ViewportW, m.cfg.ViewportH),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	// First action materializes the browser process.
	if err := chromedp.Run(taskCtx); err != nil {
		taskCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser for agent %s: %w", agentID, err)
	}
	m.contexts[agentID] = &agentContext{ctx: taskCtx, cancel: taskCancel, allocCancel: allocCancel}
	return taskCtx, nil
}

// Release tears down the agent's browser context if one exists.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	ac, ok := m.contexts[agentID]
	delete(m.contexts, agentID)
	m.mu.Unlock()
	if ok {
		ac.cancel()
		ac.allocCancel()
	}
}

// Close tears down every browser context.
func (m *Manager) Close() {
	m.mu.Lock()
	contexts := m.contexts
	m.contexts = make(map[string]*agentContext)
	m.mu.Unlock()
	for _, ac := range contexts {
		ac.cancel()
		ac.allocCancel()
	}
}

// Navigate drives the agent's browser to a URL.
func (m *Manager) Navigate(agentID, url string, timeout time.Duration) error {
	ctx, err := m.Context(agentID)
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

// Attach starts a screencast session over the agent's browser context. The
// returned session satisfies the stream server's capture interface.
func (m *Manager) Attach(agentID, clientID string) (stream.Session, error) {
	ctx, err := m.Context(agentID)
	if err != nil {
		return nil, err
	}
	s := &screencastSession{
		agentID: agentID,
		ctx:     ctx,
		cfg:     m.cfg,
		frames:  make(chan stream.Frame, 8),
		done:    make(chan struct{}),
		logger:  m.cfg.Logger.With("agent", agentID, "client", clientID),
	}
	m.mu.Lock()
	onLoss := m.onLoss
	m.mu.Unlock()
	s.onLoss = onLoss
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

type screencastSession struct {
	agentID string
	ctx     context.Context
	cfg     Config
	frames  chan stream.Frame
	logger  *slog.Logger
	onLoss  func(agentID string, err error)

	mu     sync.Mutex
	paused bool
	closed bool
	done   chan struct{}
}

func (s *screencastSession) start() error {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		frame, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		s.handleFrame(frame)
	})
	if err := s.runScreencast(true); err != nil {
		return fmt.Errorf("start screencast: %w", err)
	}
	// Surface browser loss to the hub so it can emit a stream error.
	go func() {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.onLoss != nil {
				s.onLoss(s.agentID, s.ctx.Err())
			}
		case <-s.done:
		}
	}()
	return nil
}

func (s *screencastSession) handleFrame(ev *page.EventScreencastFrame) {
	// Always ack the protocol frame so the browser keeps capturing.
	go func() {
		if err := chromedp.Run(s.ctx, page.ScreencastFrameAck(ev.SessionID)); err != nil {
			s.logger.Debug("screencast ack failed", "error", err)
		}
	}()

	payload, err := base64.StdEncoding.DecodeString(string(ev.Data))
	if err != nil {
		s.logger.Warn("bad screencast frame payload", "error", err)
		return
	}
	f := stream.Frame{
		Quality: uint8(s.cfg.FrameQuality),
		Payload: payload,
	}
	if ev.Metadata != nil {
		f.Width = uint16(ev.Metadata.DeviceWidth)
		f.Height = uint16(ev.Metadata.DeviceHeight)
	}
	select {
	case s.frames <- f:
	default:
		// Drop rather than block the CDP event dispatcher.
	}
}

func (s *screencastSession) runScreencast(start bool) error {
	if start {
		return chromedp.Run(s.ctx,
			page.StartScreencast().
				WithFormat(page.ScreencastFormatJpeg).
				WithQuality(int64(s.cfg.FrameQuality)).
				WithMaxWidth(int64(s.cfg.ViewportW)).
				WithMaxHeight(int64(s.cfg.ViewportH)).
				WithEveryNthFrame(1),
		)
	}
	return chromedp.Run(s.ctx, page.StopScreencast())
}

// NextFrame blocks for the next captured viewport frame.
func (s *screencastSession) NextFrame(ctx context.Context) (stream.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	case <-s.done:
		return stream.Frame{}, context.Canceled
	case <-s.ctx.Done():
		return stream.Frame{}, fmt.Errorf("browser session lost: %w", s.ctx.Err())
	}
}

// SetPaused stops or restarts capture for backpressure.
func (s *screencastSession) SetPaused(paused bool) {
	s.mu.Lock()
	if s.paused == paused || s.closed {
		s.mu.Unlock()
		return
	}
	s.paused = paused
	s.mu.Unlock()
	if err := s.runScreencast(!paused); err != nil {
		s.logger.Debug("screencast pause toggle failed", "paused", paused, "error", err)
	}
}

// HandleInput relays a client input event into the page.
func (s *screencastSession) HandleInput(event json.RawMessage) error {
	actions, err := parseInputEvent(event)
	if err != nil {
		return err
	}
	return chromedp.Run(s.ctx, actions...)
}

// Close stops capture and detaches from the browser context. The browser
// itself stays alive for the agent's tools.
func (s *screencastSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	return s.runScreencast(false)
}
