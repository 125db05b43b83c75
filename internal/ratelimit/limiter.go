// Package ratelimit provides the per-connection message cap for the hub
// protocol. Fixed one-second windows: the counter resets when a window
// elapses and the connection is closed when a window overflows.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// MessagesPerWindow is the number of inbound messages allowed per window.
	MessagesPerWindow int `yaml:"messages_per_second"`
	// Window is the counting window. Defaults to one second.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MessagesPerWindow: 100,
		Window:            time.Second,
		Enabled:           true,
	}
}

// Window counts messages in fixed windows for one connection.
type Window struct {
	mu          sync.Mutex
	enabled     bool
	limit       int
	interval    time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewWindow creates a counter for one connection.
func NewWindow(cfg Config) *Window {
	if cfg.MessagesPerWindow <= 0 {
		cfg.MessagesPerWindow = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Window{
		enabled:  cfg.Enabled,
		limit:    cfg.MessagesPerWindow,
		interval: cfg.Window,
		now:      time.Now,
	}
}

// SetClock overrides the clock for tests.
func (w *Window) SetClock(now func() time.Time) {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Allow records one message and reports whether the connection is still
// within its cap for the current window. A disabled limiter always
// allows.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return true
	}

	now := w.now()
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= w.interval {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}

// Count returns the message count in the current window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
