package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultAckHighWaterMark is how many unacked frames may be in flight
// before capture pauses.
const DefaultAckHighWaterMark = 5

// DefaultAckGrace is how long the server waits for acks to resume before
// closing a stalled stream.
const DefaultAckGrace = 30 * time.Second

const authDeadline = 10 * time.Second

// Session is the capture side of one active stream: a screencast attached
// to the agent's browser-automation context.
type Session interface {
	// NextFrame blocks until a frame is available.
	NextFrame(ctx context.Context) (Frame, error)
	// SetPaused suspends or resumes frame capture.
	SetPaused(paused bool)
	// HandleInput relays a client input event into the browser session.
	HandleInput(event json.RawMessage) error
	Close() error
}

// AttachFunc opens a capture session for an authenticated stream client.
type AttachFunc func(agentID, clientID string) (Session, error)

// Server terminates stream WebSockets: token handshake, binary frame
// delivery with ack backpressure, and input relay during intervention.
type Server struct {
	tokens    *TokenService
	attach    AttachFunc
	highWater uint32
	ackGrace  time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHighWaterMark overrides the unacked-frame limit.
func WithHighWaterMark(n uint32) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.highWater = n
		}
	}
}

// WithAckGrace overrides the stalled-stream grace period.
func WithAckGrace(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.ackGrace = d
		}
	}
}

// WithLogger overrides the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds a stream server over the given token service and
// session supplier.
func NewServer(tokens *TokenService, attach AttachFunc, opts ...ServerOption) *Server {
	s := &Server{
		tokens:    tokens,
		attach:    attach,
		highWater: DefaultAckHighWaterMark,
		ackGrace:  DefaultAckGrace,
		logger:    slog.Default().With("component", "stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type inboundText struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
}

// ServeHTTP upgrades the connection, performs the stream_auth handshake,
// and pumps frames until teardown.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	claims, err := s.handshake(conn)
	if err != nil {
		_ = conn.WriteJSON(authResult{Type: "stream_auth_result", Success: false, Error: err.Error()})
		return
	}
	if err := conn.WriteJSON(authResult{Type: "stream_auth_result", Success: true}); err != nil {
		return
	}

	session, err := s.attach(claims.AgentID, claims.ClientID)
	if err != nil {
		s.logger.Warn("stream attach failed", "agent", claims.AgentID, "error", err)
		return
	}
	defer session.Close()

	// The stream dies with the token.
	ctx, cancel := context.WithDeadline(r.Context(), claims.ExpiresAt.Time)
	defer cancel()

	s.pump(ctx, conn, session, claims.AgentID)
}

func (s *Server) handshake(conn *websocket.Conn) (*Claims, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	var msg authFrame
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, errors.New("stream_auth expected")
	}
	if msg.Type != "stream_auth" {
		return nil, errors.New("stream_auth expected")
	}
	claims, err := s.tokens.Validate(msg.Token)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, session Session, agentID string) {
	var acked atomic.Uint32
	ackCh := make(chan struct{}, 1)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch kind {
			case websocket.BinaryMessage:
				frameNum, err := DecodeAck(data)
				if err != nil {
					s.logger.Warn("bad stream ack", "agent", agentID, "error", err)
					continue
				}
				// Acks advance the high-water mark monotonically.
				for {
					cur := acked.Load()
					if frameNum <= cur || acked.CompareAndSwap(cur, frameNum) {
						break
					}
				}
				select {
				case ackCh <- struct{}{}:
				default:
				}
			case websocket.TextMessage:
				var msg inboundText
				if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "input_event" {
					continue
				}
				if err := session.HandleInput(msg.Event); err != nil {
					s.logger.Warn("input relay failed", "agent", agentID, "error", err)
				}
			}
		}
	}()

	var frameNum uint32
	for {
		frame, err := session.NextFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("stream capture ended", "agent", agentID, "error", err)
			}
			return
		}
		// Sending this frame must not push the unacked window past the
		// high-water mark; defer it until acks catch up.
		if frameNum+1-acked.Load() > s.highWater {
			session.SetPaused(true)
			if !s.waitForAcks(ctx, frameNum+1, &acked, ackCh, readDone) {
				s.logger.Warn("stream stalled, no acks within grace period", "agent", agentID, "frame", frameNum+1)
				return
			}
			session.SetPaused(false)
		}
		frameNum++
		frame.Num = frameNum
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
			return
		}
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// waitForAcks blocks until the in-flight window drains below the high-water
// mark. It fails when the grace period passes without catching up.
func (s *Server) waitForAcks(ctx context.Context, frameNum uint32, acked *atomic.Uint32, ackCh <-chan struct{}, readDone <-chan struct{}) bool {
	grace := time.NewTimer(s.ackGrace)
	defer grace.Stop()
	for {
		if frameNum-acked.Load() <= s.highWater {
			return true
		}
		select {
		case <-ackCh:
		case <-grace.C:
			return false
		case <-readDone:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
