package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robman/flo.monster-sub000/internal/ratelimit"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// Client is one connected browser (or other WebSocket peer).
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}

	id         string
	remoteAddr string
	limiter    *ratelimit.Window

	mu            sync.Mutex
	authenticated bool
	subscriptions map[string]bool
	visible       bool
	closeOnce     sync.Once
}

func newClient(server *Server, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		server:        server,
		conn:          conn,
		send:          make(chan []byte, wsSendBuffer),
		closed:        make(chan struct{}),
		id:            uuid.NewString(),
		remoteAddr:    remoteAddr,
		limiter:       ratelimit.NewWindow(server.rateLimit),
		subscriptions: make(map[string]bool),
	}
}

// ID implements router.Client.
func (c *Client) ID() string { return c.id }

// Authenticated implements router.Client.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// SubscribedTo implements router.Client.
func (c *Client) SubscribedTo(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[agentID]
}

// subscribe returns false when the subscription already existed.
func (c *Client) subscribe(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptions[agentID] {
		return false
	}
	c.subscriptions[agentID] = true
	return true
}

func (c *Client) unsubscribe(agentID string) {
	c.mu.Lock()
	delete(c.subscriptions, agentID)
	c.mu.Unlock()
}

func (c *Client) subscribedAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

// SendBrowserToolRequest implements router.Client.
func (c *Client) SendBrowserToolRequest(requestID, agentID, toolName string, input any) error {
	return c.sendJSON(map[string]any{
		"type":       "browser_tool_request",
		"id":         requestID,
		"hubAgentId": agentID,
		"toolName":   toolName,
		"input":      input,
	})
}

// sendJSON queues a frame; a full buffer or closed client drops it.
func (c *Client) sendJSON(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		// Slow consumer; the write loop will fall behind and the
		// connection close path cleans up.
		return nil
	}
}

func (c *Client) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.server.removeClient(c)
	})
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.server.logger.Warn("client rate limited", "client", c.id, "remote", c.remoteAddr)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
				time.Now().Add(wsWriteWait))
			return
		}
		c.server.dispatch(c, data)
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}
