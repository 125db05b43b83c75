package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/robman/flo.monster-sub000/internal/auth"
	"github.com/robman/flo.monster-sub000/internal/netutil"
	"github.com/robman/flo.monster-sub000/internal/session"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

const notAuthenticated = "Not authenticated"

// dispatch handles one inbound frame from a client. Protocol violations
// get an error reply; only auth failure and rate limiting disconnect.
func (s *Server) dispatch(c *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		_ = c.sendJSON(errorFrame("", "invalid message"))
		return
	}
	s.metrics.inboundMessages.WithLabelValues(msg.Type).Inc()

	if msg.Type == "auth" {
		s.handleAuth(c, msg)
		return
	}
	if !c.Authenticated() {
		_ = c.sendJSON(errorFrame(msg.ID, notAuthenticated))
		return
	}

	switch msg.Type {
	case "tool_request":
		go s.handleToolRequest(c, msg)
	case "fetch_request":
		go s.handleFetchRequest(c, msg)
	case "api_proxy_request":
		go s.handleAPIProxy(c, msg)
	case "subscribe_agent":
		s.handleSubscribe(c, msg)
	case "unsubscribe_agent":
		s.handleUnsubscribe(c, msg)
	case "list_hub_agents":
		s.handleListAgents(c, msg)
	case "agent_action":
		s.handleAgentAction(c, msg)
	case "send_message":
		s.handleSendMessage(c, msg)
	case "persist_agent":
		s.handlePersist(c, msg)
	case "restore_agent":
		s.handleRestore(c, msg)
	case "state_write_through":
		s.handleStateWriteThrough(c, msg)
	case "file_write_through":
		s.handleFileWriteThrough(c, msg)
	case "dom_state_update":
		s.handleDOMUpdate(c, msg)
	case "browser_tool_result":
		s.handleBrowserToolResult(c, msg)
	case "skill_approval_response":
		s.resolveApproval(msg.ID, msg.Approved)
	case "browse_stream_request":
		s.handleStreamRequest(c, msg)
	case "browse_stream_stop":
		s.handleStreamStop(c, msg)
	case "browse_intervene_request":
		s.handleInterveneRequest(c, msg)
	case "browse_intervene_release":
		s.handleInterveneRelease(c, msg)
	case "push_subscribe":
		s.handlePushSubscribe(c, msg)
	case "push_verify_pin":
		s.handlePushVerify(c, msg)
	case "push_unsubscribe":
		if s.push != nil {
			s.push.Unsubscribe(c.id)
		}
	case "visibility_state":
		c.mu.Lock()
		c.visible = msg.Visible
		c.mu.Unlock()
	default:
		_ = c.sendJSON(errorFrame(msg.ID, "unknown message type: "+msg.Type))
	}
}

func (s *Server) handleAuth(c *Client, msg inbound) {
	ok := s.localhostBypass && netutil.IsLoopback(c.remoteAddr)
	if !ok {
		ok = auth.VerifyToken(s.authToken, msg.Token) == nil
	}
	if !ok {
		s.logger.Warn("auth failed", "client", c.id, "remote", c.remoteAddr)
		_ = c.sendJSON(authResultFrame(false, "invalid token", "", nil, "", ""))
		// Give the write loop a beat to flush before tearing down.
		time.AfterFunc(100*time.Millisecond, c.close)
		return
	}
	c.setAuthenticated()
	_ = c.sendJSON(authResultFrame(true, "", s.hubName, s.sharedProviders, s.httpAPIURL, s.streamURL))
	_ = c.sendJSON(map[string]any{"type": "announce_tools", "tools": s.registry.Catalog()})
	if s.push != nil && s.push.VAPIDPublicKey() != "" {
		_ = c.sendJSON(map[string]any{"type": "vapid_public_key", "key": s.push.VAPIDPublicKey()})
	}
}

func (s *Server) handleToolRequest(c *Client, msg inbound) {
	res := s.registry.Execute(context.Background(), msg.AgentID, msg.Name, msg.Input)
	_ = c.sendJSON(toolResultFrame(msg.ID, res))
}

func (s *Server) handleFetchRequest(c *Client, msg inbound) {
	var opts struct {
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if len(msg.Options) > 0 {
		_ = json.Unmarshal(msg.Options, &opts)
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, opts.Method, msg.URL, bytes.NewReader([]byte(opts.Body)))
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "fetch_result", "id": msg.ID, "error": err.Error()})
		return
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "fetch_result", "id": msg.ID, "error": err.Error()})
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	_ = c.sendJSON(map[string]any{
		"type": "fetch_result", "id": msg.ID,
		"status": resp.StatusCode, "headers": headers, "body": string(body),
	})
}

// handleAPIProxy forwards an LLM API call to the configured upstream and
// relays the response body as stream chunks.
func (s *Server) handleAPIProxy(c *Client, msg inbound) {
	if s.httpAPIURL == "" {
		_ = c.sendJSON(map[string]any{"type": "api_error", "id": msg.ID, "error": "API proxy not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	url := s.httpAPIURL + "/" + msg.Provider + msg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "api_error", "id": msg.ID, "error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "api_error", "id": msg.ID, "error": err.Error()})
		return
	}
	defer resp.Body.Close()
	buf := make([]byte, 32<<10)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			_ = c.sendJSON(map[string]any{"type": "api_stream_chunk", "id": msg.ID, "chunk": string(buf[:n])})
		}
		if readErr != nil {
			break
		}
	}
	_ = c.sendJSON(map[string]any{"type": "api_stream_end", "id": msg.ID, "status": resp.StatusCode})
}

func (s *Server) handleSubscribe(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.AgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.AgentID))
		return
	}
	c.subscribe(msg.AgentID)
	_ = c.sendJSON(map[string]any{
		"type": "conversation_history", "agentId": msg.AgentID,
		"conversation": h.runner.Conversation(),
	})
	if dom := h.runner.GetDOMState(); dom != nil {
		_ = c.sendJSON(map[string]any{"type": "restore_dom_state", "agentId": msg.AgentID, "domState": dom})
	}
	_ = c.sendJSON(map[string]any{
		"type": "agent_state", "agentId": msg.AgentID,
		"state": h.runner.State(), "busy": h.runner.Busy(),
	})
	_ = c.sendJSON(contextChangeFrame(msg.AgentID, s.registry.Catalog()))
	s.scheduler.HandleBrowserPresence(msg.AgentID, true)
}

func (s *Server) handleUnsubscribe(c *Client, msg inbound) {
	c.unsubscribe(msg.AgentID)
	_ = c.sendJSON(contextChangeFrame(msg.AgentID, s.registry.Catalog()))
	s.scheduler.HandleBrowserPresence(msg.AgentID, false)
	s.stopStream(c.id, msg.AgentID)
}

func (s *Server) handleListAgents(c *Client, msg inbound) {
	ids, err := s.sessions.List(context.Background())
	if err != nil {
		s.logger.Error("session list failed", "error", err)
	}
	seen := make(map[string]bool)
	agents := make([]map[string]any, 0, len(ids))
	s.mu.Lock()
	for id, h := range s.agents {
		seen[id] = true
		agents = append(agents, map[string]any{
			"agentId": id, "state": h.runner.State(), "busy": h.runner.Busy(),
		})
	}
	s.mu.Unlock()
	for _, id := range ids {
		if !seen[id] {
			agents = append(agents, map[string]any{"agentId": id, "state": "stored"})
		}
	}
	_ = c.sendJSON(map[string]any{"type": "hub_agents_list", "agents": agents})
}

func (s *Server) handleAgentAction(c *Client, msg inbound) {
	if msg.Action == "remove" {
		if err := s.dropAgent(context.Background(), msg.AgentID, true); err != nil {
			_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
		}
		return
	}
	h, err := s.host(context.Background(), msg.AgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.AgentID))
		return
	}
	switch msg.Action {
	case "pause":
		err = h.runner.Pause()
	case "resume":
		err = h.runner.Resume()
	case "stop":
		err = h.runner.Stop()
	case "kill":
		h.runner.Kill()
	default:
		err = errors.New("unknown action: " + msg.Action)
	}
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
	}
}

func (s *Server) handleSendMessage(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.AgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.AgentID))
		return
	}
	if err := h.runner.SendMessage(msg.Content); err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
	}
}

// handlePersist transfers agent ownership from a browser to the hub.
func (s *Server) handlePersist(c *Client, msg inbound) {
	var sess models.Session
	if err := json.Unmarshal(msg.Session, &sess); err != nil || sess.AgentID == "" {
		_ = c.sendJSON(map[string]any{"type": "persist_result", "id": msg.ID, "success": false, "error": "invalid session"})
		return
	}
	sess.Normalize()
	h := s.adopt(&sess)
	if err := h.runner.Start(); err != nil {
		s.logger.Warn("runner start after persist", "agent", sess.AgentID, "error", err)
	}
	h.runner.AddInfoMessage("Agent persisted to hub " + s.hubName)
	if err := s.sessions.Save(context.Background(), h.serialize()); err != nil {
		_ = c.sendJSON(map[string]any{"type": "persist_result", "id": msg.ID, "success": false, "error": err.Error()})
		return
	}
	c.subscribe(sess.AgentID)
	_ = c.sendJSON(map[string]any{"type": "persist_result", "id": msg.ID, "success": true, "agentId": sess.AgentID})
	s.logger.Info("agent persisted", "agent", sess.AgentID, "client", c.id)
}

func (s *Server) handleRestore(c *Client, msg inbound) {
	s.mu.Lock()
	h := s.agents[msg.AgentID]
	s.mu.Unlock()
	var sess *models.Session
	if h != nil {
		sess = h.serialize()
	} else {
		var err error
		sess, err = s.sessions.Load(context.Background(), msg.AgentID)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, session.ErrNotFound) {
				reason = "unknown agent: " + msg.AgentID
			}
			_ = c.sendJSON(errorFrame(msg.ID, reason))
			return
		}
	}
	_ = c.sendJSON(map[string]any{"type": "restore_session", "id": msg.ID, "agentId": msg.AgentID, "session": sess})
}

func (s *Server) handleStateWriteThrough(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.HubAgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.HubAgentID))
		return
	}
	h.withOriginator(c.id, func() {
		if msg.Action == "delete" {
			h.runner.StateCache().Delete(msg.Key)
			return
		}
		if err := h.runner.StateCache().Set(msg.Key, msg.Value); err != nil {
			_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
		}
	})
}

func (s *Server) handleFileWriteThrough(c *Client, msg inbound) {
	if err := s.applyFileWrite(msg.HubAgentID, msg.Path, msg.Content, msg.Action); err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
		return
	}
	s.fanOut(msg.HubAgentID, filePushFrame(msg.HubAgentID, msg.Path, msg.Content, msg.Action), c.id)
}

func (s *Server) handleDOMUpdate(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.HubAgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.HubAgentID))
		return
	}
	if msg.DOMState == nil {
		_ = c.sendJSON(errorFrame(msg.ID, "missing domState"))
		return
	}
	if err := h.runner.SetDOMState(msg.DOMState); err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, err.Error()))
	}
}

func (s *Server) handleBrowserToolResult(c *Client, msg inbound) {
	if msg.Result == nil {
		_ = c.sendJSON(errorFrame(msg.ID, "missing result"))
		return
	}
	s.router.HandleResult(msg.ID, *msg.Result)
}

// RequestSkillApproval asks subscribed clients to approve a skill and
// waits for the first response.
func (s *Server) RequestSkillApproval(ctx context.Context, agentID, skillName string) (bool, error) {
	id := uuid.NewString()
	ch := make(chan bool, 1)
	s.approvalMu.Lock()
	s.approvals[id] = ch
	s.approvalMu.Unlock()
	defer func() {
		s.approvalMu.Lock()
		delete(s.approvals, id)
		s.approvalMu.Unlock()
	}()

	s.fanOut(agentID, map[string]any{
		"type": "skill_approval_request", "id": id,
		"agentId": agentID, "skill": skillName,
	}, "")
	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Server) resolveApproval(id string, approved bool) {
	s.approvalMu.Lock()
	ch, ok := s.approvals[id]
	delete(s.approvals, id)
	s.approvalMu.Unlock()
	if ok {
		ch <- approved
	}
}

func (s *Server) handleStreamRequest(c *Client, msg inbound) {
	if s.browse == nil {
		_ = c.sendJSON(map[string]any{"type": "browse_stream_error", "agentId": msg.AgentID, "error": "browser automation not configured"})
		return
	}
	token, err := s.streamTokens.Issue(msg.AgentID, c.id)
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "browse_stream_error", "agentId": msg.AgentID, "error": err.Error()})
		return
	}
	frame := map[string]any{
		"type": "browse_stream_token", "agentId": msg.AgentID,
		"token": token, "streamPort": s.streamPort,
		"viewport": map[string]int{"width": s.viewportWidth, "height": s.viewportHeight},
	}
	if s.streamURL != "" {
		frame["streamUrl"] = s.streamURL
	}
	_ = c.sendJSON(frame)
}

func (s *Server) handleStreamStop(c *Client, msg inbound) {
	s.stopStream(c.id, msg.AgentID)
	_ = c.sendJSON(map[string]any{"type": "browse_stream_stopped", "agentId": msg.AgentID})
}

func (s *Server) handleInterveneRequest(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.AgentID)
	if err != nil {
		_ = c.sendJSON(map[string]any{"type": "browse_intervene_denied", "agentId": msg.AgentID, "error": "unknown agent: " + msg.AgentID})
		return
	}
	if err := h.runner.InterveneStart(); err != nil {
		_ = c.sendJSON(map[string]any{"type": "browse_intervene_denied", "agentId": msg.AgentID, "error": err.Error()})
		return
	}
	_ = c.sendJSON(map[string]any{"type": "browse_intervene_granted", "agentId": msg.AgentID, "mode": msg.Mode})
}

func (s *Server) handleInterveneRelease(c *Client, msg inbound) {
	h, err := s.host(context.Background(), msg.AgentID)
	if err != nil {
		_ = c.sendJSON(errorFrame(msg.ID, "unknown agent: "+msg.AgentID))
		return
	}
	notification := msg.Content
	if notification == "" {
		notification = "User took direct control of the page and has now returned it."
	}
	h.runner.InterveneEnd(notification)
	s.fanOut(msg.AgentID, map[string]any{
		"type": "browse_intervene_ended", "agentId": msg.AgentID,
		"reason": "released", "notification": notification,
	}, "")
}

func (s *Server) handlePushSubscribe(c *Client, msg inbound) {
	if s.push == nil {
		_ = c.sendJSON(map[string]any{"type": "push_subscribe_result", "success": false, "error": "Push notifications not configured"})
		return
	}
	s.push.Subscribe(c.id, msg.Subscription)
	if err := s.push.SendVerification(c.id); err != nil {
		s.logger.Warn("push verification delivery failed", "client", c.id, "error", err)
	}
	_ = c.sendJSON(map[string]any{"type": "push_subscribe_result", "success": true})
}

func (s *Server) handlePushVerify(c *Client, msg inbound) {
	ok := s.push != nil && s.push.VerifyPin(c.id, msg.Pin)
	_ = c.sendJSON(map[string]any{"type": "push_verify_result", "success": ok})
}
