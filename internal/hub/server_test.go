package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robman/flo.monster-sub000/internal/auth"
	"github.com/robman/flo.monster-sub000/internal/config"
	"github.com/robman/flo.monster-sub000/internal/session"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

func testServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Token = "secret-token"
	cfg.Auth.LocalhostBypass = false
	cfg.Auth.SigningSecret = "signing-secret"
	cfg.Sandbox.Path = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg, session.NewMemoryStore())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialHub(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// awaitType reads frames until one with the wanted type arrives.
func awaitType(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("no %s frame arrived", wantType)
	return nil
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "auth", "token": token})
	frame := awaitType(t, conn, "auth_result")
	require.Equal(t, true, frame["success"])
	awaitType(t, conn, "announce_tools")
}

func testSession(agentID string) json.RawMessage {
	sess := models.Session{AgentID: agentID}
	data, _ := json.Marshal(sess.Normalize())
	return data
}

func persistAgent(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "persist_agent", "id": "p1", "session": json.RawMessage(testSession(agentID))})
	frame := awaitType(t, conn, "persist_result")
	require.Equal(t, true, frame["success"])
}

func subscribe(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "subscribe_agent", "agentId": agentID})
	awaitType(t, conn, "conversation_history")
	awaitType(t, conn, "context_change")
}

func TestUnauthenticatedMessagesAreRejected(t *testing.T) {
	s, ts := testServer(t, nil)
	conn := dialHub(t, ts)

	for _, msgType := range []string{"tool_request", "subscribe_agent", "browser_tool_result", "persist_agent", "send_message"} {
		sendFrame(t, conn, map[string]any{"type": msgType, "id": "x", "agentId": "a1"})
		frame := readFrame(t, conn)
		assert.Equal(t, "error", frame["type"], msgType)
		assert.Contains(t, frame["message"], "Not authenticated", msgType)
	}
	assert.Equal(t, 0, s.hostedCount())
}

func TestAuthWithTokenSucceeds(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	sendFrame(t, conn, map[string]any{"type": "auth", "token": "secret-token"})
	frame := awaitType(t, conn, "auth_result")
	assert.Equal(t, true, frame["success"])
	assert.Equal(t, "flo-hub", frame["hubName"])
	tools := awaitType(t, conn, "announce_tools")
	assert.NotEmpty(t, tools["tools"])
}

func TestAuthBadTokenClosesConnection(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	sendFrame(t, conn, map[string]any{"type": "auth", "token": "wrong"})
	frame := awaitType(t, conn, "auth_result")
	assert.Equal(t, false, frame["success"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestLocalhostBypassIgnoresToken(t *testing.T) {
	_, ts := testServer(t, func(cfg *config.Config) { cfg.Auth.LocalhostBypass = true })
	conn := dialHub(t, ts)
	authenticate(t, conn, "completely-wrong")
}

func TestUnknownToolRequest(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")

	sendFrame(t, conn, map[string]any{"type": "tool_request", "id": "t1", "name": "no_such_tool"})
	frame := awaitType(t, conn, "tool_result")
	assert.Equal(t, "t1", frame["id"])
	assert.Equal(t, true, frame["is_error"])
	assert.Equal(t, "Unknown tool: no_such_tool", frame["content"])
}

func TestPersistAndListAgents(t *testing.T) {
	s, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")
	persistAgent(t, conn, "a1")

	assert.Equal(t, 1, s.hostedCount())
	sendFrame(t, conn, map[string]any{"type": "list_hub_agents"})
	frame := awaitType(t, conn, "hub_agents_list")
	agents := frame["agents"].([]any)
	require.Len(t, agents, 1)
	entry := agents[0].(map[string]any)
	assert.Equal(t, "a1", entry["agentId"])
	assert.Equal(t, "running", entry["state"])
}

func TestSubscribeDeliversHistoryAndContext(t *testing.T) {
	_, ts := testServer(t, nil)
	owner := dialHub(t, ts)
	authenticate(t, owner, "secret-token")
	persistAgent(t, owner, "a1")

	viewer := dialHub(t, ts)
	authenticate(t, viewer, "secret-token")
	sendFrame(t, viewer, map[string]any{"type": "subscribe_agent", "agentId": "a1"})

	history := awaitType(t, viewer, "conversation_history")
	assert.Equal(t, "a1", history["agentId"])
	state := awaitType(t, viewer, "agent_state")
	assert.Equal(t, "running", state["state"])
	ctxChange := awaitType(t, viewer, "context_change")
	assert.Equal(t, "a1", ctxChange["agentId"])
}

func TestSubscribeUnknownAgentFails(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")
	sendFrame(t, conn, map[string]any{"type": "subscribe_agent", "agentId": "ghost"})
	frame := awaitType(t, conn, "error")
	assert.Contains(t, frame["message"], "unknown agent")
}

func TestStateWriteThroughFanOutSkipsOriginator(t *testing.T) {
	s, ts := testServer(t, nil)
	writer := dialHub(t, ts)
	authenticate(t, writer, "secret-token")
	persistAgent(t, writer, "a1")
	subscribe(t, writer, "a1")

	watcher := dialHub(t, ts)
	authenticate(t, watcher, "secret-token")
	subscribe(t, watcher, "a1")

	sendFrame(t, writer, map[string]any{
		"type": "state_write_through", "hubAgentId": "a1",
		"key": "score", "value": 42, "action": "set",
	})

	push := awaitType(t, watcher, "state_push")
	assert.Equal(t, "a1", push["hubAgentId"])
	assert.Equal(t, "score", push["key"])
	assert.Equal(t, float64(42), push["value"])
	assert.Equal(t, "set", push["action"])

	// The store holds the value and the writer saw no echo.
	h, err := s.host(t.Context(), "a1")
	require.NoError(t, err)
	val, ok := h.runner.StateCache().Get("score")
	require.True(t, ok)
	assert.JSONEq(t, "42", string(val))

	require.NoError(t, writer.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var echo map[string]any
	for {
		if err := writer.ReadJSON(&echo); err != nil {
			break
		}
		assert.NotEqual(t, "state_push", echo["type"])
	}
}

func TestBrowserToolRoundTrip(t *testing.T) {
	s, ts := testServer(t, nil)
	s.Registry().RegisterBrowserOnly(models.ToolDescriptor{
		Name: "dom", Description: "DOM access in the browser",
	})

	browser := dialHub(t, ts)
	authenticate(t, browser, "secret-token")
	persistAgent(t, browser, "a1")
	subscribe(t, browser, "a1")

	caller := dialHub(t, ts)
	authenticate(t, caller, "secret-token")
	sendFrame(t, caller, map[string]any{
		"type": "tool_request", "id": "t9", "name": "dom",
		"agentId": "a1", "input": map[string]any{"selector": "#app"},
	})

	req := awaitType(t, browser, "browser_tool_request")
	assert.Equal(t, "a1", req["hubAgentId"])
	assert.Equal(t, "dom", req["toolName"])
	sendFrame(t, browser, map[string]any{
		"type": "browser_tool_result", "id": req["id"],
		"result": map[string]any{"content": "<div id=\"app\"/>"},
	})

	res := awaitType(t, caller, "tool_result")
	assert.Equal(t, "t9", res["id"])
	assert.Equal(t, false, res["is_error"])
	assert.Equal(t, "<div id=\"app\"/>", res["content"])
}

func TestBrowserToolWithNoSubscriberFailsFast(t *testing.T) {
	s, ts := testServer(t, nil)
	s.Registry().RegisterBrowserOnly(models.ToolDescriptor{Name: "dom"})

	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")
	persistAgent(t, conn, "a1")

	start := time.Now()
	sendFrame(t, conn, map[string]any{"type": "tool_request", "id": "t1", "name": "dom", "agentId": "a1"})
	res := awaitType(t, conn, "tool_result")
	assert.Equal(t, true, res["is_error"])
	assert.Equal(t, "No browser connected for agent a1 (tool: dom)", res["content"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAgentActionLifecycle(t *testing.T) {
	s, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")
	persistAgent(t, conn, "a1")

	sendFrame(t, conn, map[string]any{"type": "agent_action", "agentId": "a1", "action": "pause"})
	sendFrame(t, conn, map[string]any{"type": "agent_action", "agentId": "a1", "action": "resume"})
	sendFrame(t, conn, map[string]any{"type": "agent_action", "agentId": "a1", "action": "remove"})

	require.Eventually(t, func() bool { return s.hostedCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err := s.sessions.Load(t.Context(), "a1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestoreAgentReturnsSession(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")
	persistAgent(t, conn, "a1")

	sendFrame(t, conn, map[string]any{"type": "restore_agent", "id": "r1", "agentId": "a1"})
	frame := awaitType(t, conn, "restore_session")
	sess := frame["session"].(map[string]any)
	assert.Equal(t, "a1", sess["agentId"])
}

func TestInvalidJSONGetsErrorNotDisconnect(t *testing.T) {
	_, ts := testServer(t, nil)
	conn := dialHub(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])

	// Still usable afterwards.
	sendFrame(t, conn, map[string]any{"type": "auth", "token": "secret-token"})
	res := awaitType(t, conn, "auth_result")
	assert.Equal(t, true, res["success"])
}

func TestFileWriteThroughFansOutAndWrites(t *testing.T) {
	s, ts := testServer(t, nil)
	writer := dialHub(t, ts)
	authenticate(t, writer, "secret-token")
	persistAgent(t, writer, "a1")
	subscribe(t, writer, "a1")

	watcher := dialHub(t, ts)
	authenticate(t, watcher, "secret-token")
	subscribe(t, watcher, "a1")

	sendFrame(t, writer, map[string]any{
		"type": "file_write_through", "hubAgentId": "a1",
		"path": "notes/today.md", "content": "hello", "action": "set",
	})
	push := awaitType(t, watcher, "file_push")
	assert.Equal(t, "notes/today.md", push["path"])
	assert.Equal(t, "hello", push["content"])

	data, err := os.ReadFile(filepath.Join(s.sandboxPath, "a1", "notes", "today.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSignedFileServing(t *testing.T) {
	s, ts := testServer(t, nil)
	dir := filepath.Join(s.sandboxPath, "a1", "out")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("done"), 0o644))

	exp := time.Now().Add(time.Hour).Unix()
	sig := auth.FileSignature(s.signingSecret, "a1", "out/report.txt", exp)

	resp, err := http.Get(fmt.Sprintf("%s/agents/a1/files/out/report.txt?sig=%s&exp=%d", ts.URL, sig, exp))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "done", string(body))

	for _, url := range []string{
		fmt.Sprintf("%s/agents/a1/files/out/report.txt?sig=%s&exp=%d", ts.URL, "deadbeef", exp),
		fmt.Sprintf("%s/agents/a1/files/out/report.txt?sig=%s&exp=%d", ts.URL, sig, time.Now().Add(-time.Hour).Unix()),
		fmt.Sprintf("%s/agents/a1/files/out/report.txt", ts.URL),
		fmt.Sprintf("%s/agents/a1/files/../../../etc/passwd?sig=%s&exp=%d", ts.URL, sig, exp),
	} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, url)
	}
}

func TestStreamTokenIssuedOnRequest(t *testing.T) {
	_, ts := testServer(t, func(cfg *config.Config) {
		cfg.Stream.BrowserDebugURL = "ws://127.0.0.1:9222/devtools/browser/x"
	})
	conn := dialHub(t, ts)
	authenticate(t, conn, "secret-token")

	// No browse manager attached: a stream request reports an error
	// instead of a token.
	sendFrame(t, conn, map[string]any{"type": "browse_stream_request", "agentId": "a1"})
	frame := awaitType(t, conn, "browse_stream_error")
	assert.Contains(t, frame["error"], "not configured")
}

func TestPushSubscribeVerifyFlow(t *testing.T) {
	sender := &recordingPushSender{}
	cfg := config.Default()
	cfg.Auth.Token = "secret-token"
	cfg.Auth.LocalhostBypass = false
	cfg.Auth.SigningSecret = "signing-secret"
	cfg.Sandbox.Path = t.TempDir()
	s := NewServer(cfg, session.NewMemoryStore(),
		WithPushService(NewPushService("vapid-pub", sender, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	conn := dialHub(t, ts)
	sendFrame(t, conn, map[string]any{"type": "auth", "token": "secret-token"})
	awaitType(t, conn, "auth_result")
	key := awaitType(t, conn, "vapid_public_key")
	assert.Equal(t, "vapid-pub", key["key"])

	sendFrame(t, conn, map[string]any{
		"type": "push_subscribe", "subscription": map[string]any{"endpoint": "https://push.example/x"},
	})
	res := awaitType(t, conn, "push_subscribe_result")
	require.Equal(t, true, res["success"])
	require.Eventually(t, func() bool { return sender.pin() != "" }, time.Second, 10*time.Millisecond)

	sendFrame(t, conn, map[string]any{"type": "push_verify_pin", "pin": "000001"})
	bad := awaitType(t, conn, "push_verify_result")
	assert.Equal(t, false, bad["success"])

	sendFrame(t, conn, map[string]any{"type": "push_verify_pin", "pin": sender.pin()})
	good := awaitType(t, conn, "push_verify_result")
	assert.Equal(t, true, good["success"])
}

func TestRehydrateStartsStoredAgents(t *testing.T) {
	s, _ := testServer(t, nil)
	sess := (&models.Session{AgentID: "a1"}).Normalize()
	sess.Schedules = []models.Schedule{{
		ID: "s1", Kind: models.ScheduleCron, Enabled: true, Cron: "*/5 * * * *",
		Payload: models.SchedulePayload{Kind: models.PayloadMessage, Text: "tick"},
	}}
	require.NoError(t, s.sessions.Save(t.Context(), sess))

	require.NoError(t, s.Rehydrate(t.Context()))
	assert.Equal(t, 1, s.hostedCount())

	h, err := s.host(t.Context(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, h.runner.State())
	schedules := s.Scheduler().List("a1")
	require.Len(t, schedules, 1)
	assert.Equal(t, "s1", schedules[0].ID)
}

type recordingPushSender struct {
	mu   sync.Mutex
	last string
}

func (r *recordingPushSender) Send(_ json.RawMessage, _ string, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = body
	return nil
}

// pin extracts the PIN digits out of the verification body.
func (r *recordingPushSender) pin() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	fields := strings.Fields(r.last)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
