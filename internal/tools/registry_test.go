package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robman/flo.monster-sub000/internal/sandbox"
	"github.com/robman/flo.monster-sub000/internal/schedule"
	"github.com/robman/flo.monster-sub000/internal/store"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "Echo input back." }
func (echoTool) Schema() json.RawMessage    { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	return &models.ToolResult{Content: string(input)}, nil
}

type failTool struct{}

func (failTool) Name() string            { return "fail" }
func (failTool) Description() string     { return "Always fails." }
func (failTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failTool) Execute(ctx context.Context, agentID string, input json.RawMessage) (*models.ToolResult, error) {
	return nil, errors.New("internal blowup")
}

func TestRegistryDispatch(t *testing.T) {
	var routed []string
	r := NewRegistry(func(agentID, toolName string, input json.RawMessage) models.ToolResult {
		routed = append(routed, toolName)
		return models.ToolResult{Content: "from browser"}
	}, nil)
	r.Register(echoTool{})
	r.RegisterBrowserOnly(models.ToolDescriptor{Name: "dom_query"})

	res := r.Execute(context.Background(), "a1", "echo", json.RawMessage(`{"x":1}`))
	assert.Equal(t, `{"x":1}`, res.Content)

	res = r.Execute(context.Background(), "a1", "dom_query", nil)
	assert.Equal(t, "from browser", res.Content)
	assert.Equal(t, []string{"dom_query"}, routed)

	res = r.Execute(context.Background(), "a1", "nope", nil)
	require.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: nope", res.Content)
}

func TestRegistryWrapsInternalErrors(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(failTool{})
	res := r.Execute(context.Background(), "a1", "fail", nil)
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "internal blowup")
}

func TestBrowserOnlyWithoutRouter(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.RegisterBrowserOnly(models.ToolDescriptor{Name: "screenshot"})
	res := r.Execute(context.Background(), "a1", "screenshot", nil)
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "No browser connected")
}

func TestCatalogSortedAndMarked(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(echoTool{})
	r.RegisterBrowserOnly(models.ToolDescriptor{Name: "dom_query", Description: "Query the live DOM."})
	catalog := r.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, "dom_query", catalog[0].Name)
	assert.True(t, catalog[0].BrowserOnly)
	assert.Equal(t, "echo", catalog[1].Name)
	assert.False(t, catalog[1].BrowserOnly)
	assert.True(t, r.IsBrowserOnly("dom_query"))
	assert.False(t, r.IsBrowserOnly("echo"))
}

func agentStores(t *testing.T) (StoresFunc, *store.StateStore, *store.StorageStore) {
	t.Helper()
	state := store.NewStateStore()
	storage := store.NewStorageStore()
	fn := func(agentID string) (*store.StateStore, *store.StorageStore, error) {
		if agentID != "a1" {
			return nil, nil, errors.New("unknown agent " + agentID)
		}
		return state, storage, nil
	}
	return fn, state, storage
}

func TestStateTool(t *testing.T) {
	fn, state, _ := agentStores(t)
	tool := NewStateTool(fn)

	res, err := tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"set","key":"temp","value":42}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	v, ok := state.Get("temp")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`42`), v)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"get","key":"temp"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", res.Content)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"get","key":"missing"}`))
	require.NoError(t, err)
	assert.Equal(t, "null", res.Content)

	res, err = tool.Execute(context.Background(), "a9", json.RawMessage(`{"action":"get","key":"temp"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestStorageTool(t *testing.T) {
	fn, _, storage := agentStores(t)
	tool := NewStorageTool(fn)

	_, err := tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"set","key":"note","value":"keep"}`))
	require.NoError(t, err)
	v, ok := storage.Get("note")
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`"keep"`), v)

	res, err := tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `["note"]`, res.Content)

	_, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"delete","key":"note"}`))
	require.NoError(t, err)
	_, ok = storage.Get("note")
	assert.False(t, ok)
}

func TestScheduleTool(t *testing.T) {
	sched := schedule.New()
	sched.Register("a1", &scheduleAgentStub{}, nil)
	tool := NewScheduleTool(sched)

	res, err := tool.Execute(context.Background(), "a1", json.RawMessage(
		`{"action":"add","schedule":{"id":"s1","kind":"cron","cron":"0 9 * * *","payload":{"kind":"message","text":"morning"}}}`))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Content, `"s1"`)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"disable","id":"s1"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.False(t, sched.List("a1")[0].Enabled)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"action":"remove","id":"s1"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Empty(t, sched.List("a1"))
}

type scheduleAgentStub struct{}

func (scheduleAgentStub) Busy() bool                 { return false }
func (scheduleAgentStub) SendMessage(string) error   { return nil }
func (scheduleAgentStub) ExecuteTool(string, json.RawMessage) models.ToolResult {
	return models.ToolResult{}
}

func TestRunJSTool(t *testing.T) {
	executor := sandbox.New()
	tool := NewRunJSTool(executor, func(agentID string) (sandbox.Host, error) {
		return stubHost{}, nil
	})

	res, err := tool.Execute(context.Background(), "a1", json.RawMessage(`{"code":"console.log(\"hi\"); 1 + 1"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "hi\n2", res.Content)

	res, err = tool.Execute(context.Background(), "a1", json.RawMessage(`{"code":""}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type stubHost struct{}

func (stubHost) StateGet(string) (json.RawMessage, bool)  { return nil, false }
func (stubHost) StateSet(string, json.RawMessage) error   { return nil }
func (stubHost) StateAll() map[string]json.RawMessage     { return nil }
func (stubHost) StorageGet(string) (json.RawMessage, bool) { return nil, false }
func (stubHost) StorageSet(string, json.RawMessage)        {}
func (stubHost) StorageDelete(string)                      {}
func (stubHost) StorageList() []string                     { return nil }
func (stubHost) Push(string, string) error                 { return errors.New("Push notifications not configured") }
func (stubHost) Emit(string, json.RawMessage)              {}
func (stubHost) Notify(string) error                       { return nil }
func (stubHost) NotifyUser(string)                         {}
func (stubHost) CallTool(string, json.RawMessage) models.ToolResult {
	return models.ToolResult{}
}
