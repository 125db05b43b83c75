package schedule

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

type fakeAgent struct {
	mu       sync.Mutex
	busy     bool
	messages []string
	tools    []string
	toolErr  bool
	sendErr  error
}

func (a *fakeAgent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *fakeAgent) SendMessage(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.messages = append(a.messages, text)
	return nil
}

func (a *fakeAgent) ExecuteTool(name string, input json.RawMessage) models.ToolResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tools = append(a.tools, name)
	if a.toolErr {
		return models.ErrorResult("boom")
	}
	return models.ToolResult{Content: "ok"}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock, *fakeAgent) {
	t.Helper()
	c := &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := New(WithNow(c.now))
	a := &fakeAgent{}
	s.Register("a1", a, nil)
	return s, c, a
}

func cronMessage(id, expr, text string) models.Schedule {
	return models.Schedule{
		ID:      id,
		Kind:    models.ScheduleCron,
		Enabled: true,
		Cron:    expr,
		Payload: models.SchedulePayload{Kind: models.PayloadMessage, Text: text},
	}
}

func eventSchedule(id, event, cond string) models.Schedule {
	return models.Schedule{
		ID:      id,
		Kind:    models.ScheduleEvent,
		Enabled: true,
		Event:   &models.EventTrigger{EventName: event, Condition: cond},
		Payload: models.SchedulePayload{Kind: models.PayloadMessage, Text: "fired"},
	}
}

func TestCronFiresOncePerBoundary(t *testing.T) {
	s, c, a := newTestScheduler(t)
	_, err := s.Add("a1", cronMessage("s1", "*/1 * * * *", "tick"))
	require.NoError(t, err)

	// Still inside the current minute.
	c.advance(30 * time.Second)
	s.tickCron()
	assert.Empty(t, a.messages)

	// Crossing the boundary fires exactly once even with repeated ticks.
	c.advance(31 * time.Second)
	s.tickCron()
	s.tickCron()
	assert.Equal(t, []string{"tick"}, a.messages)

	c.advance(time.Minute)
	s.tickCron()
	assert.Equal(t, []string{"tick", "tick"}, a.messages)
}

func TestCronSkipWhileBusy(t *testing.T) {
	s, c, a := newTestScheduler(t)
	_, err := s.Add("a1", cronMessage("s1", "*/1 * * * *", "tick"))
	require.NoError(t, err)
	a.busy = true

	// Two boundary crossings evaluate the trigger twice, nothing lands.
	c.advance(time.Minute)
	s.tickCron()
	c.advance(time.Minute)
	s.tickCron()
	assert.Empty(t, a.messages)

	// Skips do not count as runs.
	assert.Zero(t, s.List("a1")[0].RunCount)

	// Once the runner frees up the next boundary fires normally.
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
	c.advance(time.Minute)
	s.tickCron()
	assert.Equal(t, []string{"tick"}, a.messages)
}

func TestSubMinuteExpressionRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.Add("a1", cronMessage("s1", "*/30 * * * * *", "too fast"))
	require.Error(t, err)
	_, err = s.Add("a1", cronMessage("s2", "@every 10s", "descriptor"))
	require.Error(t, err)
}

func TestPerAgentCap(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	for i := 0; i < DefaultMaxPerAgent; i++ {
		_, err := s.Add("a1", cronMessage(fmt.Sprintf("s%d", i), "0 * * * *", "x"))
		require.NoError(t, err)
	}
	_, err := s.Add("a1", cronMessage("overflow", "0 * * * *", "x"))
	require.ErrorIs(t, err, ErrScheduleLimit)

	// Replacing an existing id is not an add.
	_, err = s.Add("a1", cronMessage("s0", "30 * * * *", "x"))
	require.NoError(t, err)
}

func TestMaxRunsAutoDisables(t *testing.T) {
	s, c, a := newTestScheduler(t)
	sched := cronMessage("s1", "*/1 * * * *", "tick")
	sched.MaxRuns = 2
	_, err := s.Add("a1", sched)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c.advance(time.Minute)
		s.tickCron()
	}
	assert.Equal(t, []string{"tick", "tick"}, a.messages)

	got := s.List("a1")[0]
	assert.False(t, got.Enabled)
	assert.Equal(t, 2, got.RunCount)

	// Re-enable resets the count and it runs again.
	require.NoError(t, s.SetEnabled("a1", "s1", true))
	c.advance(time.Minute)
	s.tickCron()
	assert.Len(t, a.messages, 3)
}

func TestStateEventTrigger(t *testing.T) {
	s, _, a := newTestScheduler(t)
	_, err := s.Add("a1", eventSchedule("s1", "state:temp", "> 50"))
	require.NoError(t, err)

	s.HandleStateChange("a1", "temp", json.RawMessage(`20`), json.RawMessage(`30`))
	assert.Empty(t, a.messages)

	s.HandleStateChange("a1", "temp", json.RawMessage(`30`), json.RawMessage(`80`))
	assert.Equal(t, []string{"fired"}, a.messages)

	// A different key never matches.
	s.HandleStateChange("a1", "humidity", nil, json.RawMessage(`99`))
	assert.Len(t, a.messages, 1)
}

func TestBrowserPresenceTrigger(t *testing.T) {
	s, _, a := newTestScheduler(t)
	_, err := s.Add("a1", eventSchedule("s1", "browser:connected", ""))
	require.NoError(t, err)

	s.HandleBrowserPresence("a1", true)
	s.HandleBrowserPresence("a1", false)
	assert.Equal(t, []string{"fired"}, a.messages)
}

func TestCustomEmitTrigger(t *testing.T) {
	s, _, a := newTestScheduler(t)
	_, err := s.Add("a1", eventSchedule("s1", "order-placed", "always"))
	require.NoError(t, err)

	s.Emit("a1", "order-placed", json.RawMessage(`{"sku":"x"}`))
	s.Emit("a1", "other-event", nil)
	assert.Equal(t, []string{"fired"}, a.messages)
}

func TestInertConditionNeverFires(t *testing.T) {
	s, _, a := newTestScheduler(t)
	_, err := s.Add("a1", eventSchedule("s1", "state:x", "state.x > state.y"))
	require.NoError(t, err)

	s.HandleStateChange("a1", "x", nil, json.RawMessage(`5`))
	assert.Empty(t, a.messages)
}

func TestEventBusySkip(t *testing.T) {
	s, _, a := newTestScheduler(t)
	_, err := s.Add("a1", eventSchedule("s1", "state:temp", "changed"))
	require.NoError(t, err)
	a.busy = true

	s.HandleStateChange("a1", "temp", nil, json.RawMessage(`1`))
	assert.Empty(t, a.messages)
}

func TestStoredToolDispatch(t *testing.T) {
	s, c, a := newTestScheduler(t)
	_, err := s.Add("a1", models.Schedule{
		ID:      "s1",
		Kind:    models.ScheduleCron,
		Enabled: true,
		Cron:    "*/1 * * * *",
		Payload: models.SchedulePayload{Kind: models.PayloadTool, Name: "dom_query", Input: json.RawMessage(`{"selector":"#app"}`)},
	})
	require.NoError(t, err)

	c.advance(time.Minute)
	s.tickCron()
	assert.Equal(t, []string{"dom_query"}, a.tools)
	assert.Empty(t, a.messages)
}

func TestToolFailureReportedNotFatal(t *testing.T) {
	c := &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	var failures []string
	s := New(WithNow(c.now), WithFailureHandler(func(agentID, scheduleID, detail string) {
		failures = append(failures, scheduleID+": "+detail)
	}))
	a := &fakeAgent{toolErr: true}
	s.Register("a1", a, nil)
	_, err := s.Add("a1", models.Schedule{
		ID:      "s1",
		Kind:    models.ScheduleCron,
		Enabled: true,
		Cron:    "*/1 * * * *",
		Payload: models.SchedulePayload{Kind: models.PayloadTool, Name: "bad_tool"},
	})
	require.NoError(t, err)

	c.advance(time.Minute)
	s.tickCron()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "bad_tool")

	// The schedule stays enabled after a payload failure.
	assert.True(t, s.List("a1")[0].Enabled)
}

func TestRegisterDropsInvalidPersistedEntries(t *testing.T) {
	c := &clock{t: time.Now()}
	s := New(WithNow(c.now))
	a := &fakeAgent{}
	s.Register("a1", a, []models.Schedule{
		cronMessage("good", "0 9 * * 1-5", "morning"),
		cronMessage("bad", "not a cron", "x"),
	})
	list := s.List("a1")
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestRemoveAndUnknownAgent(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.Add("a1", cronMessage("s1", "0 * * * *", "x"))
	require.NoError(t, err)
	require.NoError(t, s.Remove("a1", "s1"))
	assert.ErrorIs(t, s.Remove("a1", "s1"), ErrScheduleNotFound)
	assert.ErrorIs(t, s.Remove("nope", "s1"), ErrUnknownAgent)
	_, err = s.Add("nope", cronMessage("s1", "0 * * * *", "x"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}
