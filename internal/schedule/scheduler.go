// Package schedule fires stored triggers for hub agents. Cron triggers are
// evaluated on a central tick loop; event triggers fire on state changes,
// browser attach/detach, and custom emits from sandboxed code. A firing
// schedule dispatches either a user message (waking the agentic loop) or a
// stored tool call (bypassing the LLM).
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/robman/flo.monster-sub000/internal/condition"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

// DefaultMaxPerAgent caps schedules per agent.
const DefaultMaxPerAgent = 10

// DefaultTickInterval is how often cron triggers are evaluated.
const DefaultTickInterval = time.Second

// cronParser accepts the five-field grammar only. No seconds field and no
// descriptors, so sub-minute expressions fail to parse and one minute is the
// tightest possible interval.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

var (
	ErrScheduleLimit    = errors.New("schedule limit reached")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrUnknownAgent     = errors.New("agent not registered")
)

// Agent is the scheduler's view of one hosted runner.
type Agent interface {
	Busy() bool
	SendMessage(text string) error
	// ExecuteTool runs a stored tool call through the agent's pipeline.
	ExecuteTool(name string, input json.RawMessage) models.ToolResult
}

type entry struct {
	models.Schedule
	cronSched cron.Schedule
	nextRun   time.Time
}

type agentState struct {
	agent   Agent
	entries map[string]*entry
}

// Scheduler manages schedules for all registered agents.
type Scheduler struct {
	mu     sync.Mutex
	agents map[string]*agentState

	maxPerAgent int
	tick        time.Duration
	now         func() time.Time
	onFailure   func(agentID, scheduleID, detail string)
	logger      *slog.Logger

	cancel chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the cron evaluation interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMaxPerAgent overrides the per-agent schedule cap.
func WithMaxPerAgent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxPerAgent = n
		}
	}
}

// WithFailureHandler sets the callback invoked when a fired payload fails.
// Failures never tear down the scheduler.
func WithFailureHandler(fn func(agentID, scheduleID, detail string)) Option {
	return func(s *Scheduler) { s.onFailure = fn }
}

// WithLogger overrides the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a stopped scheduler; call Start to begin cron evaluation.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		agents:      make(map[string]*agentState),
		maxPerAgent: DefaultMaxPerAgent,
		tick:        DefaultTickInterval,
		now:         time.Now,
		logger:      slog.Default().With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the cron tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.cancel = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.cancel)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	s.wg.Wait()
}

func (s *Scheduler) run(cancel <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			s.tickCron()
		}
	}
}

// Register attaches an agent and its persisted schedules. Invalid persisted
// entries are dropped with a warning rather than failing the whole agent.
func (s *Scheduler) Register(agentID string, agent Agent, schedules []models.Schedule) {
	st := &agentState{agent: agent, entries: make(map[string]*entry)}
	now := s.now()
	for _, sched := range schedules {
		e, err := s.newEntry(sched, now)
		if err != nil {
			s.logger.Warn("dropping invalid schedule", "agent", agentID, "schedule", sched.ID, "error", err)
			continue
		}
		st.entries[e.ID] = e
	}
	s.mu.Lock()
	s.agents[agentID] = st
	s.mu.Unlock()
}

// Unregister detaches an agent and all of its schedules.
func (s *Scheduler) Unregister(agentID string) {
	s.mu.Lock()
	delete(s.agents, agentID)
	s.mu.Unlock()
}

// Add validates and stores a schedule for an agent. Adds beyond the
// per-agent cap fail with ErrScheduleLimit.
func (s *Scheduler) Add(agentID string, sched models.Schedule) (models.Schedule, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	e, err := s.newEntry(sched, s.now())
	if err != nil {
		return models.Schedule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return models.Schedule{}, ErrUnknownAgent
	}
	if _, replacing := st.entries[e.ID]; !replacing && len(st.entries) >= s.maxPerAgent {
		return models.Schedule{}, fmt.Errorf("%w: agent %s already has %d schedules", ErrScheduleLimit, agentID, len(st.entries))
	}
	st.entries[e.ID] = e
	return e.Schedule, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(agentID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if _, ok := st.entries[scheduleID]; !ok {
		return ErrScheduleNotFound
	}
	delete(st.entries, scheduleID)
	return nil
}

// SetEnabled toggles a schedule. Re-enabling a maxRuns-exhausted schedule
// resets its run count.
func (s *Scheduler) SetEnabled(agentID, scheduleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	e, ok := st.entries[scheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	if enabled && !e.Enabled && e.MaxRuns > 0 && e.RunCount >= e.MaxRuns {
		e.RunCount = 0
	}
	e.Enabled = enabled
	if enabled && e.Kind == models.ScheduleCron {
		e.nextRun = e.cronSched.Next(s.now())
	}
	return nil
}

// List snapshots an agent's schedules for persistence.
func (s *Scheduler) List(agentID string) []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]models.Schedule, 0, len(st.entries))
	for _, e := range st.entries {
		out = append(out, e.Schedule)
	}
	return out
}

// Emit fires custom-named event triggers for an agent. Sandboxed code
// reaches this through the bridge.
func (s *Scheduler) Emit(agentID, eventName string, payload json.RawMessage) {
	s.fireEvent(agentID, eventName, nil, payload)
}

// HandleStateChange fires "state:<key>" triggers. Wired into the agent's
// state store change fan-out.
func (s *Scheduler) HandleStateChange(agentID, key string, oldValue, newValue json.RawMessage) {
	s.fireEvent(agentID, "state:"+key, oldValue, newValue)
}

// HandleBrowserPresence fires "browser:connected" or "browser:disconnected".
func (s *Scheduler) HandleBrowserPresence(agentID string, connected bool) {
	name := "browser:disconnected"
	if connected {
		name = "browser:connected"
	}
	s.fireEvent(agentID, name, nil, nil)
}

func (s *Scheduler) newEntry(sched models.Schedule, now time.Time) (*entry, error) {
	e := &entry{Schedule: sched}
	switch sched.Kind {
	case models.ScheduleCron:
		if strings.TrimSpace(sched.Cron) == "" {
			return nil, fmt.Errorf("cron schedule missing expression")
		}
		parsed, err := cronParser.Parse(sched.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
		e.cronSched = parsed
		e.nextRun = parsed.Next(now)
	case models.ScheduleEvent:
		if sched.Event == nil || strings.TrimSpace(sched.Event.EventName) == "" {
			return nil, fmt.Errorf("event schedule missing event name")
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
	switch sched.Payload.Kind {
	case models.PayloadMessage:
		if sched.Payload.Text == "" {
			return nil, fmt.Errorf("message payload missing text")
		}
	case models.PayloadTool:
		if sched.Payload.Name == "" {
			return nil, fmt.Errorf("tool payload missing tool name")
		}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", sched.Payload.Kind)
	}
	return e, nil
}

// tickCron evaluates due cron entries. A trigger that comes due while its
// runner is busy is dropped, not queued; nextRun advances either way.
func (s *Scheduler) tickCron() {
	now := s.now()

	type firing struct {
		agentID string
		agent   Agent
		e       *entry
	}
	var due []firing

	s.mu.Lock()
	for agentID, st := range s.agents {
		for _, e := range st.entries {
			if e.Kind != models.ScheduleCron || !e.Enabled {
				continue
			}
			if e.nextRun.After(now) {
				continue
			}
			e.nextRun = e.cronSched.Next(now)
			if st.agent.Busy() {
				s.logger.Debug("cron trigger skipped, runner busy", "agent", agentID, "schedule", e.ID)
				continue
			}
			s.markRun(e, now)
			due = append(due, firing{agentID: agentID, agent: st.agent, e: e})
		}
	}
	s.mu.Unlock()

	for _, f := range due {
		s.dispatch(f.agentID, f.agent, f.e.Schedule)
	}
}

func (s *Scheduler) fireEvent(agentID, eventName string, oldValue, newValue json.RawMessage) {
	s.mu.Lock()
	st, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.now()
	var due []models.Schedule
	for _, e := range st.entries {
		if e.Kind != models.ScheduleEvent || !e.Enabled || e.Event.EventName != eventName {
			continue
		}
		if !eventConditionMet(e.Event.Condition, oldValue, newValue) {
			continue
		}
		if st.agent.Busy() {
			s.logger.Debug("event trigger skipped, runner busy", "agent", agentID, "schedule", e.ID, "event", eventName)
			continue
		}
		s.markRun(e, now)
		due = append(due, e.Schedule)
	}
	agent := st.agent
	s.mu.Unlock()

	for _, sched := range due {
		s.dispatch(agentID, agent, sched)
	}
}

// eventConditionMet treats an empty condition as always. Unsupported
// condition strings are inert and never fire.
func eventConditionMet(raw string, oldValue, newValue json.RawMessage) bool {
	if strings.TrimSpace(raw) == "" {
		return true
	}
	return condition.Parse(raw).Eval(oldValue, newValue)
}

// markRun is called with s.mu held.
func (s *Scheduler) markRun(e *entry, now time.Time) {
	e.RunCount++
	e.LastRunAt = now
	if e.MaxRuns > 0 && e.RunCount >= e.MaxRuns {
		e.Enabled = false
		s.logger.Info("schedule reached max runs, disabled", "schedule", e.ID, "runs", e.RunCount)
	}
}

func (s *Scheduler) dispatch(agentID string, agent Agent, sched models.Schedule) {
	switch sched.Payload.Kind {
	case models.PayloadMessage:
		if err := agent.SendMessage(sched.Payload.Text); err != nil {
			s.fail(agentID, sched.ID, fmt.Sprintf("deliver message: %v", err))
		}
	case models.PayloadTool:
		res := agent.ExecuteTool(sched.Payload.Name, sched.Payload.Input)
		if res.IsError {
			s.fail(agentID, sched.ID, fmt.Sprintf("tool %s: %s", sched.Payload.Name, res.Content))
		} else {
			s.logger.Debug("stored tool call completed", "agent", agentID, "schedule", sched.ID, "tool", sched.Payload.Name)
		}
	}
}

func (s *Scheduler) fail(agentID, scheduleID, detail string) {
	s.logger.Warn("schedule payload failed", "agent", agentID, "schedule", scheduleID, "detail", detail)
	if s.onFailure != nil {
		s.onFailure(agentID, scheduleID, detail)
	}
}
