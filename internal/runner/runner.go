package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robman/flo.monster-sub000/internal/store"
	"github.com/robman/flo.monster-sub000/pkg/models"
)

var (
	// ErrInvalidState is returned for lifecycle calls that are not legal
	// transitions from the current state.
	ErrInvalidState = errors.New("runner: invalid state")

	// ErrNotRunning is returned by SendMessage when the runner is neither
	// running nor inert.
	ErrNotRunning = errors.New("runner: not running")
)

// Runner hosts one agent. All mutation of conversation, stores, and
// lifecycle state is serialized through its mutex; at most one loop turn is
// in flight at a time.
type Runner struct {
	mu sync.Mutex

	agentID  string
	config   models.AgentConfig
	metadata models.SessionMetadata

	state models.RunnerState
	busy  bool

	pauseRequested bool
	stopRequested  bool
	intervening    bool

	// Single-slot queue: at most one user message buffered while busy.
	// Later sends overwrite earlier ones.
	queued *models.Message

	conversation []models.Message
	storage      *store.StorageStore
	stateCache   *store.StateStore
	dom          *store.DOMContainer
	dependencies json.RawMessage

	deps       Dependencies
	cancelTurn context.CancelFunc

	nextSubID   int
	events      map[int]func(models.RunnerEvent)
	agentEvents map[int]func(models.LoopEvent)

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger overrides the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New rehydrates a runner from a session snapshot. The runner starts in the
// pending state regardless of the state it was serialized under.
func New(sess *models.Session, deps Dependencies, opts ...Option) *Runner {
	sess.Normalize()
	r := &Runner{
		agentID:      sess.AgentID,
		config:       sess.Config,
		metadata:     sess.Metadata,
		state:        models.StatePending,
		conversation: append([]models.Message(nil), sess.Conversation...),
		storage:      store.NewStorageStore(),
		stateCache:   nil,
		dom:          store.NewDOMContainer(),
		dependencies: sess.Dependencies,
		deps:         deps,
		events:       make(map[int]func(models.RunnerEvent)),
		agentEvents:  make(map[int]func(models.LoopEvent)),
		logger:       slog.Default().With("component", "runner", "agent", sess.AgentID),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metadata.CreatedAt.IsZero() {
		r.metadata.CreatedAt = r.now()
	}

	r.stateCache = store.NewStateStore(
		store.WithEscalate(r.onEscalation),
		store.WithPersist(r.persistAsync),
	)
	r.restoreStores(sess)
	if sess.DOMState != nil {
		if err := r.dom.Restore(sess.DOMState); err != nil {
			r.logger.Warn("restore dom snapshot failed", "error", err)
		}
	}
	return r
}

// AgentID returns the stable agent id.
func (r *Runner) AgentID() string { return r.agentID }

// Config returns the agent configuration.
func (r *Runner) Config() models.AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// State returns the observable lifecycle state.
func (r *Runner) State() models.RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a loop turn is in flight.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// StateCache exposes the agent's reactive state store.
func (r *Runner) StateCache() *store.StateStore { return r.stateCache }

// Storage exposes the agent's key-value storage.
func (r *Runner) Storage() *store.StorageStore { return r.storage }

// DOM exposes the agent's DOM container.
func (r *Runner) DOM() *store.DOMContainer { return r.dom }

// Conversation returns a copy of the conversation history.
func (r *Runner) Conversation() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.conversation...)
}

// Start transitions pending→running. Any other starting state fails with
// ErrInvalidState.
func (r *Runner) Start() error {
	r.mu.Lock()
	if r.state != models.StatePending {
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, r.state)
	}
	r.state = models.StateRunning
	r.mu.Unlock()
	r.emitStateChange(models.StateRunning)
	return nil
}

// SendMessage appends a user message and, when running and not busy,
// synchronously starts a loop turn. While busy the message lands in the
// single-slot queue. Inert runners (no loop injected) only append.
func (r *Runner) SendMessage(text string) error {
	return r.send(models.UserMessage(text))
}

func (r *Runner) send(msg models.Message) error {
	r.mu.Lock()
	inert := r.deps.Loop == nil
	if !inert && r.state != models.StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotRunning, r.state)
	}
	if r.busy {
		r.queued = &msg
		r.mu.Unlock()
		return nil
	}
	r.conversation = append(r.conversation, msg)
	start := !inert
	if start {
		r.beginTurnLocked(msg)
	}
	r.mu.Unlock()

	r.emit(models.RunnerEvent{Type: models.RunnerMessage, AgentID: r.agentID, Message: &msg})
	return nil
}

// AddInfoMessage appends an announcement. Announcements never reach the
// loop and never start one.
func (r *Runner) AddInfoMessage(text string) {
	msg := models.Announcement(text)
	r.mu.Lock()
	r.conversation = append(r.conversation, msg)
	r.mu.Unlock()
	r.emit(models.RunnerEvent{Type: models.RunnerMessage, AgentID: r.agentID, Message: &msg})
}

// Pause transitions running→paused, deferring while a turn is in flight.
func (r *Runner) Pause() error {
	r.mu.Lock()
	switch r.state {
	case models.StateRunning:
	case models.StatePaused:
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidState, r.state)
	}
	if r.busy {
		r.pauseRequested = true
		r.mu.Unlock()
		return nil
	}
	r.state = models.StatePaused
	r.mu.Unlock()
	r.emitStateChange(models.StatePaused)
	return nil
}

// Resume transitions paused→running.
func (r *Runner) Resume() error {
	r.mu.Lock()
	if r.state != models.StatePaused {
		r.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidState, r.state)
	}
	r.state = models.StateRunning
	r.intervening = false
	r.mu.Unlock()
	r.emitStateChange(models.StateRunning)
	return nil
}

// Stop transitions to stopped, deferring while busy. Stopping discards any
// queued message. Stopped is absorbing.
func (r *Runner) Stop() error {
	r.mu.Lock()
	switch r.state {
	case models.StateRunning, models.StatePaused:
	case models.StateStopped:
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, r.state)
	}
	r.queued = nil
	if r.busy {
		r.stopRequested = true
		r.mu.Unlock()
		return nil
	}
	r.state = models.StateStopped
	r.mu.Unlock()
	r.emitStateChange(models.StateStopped)
	return nil
}

// Kill forces stopped immediately, cancels any in-flight turn, and clears
// all event subscribers.
func (r *Runner) Kill() {
	r.mu.Lock()
	r.state = models.StateStopped
	r.queued = nil
	r.pauseRequested = false
	r.stopRequested = false
	cancel := r.cancelTurn
	subs := r.eventSubs()
	r.events = make(map[int]func(models.RunnerEvent))
	r.agentEvents = make(map[int]func(models.LoopEvent))
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ev := models.RunnerEvent{Type: models.RunnerStateChange, AgentID: r.agentID, State: models.StateStopped}
	for _, fn := range subs {
		r.safeEmit(fn, ev)
	}
}

// InterveneStart pauses the runner because the user took direct control of
// its page. While busy the pause defers; the queued message, if any, is
// discarded when the loop unwinds.
func (r *Runner) InterveneStart() error {
	r.mu.Lock()
	switch r.state {
	case models.StateRunning:
	case models.StatePaused:
		r.intervening = true
		r.mu.Unlock()
		return nil
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: intervene from %s", ErrInvalidState, r.state)
	}
	r.intervening = true
	if r.busy {
		r.pauseRequested = true
		r.mu.Unlock()
		return nil
	}
	r.state = models.StatePaused
	r.mu.Unlock()
	r.emitStateChange(models.StatePaused)
	return nil
}

// InterveneEnd resumes an intervene-paused runner and queues the
// notification as an intervention-typed user message, starting a loop
// turn. A no-op in every other state.
func (r *Runner) InterveneEnd(notification string) {
	r.mu.Lock()
	if r.state != models.StatePaused || !r.intervening {
		r.mu.Unlock()
		return
	}
	r.intervening = false
	r.state = models.StateRunning
	r.mu.Unlock()

	r.emitStateChange(models.StateRunning)
	if err := r.send(models.InterventionMessage(notification)); err != nil {
		r.logger.Warn("intervene notification dropped", "error", err)
	}
}

// OnEvent registers a runner-level event callback and returns an
// idempotent unsubscribe handle.
func (r *Runner) OnEvent(fn func(models.RunnerEvent)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.events[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.events, id)
			r.mu.Unlock()
		})
	}
}

// OnAgentEvent registers a loop-level event callback and returns an
// idempotent unsubscribe handle.
func (r *Runner) OnAgentEvent(fn func(models.LoopEvent)) func() {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.agentEvents[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.agentEvents, id)
			r.mu.Unlock()
		})
	}
}

// NotifyUser emits a notify_user runner event for onward delivery.
func (r *Runner) NotifyUser(text string) {
	r.emit(models.RunnerEvent{Type: models.RunnerNotifyUser, AgentID: r.agentID, Text: text})
}

// beginTurnLocked starts the loop goroutine. Caller holds the mutex and has
// already appended the input to the conversation.
func (r *Runner) beginTurnLocked(input models.Message) {
	r.busy = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelTurn = cancel
	history := models.ContextHistory(r.conversation)
	go r.runTurn(ctx, input, history)
}

func (r *Runner) runTurn(ctx context.Context, input models.Message, history []models.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("loop panicked", "panic", rec)
			r.finishTurn(nil, fmt.Errorf("loop panic: %v", rec))
		}
	}()

	req := LoopRequest{
		AgentID:         r.agentID,
		Config:          r.Config(),
		Input:           input,
		History:         history,
		Adapter:         r.deps.Adapter,
		SendAPIRequest:  r.deps.SendAPIRequest,
		ExecuteToolCall: r.wrapToolExec(),
		Emit:            r.emitLoopEvent,
		AgentStore:      r.deps.Store,
	}
	result, err := r.deps.Loop(ctx, req)
	r.finishTurn(result, err)
}

// finishTurn appends returned messages, emits loop_complete or error, runs
// deferred transitions, drains the single-slot queue, and persists.
func (r *Runner) finishTurn(result *LoopResult, loopErr error) {
	r.mu.Lock()
	if result != nil {
		r.conversation = append(r.conversation, result.Messages...)
	}
	r.busy = false
	if r.cancelTurn != nil {
		r.cancelTurn()
		r.cancelTurn = nil
	}

	var transition models.RunnerState
	switch {
	case r.stopRequested:
		r.stopRequested = false
		r.pauseRequested = false
		r.queued = nil
		r.state = models.StateStopped
		transition = models.StateStopped
	case r.pauseRequested:
		r.pauseRequested = false
		r.queued = nil
		r.state = models.StatePaused
		transition = models.StatePaused
	}

	var next *models.Message
	if r.state == models.StateRunning && r.queued != nil {
		next = r.queued
		r.queued = nil
		r.conversation = append(r.conversation, *next)
		r.beginTurnLocked(*next)
	}
	r.mu.Unlock()

	if loopErr != nil {
		// Loop failures do not leave running; the next send may retry.
		r.emit(models.RunnerEvent{Type: models.RunnerError, AgentID: r.agentID, Error: loopErr.Error()})
	} else {
		r.emit(models.RunnerEvent{Type: models.RunnerLoopComplete, AgentID: r.agentID})
	}
	if transition != "" {
		r.emitStateChange(transition)
	}
	if next != nil {
		r.emit(models.RunnerEvent{Type: models.RunnerMessage, AgentID: r.agentID, Message: next})
	}
	r.persist()
}

// wrapToolExec observes stop/pause intent before dispatch so a busy loop
// unwinds cooperatively.
func (r *Runner) wrapToolExec() ToolExecFunc {
	return func(ctx context.Context, name string, input json.RawMessage) (models.ToolResult, error) {
		r.mu.Lock()
		cancelled := r.stopRequested || r.pauseRequested
		exec := r.deps.ExecuteToolCall
		r.mu.Unlock()
		if cancelled {
			return models.ErrorResult("Tool call cancelled"), nil
		}
		if exec == nil {
			return models.ErrorResult(fmt.Sprintf("Unknown tool: %s", name)), nil
		}
		return exec(ctx, name, input)
	}
}

func (r *Runner) emitLoopEvent(ev models.LoopEvent) {
	if ev.Type == models.LoopUsage {
		r.mu.Lock()
		r.metadata.TotalTokens += ev.InputTokens + ev.OutputTokens
		r.metadata.TotalCost += ev.Cost
		r.mu.Unlock()
	}
	r.mu.Lock()
	subs := make([]func(models.LoopEvent), 0, len(r.agentEvents))
	for _, fn := range r.agentEvents {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("agent event callback panicked", "panic", rec)
				}
			}()
			fn(ev)
		}()
	}
}

func (r *Runner) emitStateChange(state models.RunnerState) {
	r.emit(models.RunnerEvent{Type: models.RunnerStateChange, AgentID: r.agentID, State: state})
}

func (r *Runner) emit(ev models.RunnerEvent) {
	r.mu.Lock()
	subs := r.eventSubs()
	r.mu.Unlock()
	for _, fn := range subs {
		r.safeEmit(fn, ev)
	}
}

func (r *Runner) eventSubs() []func(models.RunnerEvent) {
	subs := make([]func(models.RunnerEvent), 0, len(r.events))
	for _, fn := range r.events {
		subs = append(subs, fn)
	}
	return subs
}

func (r *Runner) safeEmit(fn func(models.RunnerEvent), ev models.RunnerEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event callback panicked", "panic", rec)
		}
	}()
	fn(ev)
}

// onEscalation forwards state escalations as notify_user events.
func (r *Runner) onEscalation(key, message string, value json.RawMessage) {
	text := message
	if text == "" {
		text = fmt.Sprintf("state %q changed to %s", key, string(value))
	}
	r.emit(models.RunnerEvent{Type: models.RunnerNotifyUser, AgentID: r.agentID, Text: text})
}

// persist writes the current snapshot through the injected store. Persist
// failures are logged, never surfaced to the loop.
func (r *Runner) persist() {
	if r.deps.Store == nil {
		return
	}
	sess := r.Serialize()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deps.Store.Save(ctx, sess); err != nil {
		r.logger.Warn("persist failed", "error", err)
	}
}

func (r *Runner) persistAsync() { go r.persist() }
