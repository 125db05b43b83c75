// Package sandbox runs untrusted JavaScript for an agent inside a goja
// runtime with no host globals. The script sees ECMAScript built-ins,
// standard timers, console capture, and a `flo` object whose calls are
// relayed to the host over a structured message channel.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/robman/flo.monster-sub000/pkg/models"
)

// DefaultTimeout is the wall-clock budget for one invocation.
const DefaultTimeout = 5 * time.Minute

// timeoutMessage is what the caller sees when the budget expires.
const timeoutMessage = "Execution timed out after 5 minutes"

// Host is the capability surface the bridge exposes to sandboxed code.
// Every method operates on the owning agent's stores and schedulers.
type Host interface {
	StateGet(key string) (json.RawMessage, bool)
	StateSet(key string, value json.RawMessage) error
	StateAll() map[string]json.RawMessage

	StorageGet(key string) (json.RawMessage, bool)
	StorageSet(key string, value json.RawMessage)
	StorageDelete(key string)
	StorageList() []string

	// Push delivers a notification through the configured push service.
	Push(title, body string) error

	// Emit invokes the scheduler's event dispatch for the owning agent.
	Emit(eventName string, payload json.RawMessage)

	// Notify queues a user message on the owning runner.
	Notify(text string) error

	// NotifyUser emits a runner event for onward delivery.
	NotifyUser(text string)

	// CallTool dispatches through the agent's tool pipeline.
	CallTool(name string, input json.RawMessage) models.ToolResult
}

// Result is a completed invocation: the script's completion value and
// captured console output.
type Result struct {
	Value   json.RawMessage
	Console []string
}

// bridgeCall and bridgeResult are the wire shape of one relayed flo call.
type bridgeCall struct {
	Kind   string            `json:"kind"` // "call"
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`

	reply chan bridgeResult
}

type bridgeResult struct {
	Kind  string          `json:"kind"` // "result"
	ID    uint64          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Executor runs sandboxed invocations. Safe for concurrent use; every
// invocation gets a fresh runtime.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the invocation budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger overrides the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "sandbox"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs code against host. The execution-context hint a caller may
// pass upstream is not plumbed here; server-side execution is the only path.
func (e *Executor) Execute(ctx context.Context, code string, host Host) (Result, error) {
	inv := &invocation{
		vm:     goja.New(),
		calls:  make(chan bridgeCall),
		stop:   make(chan struct{}),
		timers: make(map[int64]*timer),
	}
	defer close(inv.stop)

	// Host side of the relay. Pending calls die with the stop channel.
	go func() {
		for {
			select {
			case call := <-inv.calls:
				call.reply <- dispatch(host, call)
			case <-inv.stop:
				return
			}
		}
	}()

	budget := time.AfterFunc(e.timeout, func() {
		inv.timedOut.Store(true)
		inv.vm.Interrupt(timeoutMessage)
	})
	defer budget.Stop()
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			inv.vm.Interrupt(ctx.Err().Error())
		}
	}()

	if err := inv.install(); err != nil {
		return Result{Console: inv.console}, err
	}

	value, err := inv.vm.RunString(code)
	if err == nil {
		err = inv.runTimers()
	}
	if err != nil {
		return Result{Console: inv.console}, inv.normalizeError(err)
	}
	return Result{Value: exportValue(inv.vm, value), Console: inv.console}, nil
}

type invocation struct {
	vm       *goja.Runtime
	calls    chan bridgeCall
	stop     chan struct{}
	console  []string
	timedOut atomic.Bool

	nextCallID  uint64
	nextTimerID int64
	timers      map[int64]*timer
}

type timer struct {
	fn       goja.Callable
	due      time.Time
	interval time.Duration
}

func (inv *invocation) normalizeError(err error) error {
	if inv.timedOut.Load() {
		return fmt.Errorf("%s", timeoutMessage)
	}
	return err
}

// install builds the sandbox globals: console, timers, flo.
func (inv *invocation) install() error {
	vm := inv.vm
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	consoleObj := vm.NewObject()
	capture := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, renderConsoleArg(arg))
		}
		line := ""
		for i, p := range parts {
			if i > 0 {
				line += " "
			}
			line += p
		}
		inv.console = append(inv.console, line)
		return goja.Undefined()
	}
	for _, name := range []string{"log", "error", "warn", "info", "debug"} {
		if err := consoleObj.Set(name, capture); err != nil {
			return err
		}
	}
	if err := vm.Set("console", consoleObj); err != nil {
		return err
	}

	if err := inv.installTimers(); err != nil {
		return err
	}
	return inv.installBridge()
}

func renderConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	switch exported.(type) {
	case string, int64, float64, bool:
		return v.String()
	}
	if data, err := json.Marshal(exported); err == nil {
		return string(data)
	}
	return v.String()
}

// call relays one flo invocation to the host and blocks for the result.
// Bridge errors surface as thrown JS exceptions.
func (inv *invocation) call(method string, args []goja.Value) goja.Value {
	encoded := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg.Export())
		if err != nil {
			panic(inv.vm.NewTypeError("flo.%s: unserializable argument: %v", method, err))
		}
		encoded = append(encoded, data)
	}

	inv.nextCallID++
	call := bridgeCall{
		Kind:   "call",
		ID:     inv.nextCallID,
		Method: method,
		Args:   encoded,
		reply:  make(chan bridgeResult, 1),
	}
	select {
	case inv.calls <- call:
	case <-inv.stop:
		panic(inv.vm.ToValue(timeoutMessage))
	}
	var res bridgeResult
	select {
	case res = <-call.reply:
	case <-inv.stop:
		panic(inv.vm.ToValue(timeoutMessage))
	}
	if res.Error != "" {
		panic(inv.vm.ToValue(res.Error))
	}
	if len(res.Value) == 0 {
		return goja.Undefined()
	}
	var out any
	if err := json.Unmarshal(res.Value, &out); err != nil {
		panic(inv.vm.NewTypeError("flo.%s: bad result: %v", method, err))
	}
	return inv.vm.ToValue(out)
}

func (inv *invocation) bridgeFunc(method string) func(goja.FunctionCall) goja.Value {
	return func(c goja.FunctionCall) goja.Value {
		return inv.call(method, c.Arguments)
	}
}

func (inv *invocation) installBridge() error {
	vm := inv.vm
	flo := vm.NewObject()

	state := vm.NewObject()
	for _, m := range []string{"get", "set", "getAll"} {
		if err := state.Set(m, inv.bridgeFunc("state."+m)); err != nil {
			return err
		}
	}
	if err := flo.Set("state", state); err != nil {
		return err
	}

	storage := vm.NewObject()
	for _, m := range []string{"get", "set", "delete", "list"} {
		if err := storage.Set(m, inv.bridgeFunc("storage."+m)); err != nil {
			return err
		}
	}
	if err := flo.Set("storage", storage); err != nil {
		return err
	}

	for _, m := range []string{"push", "emit", "notify", "notify_user", "callTool", "ask"} {
		if err := flo.Set(m, inv.bridgeFunc(m)); err != nil {
			return err
		}
	}
	return vm.Set("flo", flo)
}

func (inv *invocation) installTimers() error {
	vm := inv.vm
	set := func(repeat bool) func(goja.FunctionCall) goja.Value {
		return func(c goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(c.Argument(0))
			if !ok {
				panic(vm.NewTypeError("timer callback must be a function"))
			}
			delay := time.Duration(c.Argument(1).ToInteger()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			inv.nextTimerID++
			t := &timer{fn: fn, due: time.Now().Add(delay)}
			if repeat {
				if delay <= 0 {
					delay = time.Millisecond
				}
				t.interval = delay
			}
			inv.timers[inv.nextTimerID] = t
			return vm.ToValue(inv.nextTimerID)
		}
	}
	clear := func(c goja.FunctionCall) goja.Value {
		delete(inv.timers, c.Argument(0).ToInteger())
		return goja.Undefined()
	}
	if err := vm.Set("setTimeout", set(false)); err != nil {
		return err
	}
	if err := vm.Set("setInterval", set(true)); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", clear); err != nil {
		return err
	}
	return vm.Set("clearInterval", clear)
}

// runTimers drains the timer queue after the main script returns. The
// invocation ends when no timers remain or the budget interrupt fires.
func (inv *invocation) runTimers() error {
	for len(inv.timers) > 0 {
		var nextID int64
		var next *timer
		for id, t := range inv.timers {
			if next == nil || t.due.Before(next.due) {
				nextID, next = id, t
			}
		}
		if wait := time.Until(next.due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-inv.stop:
				return fmt.Errorf("%s", timeoutMessage)
			}
		}
		if next.interval > 0 {
			next.due = time.Now().Add(next.interval)
		} else {
			delete(inv.timers, nextID)
		}
		if _, err := next.fn(goja.Undefined()); err != nil {
			return err
		}
	}
	return nil
}

// exportValue renders the completion value as JSON. Settled promises export
// their resolution; an unsettled promise at exit exports as null.
func exportValue(vm *goja.Runtime, v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	if p, ok := exported.(*goja.Promise); ok {
		if p.State() == goja.PromiseStateFulfilled {
			return exportValue(vm, p.Result())
		}
		return nil
	}
	data, err := json.Marshal(exported)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", v.String()))
	}
	return data
}
