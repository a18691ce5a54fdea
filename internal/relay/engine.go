// Package relay is the session-relay engine. It routes broker commands to the
// right tab, forwards debug events back, and keeps the broker's view of the
// attached tabs consistent across transport reconnects and unexpected
// detaches.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/schedule"
	"github.com/dgnsrekt/tabrelay/internal/state"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// Transport is the broker connection as the engine uses it.
type Transport interface {
	EnsureConnected(ctx context.Context) error
	Connected() bool
	SendEvent(ev types.ForwardEvent) error
	Reply(id int64, result json.RawMessage, err error) error
	ScheduleReconnect()
	Close()
}

// Sink receives visual state.
type Sink interface {
	types.StatusSink
	SetRelayStatus(s string)
}

// Journal records lifecycle outcomes.
type Journal interface {
	Append(kind string, tab types.TabID, attrs map[string]string)
}

// Notifier alerts an operator about broker connectivity.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Options tunes the engine's fixed delays.
type Options struct {
	RuntimeEnableDelay time.Duration
	CreateTargetSettle time.Duration
	ReattachInitial    time.Duration
	ReattachMax        time.Duration
}

func (o Options) withDefaults() Options {
	if o.RuntimeEnableDelay <= 0 {
		o.RuntimeEnableDelay = 50 * time.Millisecond
	}
	if o.CreateTargetSettle <= 0 {
		o.CreateTargetSettle = 100 * time.Millisecond
	}
	if o.ReattachInitial <= 0 {
		o.ReattachInitial = time.Second
	}
	if o.ReattachMax <= 0 {
		o.ReattachMax = 10 * time.Second
	}
	return o
}

// Deps are the engine's collaborators. Store, Sink, Journal and Notifier are
// optional.
type Deps struct {
	Tabs      types.TabProvider
	Debugger  types.Debugger
	Transport Transport
	Scheduler *schedule.Scheduler
	Machine   *state.Machine
	Store     *state.Store
	Sink      Sink
	Journal   Journal
	Notifier  Notifier
}

// Engine wires the registry, the transport and the browser together.
type Engine struct {
	tabs      types.TabProvider
	debugger  types.Debugger
	transport Transport
	registry  *registry.Registry
	sched     *schedule.Scheduler
	machine   *state.Machine
	store     *state.Store
	sink      Sink
	journal   Journal
	notifier  Notifier
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// reconcile holds the write lock while re-announcing after a reconnect;
	// auto-attach waits on it.
	reconcile sync.RWMutex

	creatingMu sync.Mutex
	creating   map[types.TabID]bool
}

// New builds an Engine. The caller installs it as the transport listener and
// as the tab and debug observer of the browser backend.
func New(deps Deps, opts Options) *Engine {
	if deps.Scheduler == nil {
		deps.Scheduler = schedule.New(nil)
	}
	if deps.Machine == nil {
		deps.Machine = state.NewMachine(true)
	}
	if deps.Sink == nil {
		deps.Sink = status.NewBoard(nil)
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		tabs:      deps.Tabs,
		debugger:  deps.Debugger,
		transport: deps.Transport,
		registry:  registry.New(deps.Debugger, deps.Transport),
		sched:     deps.Scheduler,
		machine:   deps.Machine,
		store:     deps.Store,
		sink:      deps.Sink,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		creating:  make(map[types.TabID]bool),
	}
}

// Registry exposes the session registry for read-only inspection.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Start connects to the broker and attaches every open tab when the relay is
// enabled. An unreachable broker is not an error: the reconnect loop takes
// over.
func (e *Engine) Start(ctx context.Context) error {
	if !e.machine.Enabled() {
		e.sink.SetRelayStatus(status.RelayDisabled)
		slog.Info("relay start skipped, disabled")
		return nil
	}
	e.sink.SetRelayStatus(status.RelayConnecting)
	if err := e.transport.EnsureConnected(ctx); err != nil {
		e.transport.ScheduleReconnect()
	}
	return nil
}

// Stop cancels scheduled work, closes the transport and waits for in-flight
// handlers. Tabs stay attached locally; the process is going away.
func (e *Engine) Stop() {
	e.cancel()
	e.sched.CancelAll()
	e.transport.Close()
	e.tasks.Wait()
	slog.Info("relay stopped")
}

// Enable runs disabled → enabling → enabled: persist, connect, attach all.
func (e *Engine) Enable(ctx context.Context) error {
	started, err := e.machine.BeginEnable()
	if err != nil || !started {
		return err
	}
	e.persist(true)
	e.sink.SetRelayStatus(status.RelayEnabling)
	e.journal.Append("enable", "", nil)
	slog.Info("relay enabling")

	if e.transport.Connected() {
		e.attachAll(ctx)
		e.sink.SetRelayStatus(status.RelayConnected)
	} else if err := e.transport.EnsureConnected(ctx); err != nil {
		e.sink.SetRelayStatus(status.RelayConnecting)
		e.transport.ScheduleReconnect()
	}

	e.machine.FinishEnable()
	slog.Info("relay enabled")
	return nil
}

// Disable runs enabled → disabling → disabled: persist, cancel every retry,
// detach every tab with reason "disabled" and close the transport.
func (e *Engine) Disable(ctx context.Context) error {
	started, err := e.machine.BeginDisable()
	if err != nil || !started {
		return err
	}
	e.persist(false)
	e.sink.SetRelayStatus(status.RelayDisabling)
	slog.Info("relay disabling")

	for _, key := range e.sched.Keys() {
		if tab, ok := strings.CutPrefix(key, "tab:"); ok {
			e.sink.ClearTab(types.TabID(tab))
		}
	}
	canceled := e.sched.CancelAll()
	for _, rec := range e.registry.Snapshot() {
		e.registry.Detach(ctx, rec.Tab, registry.ReasonDisabled)
		e.sink.ClearTab(rec.Tab)
		e.journal.Append("detach", rec.Tab, map[string]string{"reason": registry.ReasonDisabled})
	}
	e.transport.Close()

	e.machine.FinishDisable()
	e.sink.SetRelayStatus(status.RelayDisabled)
	e.journal.Append("disable", "", nil)
	slog.Info("relay disabled", "canceled_tasks", canceled)
	return nil
}

// ApplyState reconciles the running engine with a persisted state change made
// by another process.
func (e *Engine) ApplyState(ctx context.Context, f state.File) {
	want := f.IsEnabled()
	if want == e.machine.Enabled() {
		return
	}
	var err error
	if want {
		err = e.Enable(ctx)
	} else {
		err = e.Disable(ctx)
	}
	if err != nil {
		slog.Warn("relay state change not applied", "enabled", want, "error", err)
	}
}

func (e *Engine) persist(enabled bool) {
	if e.store == nil {
		return
	}
	if err := e.store.SetEnabled(enabled); err != nil {
		slog.Warn("relay state not persisted", "enabled", enabled, "error", err)
	}
}

// Snapshot is the engine's externally visible state.
type Snapshot struct {
	Phase     state.Phase       `json:"phase"`
	Relay     string            `json:"relay"`
	Connected bool              `json:"connected"`
	Tabs      []registry.Record `json:"tabs"`
	Scheduled []string          `json:"scheduled"`
}

// Snapshot reports the current relay state.
func (e *Engine) Snapshot() Snapshot {
	rs := ""
	if b, ok := e.sink.(interface{ RelayStatus() string }); ok {
		rs = b.RelayStatus()
	}
	return Snapshot{
		Phase:     e.machine.Phase(),
		Relay:     rs,
		Connected: e.transport.Connected(),
		Tabs:      e.registry.Snapshot(),
		Scheduled: e.sched.Keys(),
	}
}

// HandleMessage dispatches a broker frame. It runs on the transport's read
// loop, so forwarded commands are written to their debug session in arrival
// order; waiting for each result happens on its own goroutine.
func (e *Engine) HandleMessage(msg types.Message) {
	switch msg.Method {
	case types.MethodForwardCommand:
		if msg.ID == 0 {
			slog.Debug("forwarded command without id dropped")
			return
		}
		e.serveCommand(msg)
	default:
		slog.Debug("broker message ignored", "method", msg.Method)
	}
}

func (e *Engine) serveCommand(msg types.Message) {
	var cmd types.ForwardCommand
	if err := json.Unmarshal(msg.Params, &cmd); err != nil || cmd.Method == "" {
		e.reply(msg.ID, nil, errors.New("invalid forwardCDPCommand params"))
		return
	}
	await, err := e.dispatch(cmd)
	if err != nil {
		e.commandDone(msg.ID, cmd, nil, err)
		return
	}
	e.spawn(func() {
		result, err := await(e.ctx)
		e.commandDone(msg.ID, cmd, result, err)
	})
}

func (e *Engine) commandDone(id int64, cmd types.ForwardCommand, result json.RawMessage, err error) {
	if err != nil {
		slog.Debug("command failed", "id", id, "method", cmd.Method, "session_id", cmd.SessionID, "error", err)
	}
	e.reply(id, result, err)
}

func (e *Engine) reply(id int64, result json.RawMessage, err error) {
	if sendErr := e.transport.Reply(id, result, err); sendErr != nil {
		slog.Debug("reply not delivered", "id", id, "error", sendErr)
	}
}

// TransportLost demotes every attached tab to awaiting re-announce.
func (e *Engine) TransportLost(err error) {
	awaiting := e.registry.ResetForReconnect()
	for _, tab := range awaiting {
		e.sink.SetTabStatus(tab, types.StatusConnecting)
	}
	if e.machine.Enabled() {
		e.sink.SetRelayStatus(status.RelayConnecting)
	}
	e.journal.Append("transport_lost", "", map[string]string{"error": errString(err)})
	slog.Info("relay awaiting reconnect", "awaiting_tabs", len(awaiting))
	e.notify("tabrelay lost the broker connection")
}

// TransportRestored reconciles surviving attachments, then attaches every
// untracked tab.
func (e *Engine) TransportRestored(ctx context.Context) {
	if !e.machine.Enabled() {
		return
	}
	e.sink.SetRelayStatus(status.RelayConnected)
	e.journal.Append("transport_restored", "", nil)
	e.reconcileAttachments(ctx)
	e.attachAll(ctx)
}

func (e *Engine) notify(message string) {
	if e.notifier == nil {
		return
	}
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, message); err != nil {
			slog.Debug("notification failed", "error", err)
		}
	})
}

// spawn runs fn as a tracked background task.
func (e *Engine) spawn(fn func()) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		fn()
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type nopJournal struct{}

func (nopJournal) Append(string, types.TabID, map[string]string) {}
