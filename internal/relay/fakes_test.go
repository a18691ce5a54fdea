package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/schedule"
	"github.com/dgnsrekt/tabrelay/internal/state"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

var errNoTab = errors.New("no tab with given id")

type sendCall struct {
	Tab    types.TabID
	Child  string
	Method string
}

// fakeBrowser is an in-memory TabProvider and Debugger.
type fakeBrowser struct {
	mu          sync.Mutex
	tabs        map[types.TabID]types.Tab
	order       []types.TabID
	nextID      int
	attached    map[types.TabID]bool
	attachErr   map[types.TabID]error
	evalFail   map[types.TabID]bool
	removeErr   error
	activateErr error
	attachCalls map[types.TabID]int
	calls       []sendCall
	created     []types.Tab
	activated   []types.TabID
	// onAttach runs after a successful Attach, outside the lock.
	onAttach func(id types.TabID)
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		tabs:        make(map[types.TabID]types.Tab),
		attached:    make(map[types.TabID]bool),
		attachErr:   make(map[types.TabID]error),
		evalFail:   make(map[types.TabID]bool),
		attachCalls: make(map[types.TabID]int),
	}
}

func (b *fakeBrowser) open(url string) types.TabID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := types.TabID(fmt.Sprint(b.nextID))
	b.tabs[id] = types.Tab{ID: id, URL: url}
	b.order = append(b.order, id)
	return id
}

func (b *fakeBrowser) close(id types.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tabs, id)
	delete(b.attached, id)
}

func (b *fakeBrowser) setAttachErr(id types.TabID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachErr[id] = err
}

func (b *fakeBrowser) setEvalFail(id types.TabID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evalFail[id] = true
}

func (b *fakeBrowser) attachCount(id types.TabID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachCalls[id]
}

func (b *fakeBrowser) totalAttachCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.attachCalls {
		n += c
	}
	return n
}

func (b *fakeBrowser) sent() []sendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sendCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *fakeBrowser) sentMethods(tab types.TabID) []string {
	var out []string
	for _, c := range b.sent() {
		if c.Tab == tab && c.Method != "Target.getTargetInfo" {
			out = append(out, c.Method)
		}
	}
	return out
}

func (b *fakeBrowser) Query(context.Context) ([]types.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Tab
	for _, id := range b.order {
		if t, ok := b.tabs[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (b *fakeBrowser) Get(_ context.Context, id types.TabID) (types.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[id]
	if !ok {
		return types.Tab{}, errNoTab
	}
	return t, nil
}

func (b *fakeBrowser) Create(_ context.Context, url string, active bool) (types.Tab, error) {
	id := b.open(url)
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tabs[id]
	t.Active = active
	b.tabs[id] = t
	b.created = append(b.created, t)
	return t, nil
}

func (b *fakeBrowser) Remove(_ context.Context, id types.TabID) error {
	b.mu.Lock()
	err := b.removeErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.close(id)
	return nil
}

func (b *fakeBrowser) Activate(_ context.Context, id types.TabID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activated = append(b.activated, id)
	return b.activateErr
}

func (b *fakeBrowser) Attach(_ context.Context, id types.TabID) error {
	b.mu.Lock()
	b.attachCalls[id]++
	if _, ok := b.tabs[id]; !ok {
		b.mu.Unlock()
		return errNoTab
	}
	if err := b.attachErr[id]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.attached[id] = true
	hook := b.onAttach
	b.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

func (b *fakeBrowser) isAttached(id types.TabID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached[id]
}

func (b *fakeBrowser) Detach(_ context.Context, id types.TabID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attached, id)
	return nil
}

func (b *fakeBrowser) Send(ctx context.Context, id types.TabID, child, method string, params json.RawMessage) (json.RawMessage, error) {
	await, err := b.Issue(id, child, method, params)
	if err != nil {
		return nil, err
	}
	return await(ctx)
}

// Issue records the call in write order; the reply is computed at once.
func (b *fakeBrowser) Issue(id types.TabID, child, method string, _ json.RawMessage) (types.Await, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, sendCall{Tab: id, Child: child, Method: method})
	if !b.attached[id] {
		return nil, fmt.Errorf("debugger is not attached to the tab with id: %s", id)
	}
	result, err := b.resultLocked(id, method)
	return func(context.Context) (json.RawMessage, error) { return result, err }, nil
}

func (b *fakeBrowser) resultLocked(id types.TabID, method string) (json.RawMessage, error) {
	switch method {
	case "Target.getTargetInfo":
		t := b.tabs[id]
		return json.Marshal(map[string]any{"targetInfo": map[string]any{
			"targetId": "T-" + string(id), "type": "page", "title": "", "url": t.URL, "attached": true,
		}})
	case "Runtime.evaluate":
		if b.evalFail[id] {
			return nil, errors.New("Cannot access contents of url")
		}
		return json.RawMessage(`{"result":{"type":"number","value":1,"description":"1"}}`), nil
	}
	return json.RawMessage(fmt.Sprintf(`{"method":%q}`, method)), nil
}

type sentReply struct {
	ID     int64
	Result json.RawMessage
	Err    error
}

// fakeTransport mirrors the manager's contract: a new connection runs the
// listener's TransportRestored before EnsureConnected returns.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	ensureCalls int
	reconnects  int
	closes      int
	events      []types.ForwardEvent
	replies     chan sentReply
	listener    interface{ TransportRestored(context.Context) }
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{replies: make(chan sentReply, 16)}
}

func (t *fakeTransport) EnsureConnected(ctx context.Context) error {
	t.mu.Lock()
	t.ensureCalls++
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		l.TransportRestored(ctx)
	}
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *fakeTransport) SendEvent(ev types.ForwardEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("not connected")
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *fakeTransport) Reply(id int64, result json.RawMessage, err error) error {
	t.replies <- sentReply{ID: id, Result: result, Err: err}
	return nil
}

func (t *fakeTransport) ScheduleReconnect() {
	t.mu.Lock()
	t.reconnects++
	t.mu.Unlock()
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	t.connected = false
	t.closes++
	t.mu.Unlock()
}

func (t *fakeTransport) eventMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.events))
	for _, ev := range t.events {
		out = append(out, ev.Method)
	}
	return out
}

func (t *fakeTransport) eventsCopy() []types.ForwardEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.ForwardEvent, len(t.events))
	copy(out, t.events)
	return out
}

type harness struct {
	engine    *Engine
	browser   *fakeBrowser
	transport *fakeTransport
	clock     *schedule.FakeClock
	sched     *schedule.Scheduler
	board     *status.Board
	machine   *state.Machine
}

func newHarness(t *testing.T, enabled bool) *harness {
	t.Helper()
	h := &harness{
		browser:   newFakeBrowser(),
		transport: newFakeTransport(),
		clock:     schedule.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		board:     status.NewBoard(nil),
		machine:   state.NewMachine(enabled),
	}
	h.sched = schedule.New(h.clock)
	h.engine = New(Deps{
		Tabs:      h.browser,
		Debugger:  h.browser,
		Transport: h.transport,
		Scheduler: h.sched,
		Machine:   h.machine,
		Sink:      h.board,
	}, Options{RuntimeEnableDelay: time.Millisecond, CreateTargetSettle: time.Millisecond})
	h.transport.listener = h.engine
	t.Cleanup(func() { h.engine.tasks.Wait() })
	return h
}

// settle waits for every background task the engine spawned.
func (h *harness) settle() { h.engine.tasks.Wait() }

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v; want nil", err)
	}
	h.settle()
}
