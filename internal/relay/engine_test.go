package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/state"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

func TestIsProtected(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com", false},
		{"about:blank", false},
		{"", false},
		{"about:newtab", true},
		{"chrome://settings", true},
		{"chrome-extension://abc/popup.html", true},
		{"devtools://devtools/bundled/inspector.html", true},
		{"edge://flags", true},
	}
	for _, tt := range tests {
		if got := IsProtected(tt.url); got != tt.want {
			t.Fatalf("IsProtected(%q) = %v; want %v", tt.url, got, tt.want)
		}
	}
}

func TestStartAttachesOpenTabsSkippingProtected(t *testing.T) {
	h := newHarness(t, true)
	a := h.browser.open("https://a.example")
	h.browser.open("chrome://settings")
	blank := h.browser.open("about:blank")
	h.browser.open("about:newtab")

	h.start(t)

	recs := h.engine.Registry().Snapshot()
	require.Len(t, recs, 2)
	assert.Equal(t, a, recs[0].Tab)
	assert.Equal(t, blank, recs[1].Tab)
	assert.Equal(t, []string{"Target.attachedToTarget", "Target.attachedToTarget"}, h.transport.eventMethods())
	assert.Equal(t, 2, h.browser.totalAttachCalls())
	assert.Equal(t, types.StatusOn, h.board.TabStatus(a))
	assert.Equal(t, status.RelayConnected, h.board.RelayStatus())
	require.NoError(t, h.engine.Registry().CheckInvariants())
}

func TestStartWithUnreachableBrokerAttachesNothing(t *testing.T) {
	h := newHarness(t, true)
	h.browser.open("https://a.example")
	h.transport.connectErr = errors.New("broker unreachable")

	h.start(t)

	assert.Equal(t, 1, h.transport.reconnects)
	assert.Zero(t, h.browser.totalAttachCalls())
	assert.Zero(t, h.engine.Registry().Len())
	assert.Equal(t, status.RelayConnecting, h.board.RelayStatus())
}

func TestStartDisabledDoesNothing(t *testing.T) {
	h := newHarness(t, false)
	h.browser.open("https://a.example")

	h.start(t)

	assert.Zero(t, h.transport.ensureCalls)
	assert.Zero(t, h.transport.reconnects)
	assert.Equal(t, status.RelayDisabled, h.board.RelayStatus())
}

func TestRouteResolutionOrder(t *testing.T) {
	h := newHarness(t, true)
	first := h.browser.open("https://a.example")
	second := h.browser.open("https://b.example")
	h.start(t)
	ctx := context.Background()

	_, err := h.engine.Route(ctx, types.ForwardCommand{Method: "Page.reload", SessionID: "cb-tab-2"})
	require.NoError(t, err)
	_, err = h.engine.Route(ctx, types.ForwardCommand{Method: "Page.reload", Params: json.RawMessage(`{"targetId":"T-1"}`)})
	require.NoError(t, err)
	_, err = h.engine.Route(ctx, types.ForwardCommand{Method: "Page.bringToFront"})
	require.NoError(t, err)
	// An unknown session falls back like an unaddressed command.
	_, err = h.engine.Route(ctx, types.ForwardCommand{Method: "Page.stopLoading", SessionID: "cb-tab-99"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Page.reload"}, h.browser.sentMethods(second))
	assert.Equal(t, []string{"Page.reload", "Page.bringToFront", "Page.stopLoading"}, h.browser.sentMethods(first))
}

func TestRouteWithoutTabsFails(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	_, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "Page.navigate"})
	var noTab *NoAttachedTabError
	require.ErrorAs(t, err, &noTab)
	assert.Equal(t, "No attached tab for method Page.navigate", err.Error())
}

func TestHandleMessageRepliesWithError(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.engine.HandleMessage(types.Message{
		ID:     5,
		Method: types.MethodForwardCommand,
		Params: json.RawMessage(`{"method":"Page.navigate","params":{"url":"https://x.example"}}`),
	})
	h.settle()

	r := <-h.transport.replies
	assert.Equal(t, int64(5), r.ID)
	require.Error(t, r.Err)
	assert.Equal(t, "No attached tab for method Page.navigate", r.Err.Error())
}

func TestHandleMessageForwardsResult(t *testing.T) {
	h := newHarness(t, true)
	h.browser.open("https://a.example")
	h.start(t)

	h.engine.HandleMessage(types.Message{
		ID:     6,
		Method: types.MethodForwardCommand,
		Params: json.RawMessage(`{"method":"DOM.getDocument","sessionId":"cb-tab-1"}`),
	})
	h.settle()

	r := <-h.transport.replies
	require.NoError(t, r.Err)
	assert.JSONEq(t, `{"method":"DOM.getDocument"}`, string(r.Result))
}

func TestPipelinedCommandsKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	const n = 200
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		method := fmt.Sprintf("DOM.m%03d", i)
		want = append(want, method)
		h.engine.HandleMessage(types.Message{
			ID:     int64(i + 1),
			Method: types.MethodForwardCommand,
			Params: json.RawMessage(fmt.Sprintf(`{"method":%q,"sessionId":"cb-tab-1"}`, method)),
		})
	}
	replied := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		r := <-h.transport.replies
		require.NoError(t, r.Err)
		replied[r.ID] = true
	}
	h.settle()

	assert.Len(t, replied, n)
	assert.Equal(t, want, h.browser.sentMethods(tab))
}

func TestChildSessionRoutingAndForwarding(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugEvent(tab, "", "Target.attachedToTarget",
		json.RawMessage(`{"sessionId":"child-1","targetInfo":{"targetId":"F-1","type":"iframe"},"waitingForDebugger":false}`))
	rec, child, ok := h.engine.Registry().ResolveSession("child-1")
	require.True(t, ok)
	assert.True(t, child)
	assert.Equal(t, tab, rec.Tab)

	_, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "DOM.getDocument", SessionID: "child-1"})
	require.NoError(t, err)
	calls := h.browser.sent()
	assert.Equal(t, sendCall{Tab: tab, Child: "child-1", Method: "DOM.getDocument"}, calls[len(calls)-1])

	_, err = h.engine.Route(context.Background(), types.ForwardCommand{Method: "DOM.getDocument", SessionID: "cb-tab-1"})
	require.NoError(t, err)
	calls = h.browser.sent()
	assert.Equal(t, sendCall{Tab: tab, Method: "DOM.getDocument"}, calls[len(calls)-1])

	h.engine.DebugEvent(tab, "child-1", "Runtime.consoleAPICalled", json.RawMessage(`{"type":"log"}`))
	events := h.transport.eventsCopy()
	assert.Equal(t, "cb-tab-1", events[len(events)-2].SessionID)
	assert.Equal(t, "child-1", events[len(events)-1].SessionID)

	h.engine.DebugEvent(tab, "", "Target.detachedFromTarget", json.RawMessage(`{"sessionId":"child-1"}`))
	_, _, ok = h.engine.Registry().ResolveSession("child-1")
	assert.False(t, ok)
}

func TestEventsOfUntrackedTabsDropped(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	h.engine.DebugEvent("404", "", "Page.loadEventFired", json.RawMessage(`{}`))
	assert.Empty(t, h.transport.eventMethods())
}

func TestRuntimeEnableDisablesFirst(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	_, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "Runtime.enable", SessionID: "cb-tab-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Runtime.disable", "Runtime.enable"}, h.browser.sentMethods(tab))
}

func TestCreateTargetOpensInactiveBlankTab(t *testing.T) {
	h := newHarness(t, true)
	h.browser.open("https://a.example")
	h.start(t)

	raw, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "Target.createTarget", Params: json.RawMessage(`{}`)})
	require.NoError(t, err)

	var out target.CreateTargetReturns
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, h.browser.created, 1)
	created := h.browser.created[0]
	assert.Equal(t, "about:blank", created.URL)
	assert.False(t, created.Active)
	assert.Equal(t, target.ID("T-"+string(created.ID)), out.TargetID)
	assert.Equal(t, []string{"Target.attachedToTarget", "Target.attachedToTarget"}, h.transport.eventMethods())
	assert.True(t, h.engine.Registry().Tracked(created.ID))
}

func TestCreateTargetWithoutAttachedTabFails(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	_, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "Target.createTarget", Params: json.RawMessage(`{"url":"https://x.example"}`)})
	var noTab *NoAttachedTabError
	require.ErrorAs(t, err, &noTab)
	assert.Equal(t, "No attached tab for method Target.createTarget", err.Error())
	assert.Empty(t, h.browser.created)
}

func TestCloseTarget(t *testing.T) {
	h := newHarness(t, true)
	a := h.browser.open("https://a.example")
	b := h.browser.open("https://b.example")
	h.start(t)
	ctx := context.Background()

	raw, err := h.engine.Route(ctx, types.ForwardCommand{Method: "Target.closeTarget", Params: json.RawMessage(`{"targetId":"T-2"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(raw))
	_, err = h.browser.Get(ctx, b)
	require.ErrorIs(t, err, errNoTab)

	h.browser.removeErr = errors.New("tab is being dragged")
	raw, err = h.engine.Route(ctx, types.ForwardCommand{Method: "Target.closeTarget", SessionID: "cb-tab-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false}`, string(raw))
	_, err = h.browser.Get(ctx, a)
	require.NoError(t, err)
}

func TestActivateTargetIgnoresFailure(t *testing.T) {
	h := newHarness(t, true)
	a := h.browser.open("https://a.example")
	h.start(t)
	h.browser.activateErr = errors.New("no window")

	raw, err := h.engine.Route(context.Background(), types.ForwardCommand{Method: "Target.activateTarget", Params: json.RawMessage(`{"targetId":"T-1"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
	assert.Equal(t, []types.TabID{a}, h.browser.activated)
}

func TestBackoffDelays(t *testing.T) {
	h := newHarness(t, true)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := h.engine.backoff(i); got != w {
			t.Fatalf("backoff(%d) = %v; want %v", i, got, w)
		}
	}
}

func TestUnexpectedDetachBacksOffUntilAttached(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)
	h.browser.setAttachErr(tab, errors.New("Another debugger is already attached"))

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()

	events := h.transport.eventsCopy()
	last := events[len(events)-1]
	require.Equal(t, "Target.detachedFromTarget", last.Method)
	assert.Equal(t, types.DetachedFromTarget{SessionID: "cb-tab-1", TargetID: "T-1", Reason: registry.ReasonTargetClosed}, last.Params)
	assert.Equal(t, types.StatusConnecting, h.board.TabStatus(tab))

	h.clock.Advance(time.Second)
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.clock.Delays())
	assert.False(t, h.engine.Registry().Tracked(tab))

	h.browser.setAttachErr(tab, nil)
	h.clock.Advance(4 * time.Second)
	assert.True(t, h.engine.Registry().Tracked(tab))
	assert.False(t, h.sched.Pending(tabKey(tab)))
	assert.Len(t, h.clock.Delays(), 3)
	assert.Equal(t, types.StatusOn, h.board.TabStatus(tab))
}

func TestCanceledByUserIsNotReattached(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugDetached(tab, registry.ReasonCanceledByUser)
	h.settle()

	assert.False(t, h.engine.Registry().Tracked(tab))
	assert.Empty(t, h.sched.Keys())
	assert.Equal(t, types.StatusOff, h.board.TabStatus(tab))
}

func TestTabRemovedCancelsReattach(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)
	h.browser.setAttachErr(tab, errors.New("refused"))

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()
	require.True(t, h.sched.Pending(tabKey(tab)))

	h.browser.close(tab)
	h.engine.TabRemoved(tab)
	h.settle()
	assert.False(t, h.sched.Pending(tabKey(tab)))

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.browser.attachCount(tab))
}

func TestReattachStopsWhenTabDisappears(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()
	h.browser.close(tab)

	h.clock.Advance(time.Second)
	assert.Empty(t, h.sched.Keys())
	assert.Equal(t, 1, h.browser.attachCount(tab))
}

func TestAttachByAnotherPathCancelsReattach(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()
	require.True(t, h.sched.Pending(tabKey(tab)))

	h.engine.TabUpdated(types.Tab{ID: tab, URL: "https://a.example/next"}, true)
	h.settle()
	assert.True(t, h.engine.Registry().Tracked(tab))
	assert.False(t, h.sched.Pending(tabKey(tab)))

	h.clock.Advance(time.Minute)
	assert.Equal(t, 2, h.browser.attachCount(tab))
}

func TestReattachRolledBackWhenDisableLandsMidAttach(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()
	require.True(t, h.sched.Pending(tabKey(tab)))

	h.browser.onAttach = func(types.TabID) {
		started, err := h.machine.BeginDisable()
		require.NoError(t, err)
		require.True(t, started)
	}
	h.clock.Advance(time.Second)

	assert.False(t, h.engine.Registry().Tracked(tab))
	assert.False(t, h.browser.isAttached(tab))
	assert.False(t, h.sched.Pending(tabKey(tab)))
	assert.Len(t, h.clock.Delays(), 1)
	events := h.transport.eventsCopy()
	last := events[len(events)-1]
	require.Equal(t, "Target.detachedFromTarget", last.Method)
	assert.Equal(t, registry.ReasonDisabled, last.Params.(types.DetachedFromTarget).Reason)
}

func TestReattachNotRescheduledOnceDisabled(t *testing.T) {
	h := newHarness(t, true)
	tab := h.browser.open("https://a.example")
	h.start(t)

	h.engine.DebugDetached(tab, registry.ReasonTargetClosed)
	h.settle()

	_, err := h.machine.BeginDisable()
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	assert.False(t, h.sched.Pending(tabKey(tab)))
	assert.Len(t, h.clock.Delays(), 1)
	assert.False(t, h.engine.Registry().Tracked(tab))
}

func TestTabUpdatedAutoAttachRules(t *testing.T) {
	h := newHarness(t, true)
	h.start(t)

	settings := h.browser.open("chrome://settings")
	page := h.browser.open("https://a.example")

	h.engine.TabUpdated(types.Tab{ID: page, URL: "https://a.example"}, false)
	h.engine.TabUpdated(types.Tab{ID: settings, URL: "chrome://settings"}, true)
	h.settle()
	assert.Zero(t, h.browser.totalAttachCalls())

	h.engine.TabUpdated(types.Tab{ID: page, URL: "https://a.example"}, true)
	h.settle()
	assert.True(t, h.engine.Registry().Tracked(page))

	h.transport.drop()
	other := h.browser.open("https://b.example")
	h.engine.TabUpdated(types.Tab{ID: other, URL: "https://b.example"}, true)
	h.settle()
	assert.False(t, h.engine.Registry().Tracked(other))
}

func TestTransportLossKeepsTargetsAndReconcileRestoresSurvivors(t *testing.T) {
	h := newHarness(t, true)
	t1 := h.browser.open("https://a.example")
	t2 := h.browser.open("https://b.example")
	t3 := h.browser.open("https://c.example")
	h.start(t)

	h.transport.drop()
	h.engine.TransportLost(errors.New("EOF"))

	reg := h.engine.Registry()
	primary, child := reg.IndexSizes()
	assert.Zero(t, primary)
	assert.Zero(t, child)
	for _, rec := range reg.Snapshot() {
		assert.Equal(t, registry.StateConnected, rec.State)
		assert.Empty(t, rec.SessionID)
		assert.Equal(t, "T-"+string(rec.Tab), rec.TargetID)
	}
	assert.Equal(t, status.RelayConnecting, h.board.RelayStatus())

	// Events during the outage are dropped.
	h.engine.DebugEvent(t1, "", "Page.loadEventFired", nil)

	// Tab 2 closed while disconnected; tab 4 opened.
	h.browser.close(t2)
	t4 := h.browser.open("https://d.example")
	before := len(h.transport.eventsCopy())

	require.NoError(t, h.transport.EnsureConnected(context.Background()))
	h.settle()

	assert.False(t, reg.Tracked(t2))
	recs := reg.Snapshot()
	require.Len(t, recs, 3)
	byTab := map[types.TabID]registry.Record{}
	for _, rec := range recs {
		byTab[rec.Tab] = rec
	}
	assert.Equal(t, "T-1", byTab[t1].TargetID)
	assert.Equal(t, "T-3", byTab[t3].TargetID)
	assert.Equal(t, "cb-tab-4", byTab[t1].SessionID)
	assert.Equal(t, "cb-tab-5", byTab[t3].SessionID)
	assert.Equal(t, "cb-tab-6", byTab[t4].SessionID)

	// Survivors were never attached twice.
	assert.Equal(t, 1, h.browser.attachCount(t1))
	assert.Equal(t, 1, h.browser.attachCount(t3))

	after := h.transport.eventsCopy()[before:]
	require.Len(t, after, 3)
	for _, ev := range after {
		assert.Equal(t, "Target.attachedToTarget", ev.Method)
	}
	first := after[0].Params.(*target.EventAttachedToTarget)
	assert.Equal(t, target.ID("T-1"), first.TargetInfo.TargetID)

	_, _, ok := reg.ResolveSession("cb-tab-1")
	assert.False(t, ok)
	require.NoError(t, reg.CheckInvariants())
}

func TestDisableThenEnable(t *testing.T) {
	h := newHarness(t, true)
	store := state.NewStore(filepath.Join(t.TempDir(), "state.yaml"))
	h.engine.store = store
	a := h.browser.open("https://a.example")
	h.browser.open("https://b.example")
	h.start(t)

	h.browser.setAttachErr(a, errors.New("refused"))
	h.engine.DebugDetached(a, registry.ReasonTargetClosed)
	h.settle()
	require.NotEmpty(t, h.sched.Keys())

	require.NoError(t, h.engine.Disable(context.Background()))
	assert.Equal(t, state.PhaseDisabled, h.machine.Phase())
	assert.Zero(t, h.engine.Registry().Len())
	assert.Empty(t, h.sched.Keys())
	assert.Equal(t, 1, h.transport.closes)
	assert.Equal(t, status.RelayDisabled, h.board.RelayStatus())

	events := h.transport.eventsCopy()
	var reasons []string
	for _, ev := range events {
		if d, ok := ev.Params.(types.DetachedFromTarget); ok {
			reasons = append(reasons, d.Reason)
		}
	}
	assert.Equal(t, []string{registry.ReasonTargetClosed, registry.ReasonDisabled}, reasons)

	f, err := store.Load()
	require.NoError(t, err)
	assert.False(t, f.IsEnabled())

	// Disabling twice is a no-op.
	require.NoError(t, h.engine.Disable(context.Background()))

	h.browser.setAttachErr(a, nil)
	require.NoError(t, h.engine.Enable(context.Background()))
	assert.Equal(t, state.PhaseEnabled, h.machine.Phase())
	assert.Equal(t, 2, h.engine.Registry().Len())
	f, err = store.Load()
	require.NoError(t, err)
	assert.True(t, f.IsEnabled())
}

func TestApplyStateFollowsPersistedFlag(t *testing.T) {
	h := newHarness(t, true)
	h.browser.open("https://a.example")
	h.start(t)

	off := false
	h.engine.ApplyState(context.Background(), state.File{Enabled: &off})
	assert.Equal(t, state.PhaseDisabled, h.machine.Phase())

	h.engine.ApplyState(context.Background(), state.File{Enabled: &off})
	assert.Equal(t, 1, h.transport.closes)

	h.engine.ApplyState(context.Background(), state.File{})
	assert.Equal(t, state.PhaseEnabled, h.machine.Phase())
	assert.Equal(t, 1, h.engine.Registry().Len())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.browser.open("https://a.example")
	h.start(t)

	snap := h.engine.Snapshot()
	assert.Equal(t, state.PhaseEnabled, snap.Phase)
	assert.True(t, snap.Connected)
	assert.Equal(t, status.RelayConnected, snap.Relay)
	require.Len(t, snap.Tabs, 1)
	assert.Empty(t, snap.Scheduled)
}
