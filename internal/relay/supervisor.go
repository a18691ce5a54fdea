package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

var liveCheckParams = json.RawMessage(`{"expression":"1","returnByValue":true}`)

var errRelayDisabled = errors.New("relay disabled")

func tabKey(tab types.TabID) string { return "tab:" + string(tab) }

// backoff returns the reattach delay for attempt n: the initial delay doubled
// n times, capped at the maximum.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.ReattachInitial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= e.opts.ReattachMax {
			return e.opts.ReattachMax
		}
	}
	return d
}

func (e *Engine) scheduleReattach(tab types.TabID, attempt int) {
	if !e.machine.Enabled() {
		e.sink.ClearTab(tab)
		return
	}
	delay := e.backoff(attempt)
	e.sink.SetTabStatus(tab, types.StatusConnecting)
	e.sched.Schedule(tabKey(tab), delay, func() { e.reattach(tab, attempt) })
	slog.Debug("reattach scheduled", "tab_id", tab, "attempt", attempt+1, "delay_ms", delay.Milliseconds())
}

// reattach is one retry of the unexpected-detach path. It stops once the tab
// is gone, tracked again, on a protected address, or the relay is disabled.
// The phase is checked again after every browser or broker call, since a
// disable can land in between. Any other failure backs off further.
func (e *Engine) reattach(tab types.TabID, attempt int) {
	if !e.machine.Enabled() {
		e.sink.ClearTab(tab)
		return
	}
	ctx := e.ctx
	info, err := e.tabs.Get(ctx, tab)
	if err != nil {
		slog.Debug("reattach abandoned, tab gone", "tab_id", tab, "error", err)
		e.sink.ClearTab(tab)
		return
	}
	if !e.machine.Enabled() {
		e.sink.ClearTab(tab)
		return
	}
	if e.registry.Tracked(tab) {
		return
	}
	if IsProtected(info.Address()) {
		slog.Debug("reattach abandoned, protected address", "tab_id", tab, "url", info.Address())
		e.sink.ClearTab(tab)
		return
	}
	if err := e.transport.EnsureConnected(ctx); err != nil {
		e.scheduleReattach(tab, attempt+1)
		return
	}
	if _, err := e.attach(ctx, tab, registry.AttachOptions{}); err != nil {
		if errors.Is(err, registry.ErrAlreadyTracked) || errors.Is(err, errRelayDisabled) {
			return
		}
		e.scheduleReattach(tab, attempt+1)
		return
	}
	e.journal.Append("reattach", tab, map[string]string{"attempts": strconv.Itoa(attempt + 1)})
}

// attach is the single attach path of the engine. Success cancels any
// pending reattach for the tab. An attach that completes after a disable
// began is detached again.
func (e *Engine) attach(ctx context.Context, tab types.TabID, opts registry.AttachOptions) (registry.Record, error) {
	if !e.machine.Enabled() {
		return registry.Record{}, errRelayDisabled
	}
	rec, err := e.registry.Attach(ctx, tab, opts)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyTracked) {
			existing, _ := e.registry.Get(tab)
			return existing, err
		}
		if !e.sched.Pending(tabKey(tab)) {
			e.sink.ClearTab(tab)
		}
		return registry.Record{}, err
	}
	if !e.machine.Enabled() {
		e.registry.Detach(ctx, tab, registry.ReasonDisabled)
		e.sink.ClearTab(tab)
		return registry.Record{}, errRelayDisabled
	}
	e.sched.Cancel(tabKey(tab))
	e.sink.SetTabStatus(tab, types.StatusOn)
	e.journal.Append("attach", tab, map[string]string{"session_id": rec.SessionID, "target_id": rec.TargetID})
	return rec, nil
}

// attachAll attaches every open, unprotected, untracked tab.
func (e *Engine) attachAll(ctx context.Context) {
	if !e.machine.Enabled() {
		return
	}
	tabs, err := e.tabs.Query(ctx)
	if err != nil {
		slog.Warn("tab query failed", "error", err)
		return
	}
	attached := 0
	for _, t := range tabs {
		if !e.machine.Enabled() {
			break
		}
		if IsProtected(t.Address()) || e.registry.Tracked(t.ID) {
			continue
		}
		if _, err := e.attach(ctx, t.ID, registry.AttachOptions{}); err == nil {
			attached++
		}
	}
	slog.Info("attach all done", "tabs", len(tabs), "attached", attached)
}

// reconcileAttachments checks every tab awaiting re-announce through its
// local debug session. Survivors get a fresh session announced to the
// broker; the rest are dropped.
func (e *Engine) reconcileAttachments(ctx context.Context) {
	e.reconcile.Lock()
	defer e.reconcile.Unlock()

	awaiting := e.registry.Awaiting()
	if len(awaiting) == 0 {
		return
	}
	restored, dropped := 0, 0
	for _, tab := range awaiting {
		if _, err := e.debugger.Send(ctx, tab, "", "Runtime.evaluate", liveCheckParams); err != nil {
			slog.Debug("reconcile check failed", "tab_id", tab, "error", err)
			e.registry.Drop(ctx, tab)
			e.sink.ClearTab(tab)
			e.journal.Append("reconcile_drop", tab, map[string]string{"error": err.Error()})
			dropped++
			continue
		}
		rec, err := e.registry.Reannounce(ctx, tab)
		if err != nil {
			continue
		}
		e.sink.SetTabStatus(tab, types.StatusOn)
		e.journal.Append("reconcile_restore", tab, map[string]string{"session_id": rec.SessionID, "target_id": rec.TargetID})
		restored++
	}
	slog.Info("reconcile done", "restored", restored, "dropped", dropped)
}

// waitReconcile blocks while a reconciliation pass is running.
func (e *Engine) waitReconcile() {
	e.reconcile.RLock()
	e.reconcile.RUnlock()
}
