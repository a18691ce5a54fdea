package relay

import (
	"log/slog"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// TabCreated is a no-op: a new tab is attached once it finishes loading.
func (e *Engine) TabCreated(tab types.Tab) {
	slog.Debug("tab created", "tab_id", tab.ID, "url", tab.Address())
}

// TabUpdated auto-attaches a tab that finished loading when the relay is
// enabled and the broker is connected.
func (e *Engine) TabUpdated(tab types.Tab, loaded bool) {
	if !loaded || !e.machine.Enabled() || !e.transport.Connected() {
		return
	}
	if IsProtected(tab.Address()) || e.registry.Tracked(tab.ID) || e.isCreating(tab.ID) {
		return
	}
	e.spawn(func() {
		e.waitReconcile()
		if _, err := e.attach(e.ctx, tab.ID, registry.AttachOptions{}); err != nil {
			slog.Debug("auto-attach skipped", "tab_id", tab.ID, "error", err)
		}
	})
}

// TabRemoved cancels any pending reattach and detaches the tab.
func (e *Engine) TabRemoved(id types.TabID) {
	e.sched.Cancel(tabKey(id))
	e.spawn(func() {
		e.registry.Detach(e.ctx, id, registry.ReasonTabClosed)
		e.sink.ClearTab(id)
		e.journal.Append("detach", id, map[string]string{"reason": registry.ReasonTabClosed})
	})
}

// TabActivated refreshes the badge of the focused tab.
func (e *Engine) TabActivated(id types.TabID) {
	rec, ok := e.registry.Get(id)
	switch {
	case !ok:
		return
	case rec.SessionID != "":
		e.sink.SetTabStatus(id, types.StatusOn)
	default:
		e.sink.SetTabStatus(id, types.StatusConnecting)
	}
}
