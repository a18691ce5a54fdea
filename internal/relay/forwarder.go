package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// DebugEvent forwards a debug event of tab to the broker, tagged with the
// child session it came from or else the tab's main session. Child session
// attach and detach events maintain the child index. Events of untracked
// tabs or tabs awaiting re-announce are dropped.
func (e *Engine) DebugEvent(tab types.TabID, childSession, method string, params json.RawMessage) {
	rec, ok := e.registry.Get(tab)
	if !ok || rec.SessionID == "" {
		return
	}

	switch method {
	case "Target.attachedToTarget":
		if sid := sessionIDOf(params); sid != "" {
			e.registry.AddChild(tab, sid)
		}
	case "Target.detachedFromTarget":
		if sid := sessionIDOf(params); sid != "" {
			e.registry.RemoveChild(sid)
		}
	}

	sessionID := childSession
	if sessionID == "" {
		sessionID = rec.SessionID
	}
	ev := types.ForwardEvent{Method: method, SessionID: sessionID}
	if len(params) > 0 {
		ev.Params = params
	}
	if err := e.transport.SendEvent(ev); err != nil {
		slog.Debug("event not forwarded", "tab_id", tab, "method", method, "error", err)
	}
}

// DebugDetached handles a detach the relay did not ask for. The tab is fully
// detached and, unless the user dismissed the debugging session or the relay
// is disabled, a reattach is scheduled.
func (e *Engine) DebugDetached(tab types.TabID, reason string) {
	e.spawn(func() { e.handleDetached(tab, reason) })
}

func (e *Engine) handleDetached(tab types.TabID, reason string) {
	if !e.registry.Tracked(tab) {
		return
	}
	if reason == "" {
		reason = registry.ReasonTargetClosed
	}
	e.registry.Detach(e.ctx, tab, reason)
	e.journal.Append("detach", tab, map[string]string{"reason": reason})
	slog.Info("tab detached unexpectedly", "tab_id", tab, "reason", reason)

	if reason == registry.ReasonCanceledByUser || !e.machine.Enabled() {
		e.sink.ClearTab(tab)
		return
	}
	e.scheduleReattach(tab, 0)
}

func sessionIDOf(params json.RawMessage) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(params, &p) != nil {
		return ""
	}
	return p.SessionID
}
