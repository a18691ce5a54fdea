package types

import (
	"context"
	"encoding/json"
)

// TabID identifies a browser tab for the lifetime of the tab.
type TabID string

// Tab holds metadata about a browser tab as reported by the tab provider.
type Tab struct {
	ID         TabID  `json:"id"`
	URL        string `json:"url"`
	PendingURL string `json:"pending_url,omitempty"`
	Title      string `json:"title,omitempty"`
	Active     bool   `json:"active,omitempty"`
}

// Address returns the URL the tab is on or about to load.
func (t Tab) Address() string {
	if t.PendingURL != "" {
		return t.PendingURL
	}
	return t.URL
}

// TabProvider is the browser's tab lifecycle: query, create, update and
// remove tabs. Implementations report lifecycle changes to a TabObserver.
type TabProvider interface {
	Query(ctx context.Context) ([]Tab, error)
	Get(ctx context.Context, id TabID) (Tab, error)
	Create(ctx context.Context, url string, active bool) (Tab, error)
	Remove(ctx context.Context, id TabID) error
	// Activate focuses the tab's window and makes it the active tab.
	Activate(ctx context.Context, id TabID) error
}

// TabObserver receives tab lifecycle events.
type TabObserver interface {
	TabCreated(tab Tab)
	// TabUpdated reports a change; loaded is true once navigation completed.
	TabUpdated(tab Tab, loaded bool)
	TabRemoved(id TabID)
	TabActivated(id TabID)
}

// Await waits for the reply of an issued command.
type Await func(ctx context.Context) (json.RawMessage, error)

// Debugger is the single-target debug capability. A tab has at most one
// debug attachment; commands can be addressed at the tab's main session or
// at a child session (frame, worker) attached under it.
type Debugger interface {
	Attach(ctx context.Context, tab TabID) error
	Detach(ctx context.Context, tab TabID) error
	Send(ctx context.Context, tab TabID, childSession, method string, params json.RawMessage) (json.RawMessage, error)
	// Issue writes a command without waiting for its reply. Commands issued
	// one after another reach the session in that order.
	Issue(tab TabID, childSession, method string, params json.RawMessage) (Await, error)
}

// DebugObserver receives debug events and unsolicited detach notifications.
type DebugObserver interface {
	// DebugEvent delivers an event; childSession is empty for events of the
	// tab's main session.
	DebugEvent(tab TabID, childSession, method string, params json.RawMessage)
	DebugDetached(tab TabID, reason string)
}
