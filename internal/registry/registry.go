// Package registry is the authoritative mapping between tracked tabs, their
// debug state, the relay session ids announced to the broker, the debug
// target ids and the child sessions (frames, workers) attached under a tab.
//
// The registry is the only writer of a record's state, session id and target
// id. Collaborator calls (debugger, emitter) are made without the lock held;
// the presence check and the "connecting" mark are a single locked step, so a
// tab can never be attached twice concurrently.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// State is the attach state of a tracked tab. Absence from the registry
// means the tab is not tracked.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
)

// Detach reasons reported to the broker.
const (
	ReasonTabClosed      = "tab_closed"
	ReasonDisabled       = "disabled"
	ReasonTargetClosed   = "target_closed"
	ReasonCanceledByUser = "canceled_by_user"
)

var (
	ErrAlreadyTracked = errors.New("tab already tracked")
	ErrAttachFailed   = errors.New("attach failed")
	ErrNotAwaiting    = errors.New("tab is not awaiting re-announce")
)

// Record is one tracked tab. A connected record without a SessionID is
// awaiting re-announce after a transport reconnect.
type Record struct {
	Tab         types.TabID `json:"tab_id"`
	State       State       `json:"state"`
	SessionID   string      `json:"session_id,omitempty"`
	TargetID    string      `json:"target_id,omitempty"`
	AttachOrder int64       `json:"attach_order"`
}

// AwaitingReannounce reports whether the record lost its session id to a
// transport reconnect while its local attachment is believed alive.
func (r Record) AwaitingReannounce() bool {
	return r.State == StateConnected && r.SessionID == ""
}

// Emitter sends locally originated events to the broker.
type Emitter interface {
	SendEvent(ev types.ForwardEvent) error
}

// AttachOptions tunes Attach.
type AttachOptions struct {
	// Silent suppresses the Target.attachedToTarget event.
	Silent bool
}

// Registry owns tab records and both session indices.
type Registry struct {
	debugger types.Debugger
	emitter  Emitter

	mu          sync.Mutex
	tabs        map[types.TabID]*Record
	sessions    map[string]types.TabID
	children    map[string]types.TabID
	nextOrder   int64
	nextSession int64
}

// New creates an empty registry.
func New(debugger types.Debugger, emitter Emitter) *Registry {
	return &Registry{
		debugger: debugger,
		emitter:  emitter,
		tabs:     make(map[types.TabID]*Record),
		sessions: make(map[string]types.TabID),
		children: make(map[string]types.TabID),
	}
}

// Attach starts tracking tab: it marks it connecting, attaches the debugger,
// reads the debug target id, mints a session id, indexes it and announces it
// to the broker. Any failure leaves the tab untracked.
func (r *Registry) Attach(ctx context.Context, tab types.TabID, opts AttachOptions) (Record, error) {
	r.mu.Lock()
	if _, ok := r.tabs[tab]; ok {
		r.mu.Unlock()
		return Record{}, ErrAlreadyTracked
	}
	r.nextOrder++
	order := r.nextOrder
	r.tabs[tab] = &Record{Tab: tab, State: StateConnecting, AttachOrder: order}
	r.mu.Unlock()

	if err := r.debugger.Attach(ctx, tab); err != nil {
		r.abandon(tab, order)
		slog.Debug("registry attach refused", "tab_id", tab, "error", err)
		return Record{}, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	info, err := r.targetInfo(ctx, tab)
	if err != nil {
		r.abandon(tab, order)
		r.detachDebugger(ctx, tab)
		slog.Debug("registry target info failed", "tab_id", tab, "error", err)
		return Record{}, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	r.mu.Lock()
	rec, ok := r.tabs[tab]
	if !ok || rec.AttachOrder != order {
		r.mu.Unlock()
		r.detachDebugger(ctx, tab)
		return Record{}, fmt.Errorf("%w: tab released during attach", ErrAttachFailed)
	}
	rec.State = StateConnected
	rec.SessionID = r.mintSessionLocked()
	rec.TargetID = string(info.TargetID)
	r.sessions[rec.SessionID] = tab
	out := *rec
	r.mu.Unlock()

	slog.Info("tab attached", "tab_id", tab, "session_id", out.SessionID, "target_id", out.TargetID, "attach_order", out.AttachOrder)
	if !opts.Silent {
		r.emitAttached(out, info)
	}
	return out, nil
}

// Detach stops tracking tab. When the tab had a live session a
// Target.detachedFromTarget event carrying reason is sent first. The debugger
// detach is best effort. Detaching an untracked tab is a no-op.
func (r *Registry) Detach(ctx context.Context, tab types.TabID, reason string) {
	rec, ok := r.remove(tab)
	if !ok {
		return
	}
	if rec.SessionID != "" {
		r.emit(types.ForwardEvent{
			Method: "Target.detachedFromTarget",
			Params: types.DetachedFromTarget{SessionID: rec.SessionID, TargetID: rec.TargetID, Reason: reason},
		})
	}
	r.detachDebugger(ctx, tab)
	slog.Info("tab detached", "tab_id", tab, "session_id", rec.SessionID, "reason", reason)
}

// Drop forgets tab without announcing anything to the broker. Used when an
// attachment thought to have survived a reconnect turns out to be gone.
func (r *Registry) Drop(ctx context.Context, tab types.TabID) {
	if _, ok := r.remove(tab); !ok {
		return
	}
	r.detachDebugger(ctx, tab)
	slog.Info("tab dropped", "tab_id", tab)
}

func (r *Registry) remove(tab types.TabID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tabs[tab]
	if !ok {
		return Record{}, false
	}
	out := *rec
	delete(r.tabs, tab)
	if rec.SessionID != "" {
		delete(r.sessions, rec.SessionID)
	}
	for sid, parent := range r.children {
		if parent == tab {
			delete(r.children, sid)
		}
	}
	return out, true
}

// abandon removes a connecting record created by the attach with the given
// order, leaving a newer record for the same tab alone.
func (r *Registry) abandon(tab types.TabID, order int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tabs[tab]; ok && rec.AttachOrder == order {
		delete(r.tabs, tab)
	}
}

// ResetForReconnect applies the transport-loss policy: both indices are
// cleared and every connected record loses its session id but keeps its
// target id and state. Records still connecting are released so their
// in-flight attach fails and the tab is picked up again after reconnect.
// It returns the tabs now awaiting re-announce.
func (r *Registry) ResetForReconnect() []types.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = make(map[string]types.TabID)
	r.children = make(map[string]types.TabID)

	var awaiting []*Record
	for tab, rec := range r.tabs {
		if rec.State != StateConnected {
			delete(r.tabs, tab)
			continue
		}
		rec.SessionID = ""
		awaiting = append(awaiting, rec)
	}
	sort.Slice(awaiting, func(i, j int) bool { return awaiting[i].AttachOrder < awaiting[j].AttachOrder })

	out := make([]types.TabID, 0, len(awaiting))
	for _, rec := range awaiting {
		out = append(out, rec.Tab)
	}
	return out
}

// Awaiting lists the tabs awaiting re-announce, in attach order.
func (r *Registry) Awaiting() []types.TabID {
	var out []types.TabID
	for _, rec := range r.Snapshot() {
		if rec.AwaitingReannounce() {
			out = append(out, rec.Tab)
		}
	}
	return out
}

// Reannounce restores a record awaiting re-announce: it refreshes the target
// id, mints a fresh session id, re-inserts the primary index entry and emits a
// synthetic Target.attachedToTarget so the broker rebuilds its view.
func (r *Registry) Reannounce(ctx context.Context, tab types.TabID) (Record, error) {
	r.mu.Lock()
	rec, ok := r.tabs[tab]
	if !ok || !rec.AwaitingReannounce() {
		r.mu.Unlock()
		return Record{}, ErrNotAwaiting
	}
	retained := rec.TargetID
	r.mu.Unlock()

	info, err := r.targetInfo(ctx, tab)
	if err != nil {
		slog.Debug("registry re-announce target info failed, keeping retained target id", "tab_id", tab, "error", err)
		info = &target.Info{TargetID: target.ID(retained), Type: "page"}
	}

	r.mu.Lock()
	rec, ok = r.tabs[tab]
	if !ok || !rec.AwaitingReannounce() {
		r.mu.Unlock()
		return Record{}, ErrNotAwaiting
	}
	rec.SessionID = r.mintSessionLocked()
	rec.TargetID = string(info.TargetID)
	r.sessions[rec.SessionID] = tab
	out := *rec
	r.mu.Unlock()

	slog.Info("tab re-announced", "tab_id", tab, "session_id", out.SessionID, "target_id", out.TargetID)
	r.emitAttached(out, info)
	return out, nil
}

// AddChild records a child session attached under parent's main session.
func (r *Registry) AddChild(parent types.TabID, childSession string) {
	if childSession == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[parent]; !ok {
		return
	}
	r.children[childSession] = parent
}

// RemoveChild forgets a child session.
func (r *Registry) RemoveChild(childSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, childSession)
}

// ResolveSession maps a relay session id to its tab, checking the primary
// index first and then the child index.
func (r *Registry) ResolveSession(sessionID string) (rec Record, child bool, ok bool) {
	if sessionID == "" {
		return Record{}, false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if tab, found := r.sessions[sessionID]; found {
		if rec, exists := r.tabs[tab]; exists {
			return *rec, false, true
		}
	}
	if tab, found := r.children[sessionID]; found {
		if rec, exists := r.tabs[tab]; exists {
			return *rec, true, true
		}
	}
	return Record{}, false, false
}

// ResolveTarget finds the tracked tab whose debug target id is targetID.
func (r *Registry) ResolveTarget(targetID string) (Record, bool) {
	if targetID == "" {
		return Record{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.tabs {
		if rec.TargetID == targetID {
			return *rec, true
		}
	}
	return Record{}, false
}

// FirstConnected returns the earliest attached connected tab. This is a weak
// fallback for commands that carry neither a session nor a target id.
func (r *Registry) FirstConnected() (Record, bool) {
	for _, rec := range r.Snapshot() {
		if rec.State == StateConnected {
			return rec, true
		}
	}
	return Record{}, false
}

// Get returns the record for tab.
func (r *Registry) Get(tab types.TabID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tabs[tab]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Tracked reports whether tab has a record.
func (r *Registry) Tracked(tab types.TabID) bool {
	_, ok := r.Get(tab)
	return ok
}

// Len returns the number of tracked tabs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Snapshot copies every record, ordered by attach order.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.tabs))
	for _, rec := range r.tabs {
		out = append(out, *rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AttachOrder < out[j].AttachOrder })
	return out
}

// IndexSizes returns the number of primary and child session index entries.
func (r *Registry) IndexSizes() (primary, child int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.children)
}

// CheckInvariants verifies the registry's structural rules: a session id
// implies a target id, connecting records carry neither, and every index
// entry points at a tracked tab (primary entries at the tab that owns them).
func (r *Registry) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tab, rec := range r.tabs {
		if rec.Tab != tab {
			return fmt.Errorf("record for %s is keyed as %s", rec.Tab, tab)
		}
		if rec.SessionID != "" && rec.TargetID == "" {
			return fmt.Errorf("tab %s has session %s without target id", tab, rec.SessionID)
		}
		if rec.State == StateConnecting && (rec.SessionID != "" || rec.TargetID != "") {
			return fmt.Errorf("connecting tab %s already carries ids", tab)
		}
		if rec.SessionID != "" && r.sessions[rec.SessionID] != tab {
			return fmt.Errorf("session %s of tab %s missing from index", rec.SessionID, tab)
		}
	}
	for sid, tab := range r.sessions {
		rec, ok := r.tabs[tab]
		if !ok {
			return fmt.Errorf("session %s points at untracked tab %s", sid, tab)
		}
		if rec.SessionID != sid {
			return fmt.Errorf("session %s points at tab %s which owns %q", sid, tab, rec.SessionID)
		}
	}
	for sid, tab := range r.children {
		if _, ok := r.tabs[tab]; !ok {
			return fmt.Errorf("child session %s points at untracked tab %s", sid, tab)
		}
	}
	return nil
}

func (r *Registry) mintSessionLocked() string {
	r.nextSession++
	return fmt.Sprintf("cb-tab-%d", r.nextSession)
}

func (r *Registry) targetInfo(ctx context.Context, tab types.TabID) (*target.Info, error) {
	raw, err := r.debugger.Send(ctx, tab, "", "Target.getTargetInfo", nil)
	if err != nil {
		return nil, err
	}
	var resp target.GetTargetInfoReturns
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode target info: %w", err)
	}
	if resp.TargetInfo == nil || resp.TargetInfo.TargetID == "" {
		return nil, errors.New("target info missing target id")
	}
	return resp.TargetInfo, nil
}

func (r *Registry) emitAttached(rec Record, info *target.Info) {
	announced := *info
	announced.Attached = true
	r.emit(types.ForwardEvent{
		Method: "Target.attachedToTarget",
		Params: &target.EventAttachedToTarget{
			SessionID:          target.SessionID(rec.SessionID),
			TargetInfo:         &announced,
			WaitingForDebugger: false,
		},
	})
}

func (r *Registry) emit(ev types.ForwardEvent) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.SendEvent(ev); err != nil {
		slog.Debug("registry event not delivered", "method", ev.Method, "error", err)
	}
}

func (r *Registry) detachDebugger(ctx context.Context, tab types.TabID) {
	if err := r.debugger.Detach(ctx, tab); err != nil {
		slog.Debug("debugger detach failed", "tab_id", tab, "error", err)
	}
}
