// Package cdpcontrol drives a local Chromium over its browser-level DevTools
// socket. Backend is both the tab-lifecycle provider and the debug capability
// the relay engine works against.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabrelay/internal/types"
)

const pageType = "page"

// Backend maps tabs to page targets and debug attachments to flat sessions.
type Backend struct {
	cdpURL string
	cdp    *rawCDP

	mu        sync.Mutex
	sessions  map[types.TabID]string
	bySession map[string]types.TabID
	// children maps a child session to the tab whose session owns it.
	children map[string]types.TabID
	// detaching holds sessions this backend is detaching itself; their
	// detach events are not reported.
	detaching map[string]bool
	attaching map[types.TabID]bool
	active    types.TabID

	obsMu    sync.RWMutex
	tabObs   types.TabObserver
	debugObs types.DebugObserver
}

// New returns a Backend for the browser at cdpURL (http://host:port).
func New(cdpURL string, client *http.Client) *Backend {
	return &Backend{
		cdpURL:    cdpURL,
		cdp:       newRawCDP(cdpURL, client),
		sessions:  make(map[types.TabID]string),
		bySession: make(map[string]types.TabID),
		children:  make(map[string]types.TabID),
		detaching: make(map[string]bool),
		attaching: make(map[types.TabID]bool),
	}
}

// SetTabObserver installs the receiver of tab lifecycle events.
func (b *Backend) SetTabObserver(o types.TabObserver) {
	b.obsMu.Lock()
	b.tabObs = o
	b.obsMu.Unlock()
}

// SetDebugObserver installs the receiver of debug events and detaches.
func (b *Backend) SetDebugObserver(o types.DebugObserver) {
	b.obsMu.Lock()
	b.debugObs = o
	b.obsMu.Unlock()
}

func (b *Backend) observers() (types.TabObserver, types.DebugObserver) {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	return b.tabObs, b.debugObs
}

// Connect dials the browser and turns on target discovery.
func (b *Backend) Connect(ctx context.Context) error {
	if b.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}
	slog.Info("cdpcontrol connect start", "cdp_url", b.cdpURL)

	b.cdp.registerEventHandler("Target.targetCreated", b.onTargetCreated)
	b.cdp.registerEventHandler("Target.targetInfoChanged", b.onTargetInfoChanged)
	b.cdp.registerEventHandler("Target.targetDestroyed", b.onTargetDestroyed)
	b.cdp.registerEventHandler("Target.attachedToTarget", b.onAttachedToTarget)
	b.cdp.registerEventHandler("Target.detachedFromTarget", b.onDetachedFromTarget)
	b.cdp.setTap(b.forwardSessionEvent)

	if err := b.cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	done := b.cdp.closed()
	go b.watchClose(done)

	if _, err := b.cdp.call(ctx, "Target.setDiscoverTargets", target.SetDiscoverTargets(true)); err != nil {
		b.cdp.close()
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}
	slog.Info("cdpcontrol connect ok", "cdp_url", b.cdpURL)
	return nil
}

// Done is closed when the browser connection ends.
func (b *Backend) Done() <-chan struct{} {
	return b.cdp.closed()
}

// Close detaches every session and closes the browser socket.
func (b *Backend) Close() error {
	b.mu.Lock()
	sessions := make([]string, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
		b.detaching[s] = true
	}
	b.mu.Unlock()

	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := b.cdp.detachFromTarget(ctx, s); err != nil {
			slog.Debug("detach cleanup failed", "session_id", s, "error", err)
		}
		cancel()
	}
	b.cdp.close()
	return nil
}

// watchClose reports every attached tab as detached once the browser socket
// is gone.
func (b *Backend) watchClose(done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done
	b.mu.Lock()
	lost := make([]types.TabID, 0, len(b.sessions))
	for tab, s := range b.sessions {
		if !b.detaching[s] {
			lost = append(lost, tab)
		}
	}
	b.sessions = make(map[types.TabID]string)
	b.bySession = make(map[string]types.TabID)
	b.children = make(map[string]types.TabID)
	b.detaching = make(map[string]bool)
	b.mu.Unlock()

	slog.Warn("cdpcontrol browser connection closed", "attached_tabs", len(lost))
	_, dobs := b.observers()
	if dobs == nil {
		return
	}
	for _, tab := range lost {
		dobs.DebugDetached(tab, "target_closed")
	}
}

// Query lists the open page targets.
func (b *Backend) Query(ctx context.Context) ([]types.Tab, error) {
	infos, err := b.cdp.listTargets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "failed to list targets", err)
	}
	b.mu.Lock()
	active := b.active
	b.mu.Unlock()

	tabs := make([]types.Tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != pageType {
			continue
		}
		tab := tabFromInfo(info)
		tab.Active = tab.ID == active
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// Get returns one tab.
func (b *Backend) Get(ctx context.Context, id types.TabID) (types.Tab, error) {
	raw, err := b.cdp.call(ctx, "Target.getTargetInfo", target.GetTargetInfo().WithTargetID(target.ID(id)))
	if err != nil {
		return types.Tab{}, newError(CodeTabNotFound, fmt.Sprintf("tab %s", id), err)
	}
	var ret target.GetTargetInfoReturns
	if err := json.Unmarshal(raw, &ret); err != nil || ret.TargetInfo == nil {
		return types.Tab{}, newError(CodeTabNotFound, fmt.Sprintf("tab %s", id), err)
	}
	tab := tabFromInfo(ret.TargetInfo)
	b.mu.Lock()
	tab.Active = tab.ID == b.active
	b.mu.Unlock()
	return tab, nil
}

// Create opens a tab at url, in the background unless active.
func (b *Backend) Create(ctx context.Context, url string, active bool) (types.Tab, error) {
	raw, err := b.cdp.call(ctx, "Target.createTarget", target.CreateTarget(url).WithBackground(!active))
	if err != nil {
		return types.Tab{}, err
	}
	var ret target.CreateTargetReturns
	if err := json.Unmarshal(raw, &ret); err != nil {
		return types.Tab{}, fmt.Errorf("cdpcontrol: decode createTarget: %w", err)
	}
	id := types.TabID(ret.TargetID)
	if active {
		b.setActive(id)
	}
	return types.Tab{ID: id, URL: url, Active: active}, nil
}

// Remove closes a tab.
func (b *Backend) Remove(ctx context.Context, id types.TabID) error {
	raw, err := b.cdp.call(ctx, "Target.closeTarget", target.CloseTarget(target.ID(id)))
	if err != nil {
		return err
	}
	var ret struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &ret); err == nil && ret.Success != nil && !*ret.Success {
		return newError(CodeTabNotFound, fmt.Sprintf("close tab %s", id), nil)
	}
	return nil
}

// Activate brings a tab to the front.
func (b *Backend) Activate(ctx context.Context, id types.TabID) error {
	if _, err := b.cdp.call(ctx, "Target.activateTarget", target.ActivateTarget(target.ID(id))); err != nil {
		return err
	}
	b.setActive(id)
	if tobs, _ := b.observers(); tobs != nil {
		tobs.TabActivated(id)
	}
	return nil
}

func (b *Backend) setActive(id types.TabID) {
	b.mu.Lock()
	b.active = id
	b.mu.Unlock()
}

// Attach opens a flat debug session on the tab's target.
func (b *Backend) Attach(ctx context.Context, tab types.TabID) error {
	b.mu.Lock()
	if _, ok := b.sessions[tab]; ok || b.attaching[tab] {
		b.mu.Unlock()
		return newError(CodeAlreadyAttached, fmt.Sprintf("Another debugger is already attached to the tab with id: %s", tab), nil)
	}
	b.attaching[tab] = true
	b.mu.Unlock()

	session, err := b.cdp.attachToTarget(ctx, string(tab))

	b.mu.Lock()
	delete(b.attaching, tab)
	if err == nil {
		b.sessions[tab] = session
		b.bySession[session] = tab
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	slog.Debug("cdpcontrol attached", "tab_id", tab, "session_id", session)
	return nil
}

// Detach closes the tab's debug session. The resulting detach event is not
// reported to the debug observer.
func (b *Backend) Detach(ctx context.Context, tab types.TabID) error {
	b.mu.Lock()
	session, ok := b.sessions[tab]
	if !ok {
		b.mu.Unlock()
		return newError(CodeNotAttached, fmt.Sprintf("Debugger is not attached to the tab with id: %s", tab), nil)
	}
	b.detaching[session] = true
	b.forgetLocked(tab, session)
	b.mu.Unlock()

	err := b.cdp.detachFromTarget(ctx, session)
	if err != nil {
		b.mu.Lock()
		delete(b.detaching, session)
		b.mu.Unlock()
	}
	return err
}

// Send issues a command on the tab's main session or on one of its child
// sessions and waits for the result.
func (b *Backend) Send(ctx context.Context, tab types.TabID, childSession, method string, params json.RawMessage) (json.RawMessage, error) {
	wait, err := b.Issue(tab, childSession, method, params)
	if err != nil {
		return nil, err
	}
	return wait(ctx)
}

// Issue writes a command to the session without waiting for the result.
// All writes share the browser socket, so issue order is delivery order.
func (b *Backend) Issue(tab types.TabID, childSession, method string, params json.RawMessage) (types.Await, error) {
	session, err := b.sessionFor(tab, childSession)
	if err != nil {
		return nil, err
	}
	var p any
	if len(params) > 0 {
		p = params
	}
	wait, err := b.cdp.issueFlat(session, method, p)
	if err != nil {
		return nil, err
	}
	return types.Await(wait), nil
}

func (b *Backend) sessionFor(tab types.TabID, childSession string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[tab]
	if !ok {
		return "", newError(CodeNotAttached, fmt.Sprintf("Debugger is not attached to the tab with id: %s", tab), nil)
	}
	if childSession == "" {
		return session, nil
	}
	if owner, known := b.children[childSession]; known && owner != tab {
		return "", newError(CodeNotAttached, fmt.Sprintf("session %s belongs to another tab", childSession), nil)
	}
	return childSession, nil
}

// Attached reports whether a debug session is open on the tab.
func (b *Backend) Attached(tab types.TabID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[tab]
	return ok
}

func (b *Backend) forgetLocked(tab types.TabID, session string) {
	delete(b.sessions, tab)
	delete(b.bySession, session)
	for child, owner := range b.children {
		if owner == tab {
			delete(b.children, child)
		}
	}
}

func (b *Backend) onTargetCreated(_ string, params json.RawMessage) {
	var ev target.EventTargetCreated
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != pageType {
		return
	}
	if tobs, _ := b.observers(); tobs != nil {
		tobs.TabCreated(tabFromInfo(ev.TargetInfo))
	}
}

func (b *Backend) onTargetInfoChanged(_ string, params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil || ev.TargetInfo.Type != pageType {
		return
	}
	tab := tabFromInfo(ev.TargetInfo)
	if tobs, _ := b.observers(); tobs != nil {
		// Info changes arrive once a navigation has committed.
		tobs.TabUpdated(tab, tab.URL != "")
	}
}

func (b *Backend) onTargetDestroyed(_ string, params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if json.Unmarshal(params, &ev) != nil || ev.TargetID == "" {
		return
	}
	id := types.TabID(ev.TargetID)
	b.mu.Lock()
	if b.active == id {
		b.active = ""
	}
	b.mu.Unlock()
	if tobs, _ := b.observers(); tobs != nil {
		tobs.TabRemoved(id)
	}
}

// onAttachedToTarget records child sessions auto-attached under a session.
func (b *Backend) onAttachedToTarget(sessionID string, params json.RawMessage) {
	if sessionID == "" {
		return
	}
	var ev target.EventAttachedToTarget
	if json.Unmarshal(params, &ev) != nil || ev.SessionID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	tab, ok := b.bySession[sessionID]
	if !ok {
		tab, ok = b.children[sessionID]
	}
	if ok {
		b.children[string(ev.SessionID)] = tab
	}
}

func (b *Backend) onDetachedFromTarget(sessionID string, params json.RawMessage) {
	var ev target.EventDetachedFromTarget
	if json.Unmarshal(params, &ev) != nil || ev.SessionID == "" {
		return
	}
	detached := string(ev.SessionID)

	if sessionID != "" {
		b.mu.Lock()
		delete(b.children, detached)
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	if b.detaching[detached] {
		delete(b.detaching, detached)
		b.mu.Unlock()
		return
	}
	tab, ok := b.bySession[detached]
	if ok {
		b.forgetLocked(tab, detached)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	slog.Info("cdpcontrol session detached", "tab_id", tab, "session_id", detached)
	if _, dobs := b.observers(); dobs != nil {
		dobs.DebugDetached(tab, "target_closed")
	}
}

// forwardSessionEvent reports events raised on attached sessions.
func (b *Backend) forwardSessionEvent(method, sessionID string, params json.RawMessage) {
	if sessionID == "" {
		return
	}
	b.mu.Lock()
	tab, primary := b.bySession[sessionID]
	child := ""
	if !primary {
		var ok bool
		tab, ok = b.children[sessionID]
		if !ok {
			b.mu.Unlock()
			return
		}
		child = sessionID
	}
	b.mu.Unlock()

	if _, dobs := b.observers(); dobs != nil {
		dobs.DebugEvent(tab, child, method, params)
	}
}

func tabFromInfo(info *target.Info) types.Tab {
	return types.Tab{
		ID:    types.TabID(info.TargetID),
		URL:   info.URL,
		Title: info.Title,
	}
}

// IsCoded reports whether err carries the given code.
func IsCoded(err error, code string) bool {
	var ce *CodedError
	return errors.As(err, &ce) && ce.Code == code
}
