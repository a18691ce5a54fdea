package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabrelay/internal/registry"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// NoAttachedTabError is returned when a command resolves to no tab.
type NoAttachedTabError struct {
	Method string
}

func (e *NoAttachedTabError) Error() string {
	return "No attached tab for method " + e.Method
}

// Route resolves the destination tab of cmd and executes it: by session id
// (primary, then child), then by params.targetId, then the earliest attached
// connected tab. A handful of methods get special handling; everything else
// is forwarded verbatim.
func (e *Engine) Route(ctx context.Context, cmd types.ForwardCommand) (json.RawMessage, error) {
	await, err := e.dispatch(cmd)
	if err != nil {
		return nil, err
	}
	return await(ctx)
}

// dispatch resolves cmd and writes it to the tab's debug session, or starts
// the special-cased handling. Commands dispatched one after another reach the
// session in that order; only the returned Await blocks.
func (e *Engine) dispatch(cmd types.ForwardCommand) (types.Await, error) {
	rec, ok := e.resolve(cmd)
	if !ok {
		return nil, &NoAttachedTabError{Method: cmd.Method}
	}
	child := ""
	if cmd.SessionID != "" && cmd.SessionID != rec.SessionID {
		child = cmd.SessionID
	}

	switch cmd.Method {
	case "Runtime.enable":
		return e.runtimeEnable(rec.Tab, child, cmd.Params), nil
	case "Target.createTarget":
		return func(ctx context.Context) (json.RawMessage, error) {
			return e.createTarget(ctx, cmd.Params)
		}, nil
	case "Target.closeTarget":
		return func(ctx context.Context) (json.RawMessage, error) {
			return e.closeTarget(ctx, rec, cmd.TargetID())
		}, nil
	case "Target.activateTarget":
		return func(ctx context.Context) (json.RawMessage, error) {
			return e.activateTarget(ctx, rec, cmd.TargetID())
		}, nil
	}
	return e.debugger.Issue(rec.Tab, child, cmd.Method, cmd.Params)
}

func (e *Engine) resolve(cmd types.ForwardCommand) (registry.Record, bool) {
	if rec, _, ok := e.registry.ResolveSession(cmd.SessionID); ok {
		return rec, true
	}
	if rec, ok := e.registry.ResolveTarget(cmd.TargetID()); ok {
		return rec, true
	}
	return e.registry.FirstConnected()
}

// runtimeEnable disables the runtime first so a repeated enable replays the
// execution context events. The disable is written in order; the enable
// follows once it answered and the settle delay passed.
func (e *Engine) runtimeEnable(tab types.TabID, child string, params json.RawMessage) types.Await {
	disabled, err := e.debugger.Issue(tab, child, "Runtime.disable", nil)
	if err != nil {
		slog.Debug("runtime disable before enable failed", "tab_id", tab, "error", err)
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		if disabled != nil {
			if _, err := disabled(ctx); err != nil {
				slog.Debug("runtime disable before enable failed", "tab_id", tab, "error", err)
			}
		}
		if err := sleepCtx(ctx, e.opts.RuntimeEnableDelay); err != nil {
			return nil, err
		}
		return e.debugger.Send(ctx, tab, child, "Runtime.enable", params)
	}
}

func (e *Engine) createTarget(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p target.CreateTargetParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid createTarget params: %w", err)
		}
	}
	if p.URL == "" {
		p.URL = "about:blank"
	}

	tab, err := e.tabs.Create(ctx, p.URL, false)
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	e.markCreating(tab.ID, true)
	defer e.markCreating(tab.ID, false)

	if err := sleepCtx(ctx, e.opts.CreateTargetSettle); err != nil {
		return nil, err
	}

	rec, err := e.attach(ctx, tab.ID, registry.AttachOptions{})
	if errors.Is(err, registry.ErrAlreadyTracked) && rec.TargetID != "" {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("attach created tab %s: %w", tab.ID, err)
	}
	return json.Marshal(&target.CreateTargetReturns{TargetID: target.ID(rec.TargetID)})
}

func (e *Engine) closeTarget(ctx context.Context, routed registry.Record, targetID string) (json.RawMessage, error) {
	tab := routed.Tab
	if targetID != "" {
		rec, ok := e.registry.ResolveTarget(targetID)
		if !ok {
			return json.Marshal(closeResult{Success: false})
		}
		tab = rec.Tab
	}
	if err := e.tabs.Remove(ctx, tab); err != nil {
		slog.Debug("close target failed", "tab_id", tab, "error", err)
		return json.Marshal(closeResult{Success: false})
	}
	return json.Marshal(closeResult{Success: true})
}

func (e *Engine) activateTarget(ctx context.Context, routed registry.Record, targetID string) (json.RawMessage, error) {
	tab := routed.Tab
	if targetID != "" {
		rec, ok := e.registry.ResolveTarget(targetID)
		if !ok {
			return json.RawMessage(`{}`), nil
		}
		tab = rec.Tab
	}
	if err := e.tabs.Activate(ctx, tab); err != nil {
		slog.Debug("activate target failed", "tab_id", tab, "error", err)
	}
	return json.RawMessage(`{}`), nil
}

// closeResult always carries the success flag, even when false.
type closeResult struct {
	Success bool `json:"success"`
}

func (e *Engine) markCreating(tab types.TabID, on bool) {
	e.creatingMu.Lock()
	defer e.creatingMu.Unlock()
	if on {
		e.creating[tab] = true
	} else {
		delete(e.creating, tab)
	}
}

func (e *Engine) isCreating(tab types.TabID) bool {
	e.creatingMu.Lock()
	defer e.creatingMu.Unlock()
	return e.creating[tab]
}
