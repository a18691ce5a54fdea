package cdpcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// rawCDP is a minimal browser-level CDP client. It speaks flat sessions only
// and never issues domain enables of its own: whatever a session enables is
// decided by the broker's forwarded commands.
type rawCDP struct {
	httpBase string // e.g. "http://127.0.0.1:9222"
	client   *http.Client

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64
	done chan struct{}

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex

	eventMu       sync.RWMutex
	eventHandlers map[string][]eventHandler
	// tap sees every event after the method handlers.
	tap func(method, sessionID string, params json.RawMessage)
}

type eventHandler struct {
	id int64
	fn func(sessionID string, params json.RawMessage)
}

// ProtocolError is an error reply from the browser. Its text is the
// browser's message unchanged, so it can be relayed as is.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func newRawCDP(httpBase string, client *http.Client) *rawCDP {
	if client == nil {
		client = http.DefaultClient
	}
	return &rawCDP{
		httpBase:      strings.TrimRight(httpBase, "/"),
		client:        client,
		pending:       make(map[int64]chan json.RawMessage),
		eventHandlers: make(map[string][]eventHandler),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	slog.Debug("rawcdp connecting", "ws_url", wsURL)
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	r.pending = make(map[int64]chan json.RawMessage)
	go r.readLoop(conn, r.done)
	return nil
}

// closed is closed when the current connection ends.
func (r *rawCDP) closed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

// readLoop processes incoming messages and dispatches responses to waiters.
func (r *rawCDP) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			r.closeAllPending()
			return
		}

		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			r.pendingMu.Lock()
			ch, ok := r.pending[msg.ID]
			if ok {
				delete(r.pending, msg.ID)
			}
			r.pendingMu.Unlock()
			if ok {
				ch <- json.RawMessage(data)
			}
		} else if msg.Method != "" {
			r.dispatchEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (r *rawCDP) closeAllPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// deletePending removes a pending response channel by ID.
func (r *rawCDP) deletePending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// issueRaw registers a pending reply for id and writes the envelope. The
// returned function waits for that reply.
func (r *rawCDP) issueRaw(id int64, envelope any) (func(context.Context) (json.RawMessage, error), error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("rawcdp: not connected")
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	data, err := json.Marshal(envelope)
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: marshal: %w", err)
	}

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.deletePending(id)
		return nil, fmt.Errorf("rawcdp: send: %w", err)
	}

	return func(ctx context.Context) (json.RawMessage, error) {
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("rawcdp: connection closed")
			}
			return resp, nil
		case <-ctx.Done():
			r.deletePending(id)
			return nil, ctx.Err()
		}
	}, nil
}

// issueFlat writes a command, on a flattened session when sessionID is set.
// The returned function waits for the inner "result" field.
func (r *rawCDP) issueFlat(sessionID, method string, params any) (func(context.Context) (json.RawMessage, error), error) {
	id := r.seq.Add(1)
	req := struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params}

	wait, err := r.issueRaw(id, req)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		resp, err := wait(ctx)
		if err != nil {
			return nil, err
		}
		return decodeResult(method, resp)
	}, nil
}

func decodeResult(method string, resp json.RawMessage) (json.RawMessage, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("rawcdp: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, &ProtocolError{Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if len(envelope.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return envelope.Result, nil
}

// sendFlat issues a command and waits for its result.
func (r *rawCDP) sendFlat(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	wait, err := r.issueFlat(sessionID, method, params)
	if err != nil {
		return nil, err
	}
	return wait(ctx)
}

// call sends a browser-level command.
func (r *rawCDP) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return r.sendFlat(ctx, "", method, params)
}

// attachToTarget attaches a flat session to the given target.
func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	raw, err := r.call(ctx, "Target.attachToTarget", params)
	if err != nil {
		return "", err
	}
	var resp target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("rawcdp: unmarshal attach: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("rawcdp: attach: empty session id")
	}
	return string(resp.SessionID), nil
}

// detachFromTarget detaches from a session without closing the target.
func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}

	_, err := r.call(ctx, "Target.detachFromTarget", params)
	return err
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, r.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rawcdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// registerEventHandler registers a handler for a CDP event method (e.g.
// "Target.targetCreated"). Returns an unregister function.
func (r *rawCDP) registerEventHandler(method string, fn func(sessionID string, params json.RawMessage)) func() {
	id := r.seq.Add(1)
	r.eventMu.Lock()
	r.eventHandlers[method] = append(r.eventHandlers[method], eventHandler{id: id, fn: fn})
	r.eventMu.Unlock()
	return func() {
		r.eventMu.Lock()
		defer r.eventMu.Unlock()
		handlers := r.eventHandlers[method]
		for i, h := range handlers {
			if h.id == id {
				r.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	}
}

func (r *rawCDP) setTap(fn func(method, sessionID string, params json.RawMessage)) {
	r.eventMu.Lock()
	r.tap = fn
	r.eventMu.Unlock()
}

// dispatchEvent invokes all registered handlers for the given CDP event
// method, then the tap.
func (r *rawCDP) dispatchEvent(method, sessionID string, params json.RawMessage) {
	r.eventMu.RLock()
	handlers := make([]eventHandler, len(r.eventHandlers[method]))
	copy(handlers, r.eventHandlers[method])
	tap := r.tap
	r.eventMu.RUnlock()
	for _, h := range handlers {
		h.fn(sessionID, params)
	}
	if tap != nil {
		tap(method, sessionID, params)
	}
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (r *rawCDP) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rawcdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
