// Package transport owns the single persistent WebSocket connection to the
// local broker: reachability preflight, connect, inbound dispatch, request
// correlation, loss detection and the fixed-interval reconnect loop.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tabrelay/internal/schedule"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

// ReconnectKey is the scheduler key of the reconnect task.
const ReconnectKey = "transport:reconnect"

var (
	ErrBrokerUnreachable = errors.New("broker unreachable")
	ErrDisconnected      = errors.New("broker connection lost")
	ErrNotConnected      = errors.New("broker not connected")
	ErrRelayDisabled     = errors.New("relay disabled")
	errClosedDuringDial  = errors.New("transport closed while connecting")
)

// Listener receives inbound traffic and connection lifecycle changes.
// HandleMessage runs on the read loop and must not block.
type Listener interface {
	HandleMessage(msg types.Message)
	// TransportLost runs after pending requests were failed.
	TransportLost(err error)
	// TransportRestored runs after every newly established connection, before
	// EnsureConnected returns to the caller that dialed.
	TransportRestored(ctx context.Context)
}

// Options configures the broker endpoint and the connection timing.
type Options struct {
	Host             string
	Port             int
	PreflightTimeout time.Duration
	HandshakeTimeout time.Duration
	RetryInterval    time.Duration
	HTTPClient       *http.Client
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.PreflightTimeout <= 0 {
		o.PreflightTimeout = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 3 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}

// BaseURL is the broker's HTTP base address used for the preflight.
func (o Options) BaseURL() string {
	return "http://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port)) + "/"
}

// SocketURL is the broker's relay WebSocket endpoint.
func (o Options) SocketURL() string {
	return "ws://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port)) + "/extension"
}

// Manager is the broker connection. The zero value is not usable; call New.
type Manager struct {
	opts    Options
	sched   *schedule.Scheduler
	enabled func() bool
	pending *PendingTable
	seq     atomic.Int64

	mu       sync.Mutex
	conn     net.Conn
	gen      uint64
	inflight *attempt
	listener Listener

	writeMu sync.Mutex
}

type attempt struct {
	done chan struct{}
	err  error
}

// New creates a disconnected Manager. enabled gates connecting and the
// reconnect loop; nil means always enabled.
func New(opts Options, sched *schedule.Scheduler, enabled func() bool) *Manager {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if sched == nil {
		sched = schedule.New(nil)
	}
	return &Manager{
		opts:    opts.withDefaults(),
		sched:   sched,
		enabled: enabled,
		pending: NewPendingTable(),
	}
}

// SetListener installs the inbound handler. It must be called before the
// first EnsureConnected.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Connected reports whether a live connection is published.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// PendingRequests returns the number of requests awaiting a broker reply.
func (m *Manager) PendingRequests() int { return m.pending.Len() }

// EnsureConnected returns immediately when connected and joins an attempt
// already in flight. Otherwise it preflights the broker, dials it and
// publishes the connection. Cancelling ctx abandons the wait, not the attempt.
// While the relay is disabled it fails with ErrRelayDisabled, and a dial that
// completes after a disable is discarded.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if !m.enabled() {
		return ErrRelayDisabled
	}
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	m.inflight = a
	startGen := m.gen
	m.mu.Unlock()

	conn, reader, err := m.dial(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err == nil && m.gen != startGen {
		conn.Close()
		conn, err = nil, errClosedDuringDial
	}
	if err == nil && !m.enabled() {
		conn.Close()
		conn, err = nil, ErrRelayDisabled
	}
	listener := m.listener
	if err == nil {
		m.gen++
		m.conn = conn
		rw := &frameRW{r: reader, w: conn, mu: &m.writeMu}
		go m.readLoop(m.gen, conn, rw)
	}
	a.err = err
	m.mu.Unlock()
	close(a.done)

	if err != nil {
		slog.Warn("broker connect failed", "url", m.opts.SocketURL(), "error", err)
		return err
	}
	slog.Info("broker connected", "url", m.opts.SocketURL())
	if listener != nil {
		listener.TransportRestored(context.WithoutCancel(ctx))
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	if err := m.preflight(ctx); err != nil {
		return nil, nil, err
	}

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.HandshakeTimeout)
	defer cancel()

	slog.Debug("broker dialing", "url", m.opts.SocketURL())
	conn, br, _, err := ws.Dial(dialCtx, m.opts.SocketURL())
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	// Frames that arrived with the handshake response sit in br.
	var reader io.Reader = conn
	if br != nil {
		reader = io.MultiReader(br, conn)
	}
	return conn, reader, nil
}

func (m *Manager) preflight(ctx context.Context) error {
	preCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PreflightTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(preCtx, http.MethodHead, m.opts.BaseURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnreachable, err)
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrBrokerUnreachable, m.opts.BaseURL(), err)
	}
	resp.Body.Close()
	return nil
}

func (m *Manager) readLoop(gen uint64, conn net.Conn, rw io.ReadWriter) {
	for {
		data, _, err := wsutil.ReadServerData(rw)
		if err != nil {
			m.lose(gen, conn, err)
			return
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("broker frame not json", "error", err, "bytes", len(data))
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg types.Message) {
	switch {
	case msg.IsResponse():
		r := Reply{Result: msg.Result}
		if text := msg.ErrorText(); text != "" {
			r = Reply{Err: errors.New(text)}
		}
		if !m.pending.Resolve(msg.ID, r) {
			slog.Debug("broker reply for unknown request", "id", msg.ID)
		}
	case msg.Method == types.MethodPing:
		if err := m.Send(types.Message{Method: types.MethodPong}); err != nil {
			slog.Debug("pong not sent", "error", err)
		}
	default:
		m.mu.Lock()
		listener := m.listener
		m.mu.Unlock()
		if listener != nil {
			listener.HandleMessage(msg)
		}
	}
}

// lose handles a read failure on the connection of generation gen. A
// deliberate Close has already bumped the generation, so it is ignored here.
func (m *Manager) lose(gen uint64, conn net.Conn, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.gen++
	listener := m.listener
	m.mu.Unlock()

	conn.Close()
	failed := m.pending.FailAll(ErrDisconnected)
	slog.Warn("broker connection lost", "error", cause, "failed_requests", failed)
	if listener != nil {
		listener.TransportLost(cause)
	}
	m.ScheduleReconnect()
}

// ScheduleReconnect arms the reconnect task when enabled. The interval is
// fixed and attempts are unbounded; only disabling stops the loop.
func (m *Manager) ScheduleReconnect() {
	if !m.enabled() {
		return
	}
	m.sched.Schedule(ReconnectKey, m.opts.RetryInterval, m.retry)
	slog.Info("broker reconnect scheduled", "in_ms", m.opts.RetryInterval.Milliseconds())
}

func (m *Manager) retry() {
	if !m.enabled() || m.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PreflightTimeout+m.opts.HandshakeTimeout)
	defer cancel()
	if err := m.EnsureConnected(ctx); err != nil {
		m.ScheduleReconnect()
	}
}

// Send writes one frame to the broker.
func (m *Manager) Send(msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	err = wsutil.WriteClientText(conn, data)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendEvent wraps ev in a forwardCDPEvent notification.
func (m *Manager) SendEvent(ev types.ForwardEvent) error {
	params, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Method, err)
	}
	return m.Send(types.Message{Method: types.MethodForwardEvent, Params: params})
}

// Reply answers the broker request id with result, or with err's text.
func (m *Manager) Reply(id int64, result json.RawMessage, err error) error {
	msg := types.Message{ID: id}
	if err != nil {
		text, _ := json.Marshal(err.Error())
		msg.Error = text
	} else {
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		msg.Result = result
	}
	return m.Send(msg)
}

// Request sends method to the broker and waits for its reply. Requests fail
// with ErrDisconnected when the connection drops first.
//
// The relay itself only answers the broker and emits events, so nothing in
// the daemon calls Request today. It is the client half of the
// {id, method, params} → {id, result|error} exchange for broker extensions
// that reply to relay-originated requests; every reply is matched through
// the pending table, which a transport loss fails as a whole.
func (m *Manager) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	id := m.seq.Add(1)
	ch := m.pending.Add(id)
	if err := m.Send(types.Message{ID: id, Method: method, Params: raw}); err != nil {
		m.pending.Remove(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.Result, r.Err
	case <-ctx.Done():
		m.pending.Remove(id)
		return nil, ctx.Err()
	}
}

// Close shuts the connection down deliberately: the reconnect task is
// canceled, pending requests fail and no loss is reported.
func (m *Manager) Close() {
	m.sched.Cancel(ReconnectKey)

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "disabled"))
		m.writeMu.Unlock()
		conn.Close()
		slog.Info("broker connection closed")
	}
	m.pending.FailAll(ErrDisconnected)
}

// frameRW reads from the handshake-aware reader and serializes the control
// frame writes of the read loop with regular writes.
type frameRW struct {
	r  io.Reader
	w  io.Writer
	mu *sync.Mutex
}

func (f *frameRW) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *frameRW) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Write(p)
}
