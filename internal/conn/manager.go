// Package conn owns the single physical WebSocket connection shared by the
// higher sync layers: lifecycle state machine, heartbeat, reconnection, and
// type-keyed publish/subscribe dispatch with short-window deduplication.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/syncd/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler receives inbound messages of a registered type.
type Handler func(msg *protocol.Message)

// StateHandler observes lifecycle transitions.
type StateHandler func(state State)

// ErrorHandler observes transport errors.
type ErrorHandler func(err error)

// HandlerID identifies a registered handler for later removal.
type HandlerID int64

// Options configures a Manager. Zero values take the documented defaults.
type Options struct {
	MaxReconnectAttempts int           // default 5
	ReconnectBaseDelay   time.Duration // default 1s, doubled per attempt
	ReconnectMaxDelay    time.Duration // default 30s cap
	DedupWindow          time.Duration // default 100ms
	DedupEvictAfter      time.Duration // default 5s
	DedupMaxEntries      int           // default 100
	SendBuffer           int           // default 256
	Dialer               *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
	if o.DedupWindow == 0 {
		o.DedupWindow = 100 * time.Millisecond
	}
	if o.DedupEvictAfter == 0 {
		o.DedupEvictAfter = 5 * time.Second
	}
	if o.DedupMaxEntries == 0 {
		o.DedupMaxEntries = 100
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// connectAttempt is the shared in-flight connect for one session key.
// Concurrent Connect calls with the same key wait on done instead of dialing.
type connectAttempt struct {
	key       string
	done      chan struct{}
	err       error
	cancelled bool
}

// Manager owns one physical connection at a time. Rebinding to a different
// session key tears the previous link down first.
type Manager struct {
	logger *slog.Logger
	opts   Options

	mu               sync.Mutex
	state            State
	sessionKey       string
	ws               *websocket.Conn
	send             chan []byte
	gen              int // link generation; stale pump exits are ignored
	inflight         *connectAttempt
	stateCh          chan struct{} // closed and replaced on every transition
	reconnectAttempt int
	stateQueue       []State // transitions awaiting observer notification
	stateNotifying   bool

	handlersMu    sync.RWMutex
	handlers      map[string][]handlerEntry
	stateHandlers []StateHandler
	errorHandlers []ErrorHandler
	nextID        HandlerID

	dedup *dedupCache
}

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// New creates a Manager. The logger must not be nil.
func New(logger *slog.Logger, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		logger:   logger,
		opts:     opts,
		state:    StateDisconnected,
		stateCh:  make(chan struct{}),
		handlers: make(map[string][]handlerEntry),
		dedup:    newDedupCache(opts.DedupWindow, opts.DedupEvictAfter, opts.DedupMaxEntries),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionKey returns the key the physical link is currently bound to.
func (m *Manager) SessionKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionKey
}

// Connect establishes (or reuses) the physical link to endpoint. The endpoint
// doubles as the session key: if already connected to it, Connect returns
// immediately; if a connect for it is in flight, Connect waits on that attempt
// instead of dialing again; if bound to a different endpoint, the old link is
// torn down first.
func (m *Manager) Connect(ctx context.Context, endpoint string) error {
	m.mu.Lock()

	if m.state == StateConnected && m.sessionKey == endpoint {
		m.mu.Unlock()
		return nil
	}

	if at := m.inflight; at != nil && at.key == endpoint {
		m.mu.Unlock()
		select {
		case <-at.done:
			return at.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Rebinding: force a disconnect-then-reconnect cycle.
	m.closeLinkLocked()

	at := &connectAttempt{key: endpoint, done: make(chan struct{})}
	m.inflight = at
	m.sessionKey = endpoint
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	return m.dial(ctx, endpoint, at)
}

func (m *Manager) dial(ctx context.Context, endpoint string, at *connectAttempt) error {
	ws, _, err := m.opts.Dialer.DialContext(ctx, endpoint, nil)

	m.mu.Lock()
	if at.cancelled || m.inflight != at {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		at.err = ErrConnectionFailed
		close(at.done)
		return at.err
	}
	m.inflight = nil

	if err != nil {
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		at.err = fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, endpoint, err)
		close(at.done)
		m.notifyError(at.err)
		return at.err
	}

	m.installLinkLocked(ws)
	m.mu.Unlock()

	m.logger.Info("connected", "endpoint", endpoint)
	close(at.done)
	return nil
}

// installLinkLocked wires a freshly dialed socket and starts its pumps.
func (m *Manager) installLinkLocked(ws *websocket.Conn) {
	m.gen++
	m.ws = ws
	m.send = make(chan []byte, m.opts.SendBuffer)
	m.reconnectAttempt = 0
	m.setStateLocked(StateConnected)

	gen := m.gen
	go m.readPump(ws, gen)
	go m.writePump(ws, m.send, gen)
}

// closeLinkLocked drops the current socket and invalidates its pumps. It does
// not change state; callers decide the resulting state. Closing the send
// channel lets the write pump drain queued frames, emit a close frame, and
// close the socket itself.
func (m *Manager) closeLinkLocked() {
	m.gen++
	if at := m.inflight; at != nil {
		at.cancelled = true
		m.inflight = nil
	}
	if m.send != nil {
		close(m.send)
		m.send = nil
		m.ws = nil
	} else if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
}

// Send emits msg if connected; it returns false, never an error, otherwise.
// Callers that need delivery guarantees queue and retry at a higher layer.
func (m *Manager) Send(msg *protocol.Message) bool {
	data, err := protocol.EncodeJSON(msg)
	if err != nil {
		m.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.send == nil {
		return false
	}

	select {
	case m.send <- data:
		return true
	default:
		m.logger.Warn("send queue full, dropping message", "type", msg.Type)
		return false
	}
}

// AddMessageHandler registers a handler for messages of the given type.
// protocol.TypeAny ("*") matches all inbound messages. Handlers of one type
// run in registration order.
func (m *Manager) AddMessageHandler(msgType string, h Handler) HandlerID {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.nextID++
	m.handlers[msgType] = append(m.handlers[msgType], handlerEntry{id: m.nextID, fn: h})
	return m.nextID
}

// RemoveMessageHandler unregisters a handler previously added for msgType.
func (m *Manager) RemoveMessageHandler(msgType string, id HandlerID) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	entries := m.handlers[msgType]
	for i, e := range entries {
		if e.id == id {
			m.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(m.handlers[msgType]) == 0 {
		delete(m.handlers, msgType)
	}
}

// AddStateChangeHandler registers an observer for lifecycle transitions.
func (m *Manager) AddStateChangeHandler(h StateHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, h)
}

// AddErrorHandler registers an observer for transport errors.
func (m *Manager) AddErrorHandler(h ErrorHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.errorHandlers = append(m.errorHandlers, h)
}

// WaitForConnection blocks until the manager is connected, the timeout
// elapses (ErrConnectTimeout), or the state machine settles in Failed
// (ErrConnectionFailed).
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		st := m.state
		ch := m.stateCh
		m.mu.Unlock()

		switch st {
		case StateConnected:
			return nil
		case StateFailed:
			return ErrConnectionFailed
		}

		select {
		case <-ch:
		case <-deadline.C:
			return ErrConnectTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tears the transport down and clears all handler registries and
// the dedup cache. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closeLinkLocked()
	m.sessionKey = ""
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.handlersMu.Lock()
	m.handlers = make(map[string][]handlerEntry)
	m.stateHandlers = nil
	m.errorHandlers = nil
	m.handlersMu.Unlock()

	m.dedup.clear()
}

// readPump pumps inbound frames from the socket into the dispatch path.
func (m *Manager) readPump(ws *websocket.Conn, gen int) {
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.linkLost(gen, err)
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			m.logger.Warn("dropping undecodable message", "error", err)
			continue
		}

		if m.dedup.isDuplicate(msg) {
			continue
		}

		m.dispatch(msg)
	}
}

// writePump pumps outbound frames and keeps the heartbeat alive.
func (m *Manager) writePump(ws *websocket.Conn, send <-chan []byte, gen int) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data, ok := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// linkLost classifies a read failure: a server-initiated close goes straight
// to Disconnected with no retry, anything else enters the reconnect loop.
func (m *Manager) linkLost(gen int, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// A newer link (or Disconnect) superseded this pump.
		m.mu.Unlock()
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.closeLinkLocked()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.logger.Info("server closed connection")
		return
	}

	endpoint := m.sessionKey
	m.closeLinkLocked()
	m.setStateLocked(StateReconnecting)
	gen = m.gen
	m.mu.Unlock()

	m.logger.Warn("connection dropped, reconnecting", "endpoint", endpoint, "error", err)
	m.notifyError(err)

	go m.reconnectLoop(endpoint, gen)
}

// reconnectLoop retries the dial with capped exponential backoff until it
// succeeds or the attempt budget is exhausted (Failed).
func (m *Manager) reconnectLoop(endpoint string, gen int) {
	delay := m.opts.ReconnectBaseDelay

	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > m.opts.ReconnectMaxDelay {
			delay = m.opts.ReconnectMaxDelay
		}

		m.mu.Lock()
		if m.gen != gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.reconnectAttempt = attempt
		m.mu.Unlock()

		ws, _, err := m.opts.Dialer.Dial(endpoint, nil)
		if err != nil {
			m.logger.Warn("reconnect attempt failed",
				"endpoint", endpoint, "attempt", attempt, "error", err)
			m.notifyError(fmt.Errorf("%w: reconnect %s: %v", ErrConnectionFailed, endpoint, err))
			continue
		}

		m.mu.Lock()
		if m.gen != gen || m.state != StateReconnecting {
			m.mu.Unlock()
			ws.Close()
			return
		}
		m.installLinkLocked(ws)
		gen = m.gen
		m.mu.Unlock()

		m.logger.Info("reconnected", "endpoint", endpoint, "attempt", attempt)
		return
	}

	m.mu.Lock()
	if m.gen == gen && m.state == StateReconnecting {
		m.setStateLocked(StateFailed)
	}
	m.mu.Unlock()
	m.notifyError(ErrConnectionFailed)
}

// dispatch routes an inbound message to its type handlers, then to wildcard
// handlers, in registration order. Handler panics are logged, not propagated.
func (m *Manager) dispatch(msg *protocol.Message) {
	m.handlersMu.RLock()
	entries := make([]handlerEntry, 0, len(m.handlers[msg.Type])+len(m.handlers[protocol.TypeAny]))
	entries = append(entries, m.handlers[msg.Type]...)
	entries = append(entries, m.handlers[protocol.TypeAny]...)
	m.handlersMu.RUnlock()

	for _, e := range entries {
		m.invoke(e.fn, msg)
	}
}

func (m *Manager) invoke(h Handler, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// setStateLocked transitions the state machine and wakes waiters. Observers
// are notified off the lock, in transition order, by a single drain
// goroutine so handlers may call back into the manager.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})

	m.stateQueue = append(m.stateQueue, s)
	if !m.stateNotifying {
		m.stateNotifying = true
		go m.drainStateQueue()
	}
}

func (m *Manager) drainStateQueue() {
	for {
		m.mu.Lock()
		if len(m.stateQueue) == 0 {
			m.stateNotifying = false
			m.mu.Unlock()
			return
		}
		s := m.stateQueue[0]
		m.stateQueue = m.stateQueue[1:]
		m.mu.Unlock()

		m.handlersMu.RLock()
		observers := append([]StateHandler(nil), m.stateHandlers...)
		m.handlersMu.RUnlock()

		for _, h := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("state handler panicked", "state", s.String(), "panic", r)
					}
				}()
				h(s)
			}()
		}
	}
}

func (m *Manager) notifyError(err error) {
	m.handlersMu.RLock()
	observers := append([]ErrorHandler(nil), m.errorHandlers...)
	m.handlersMu.RUnlock()

	for _, h := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("error handler panicked", "panic", r)
				}
			}()
			h(err)
		}()
	}
}
