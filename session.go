package siosession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultReconnectGrace is how long Connect waits after tearing down a session
// whose url or options changed.
const DefaultReconnectGrace = 300 * time.Millisecond

// Handler receives the data of one inbound event.
type Handler func(data Value)

// Manager owns one Socket.IO session: connection state, the last used
// url/options, event listeners and the status stream.
type Manager struct {
	transport Transport
	log       zerolog.Logger
	grace     time.Duration
	stream    *statusStream

	// serializes Connect so dedup decisions see the previous outcome; never
	// held while user callbacks run
	connectMu sync.Mutex

	mu          sync.Mutex
	connectGen  uint64
	status      Status
	sessionID   string
	lastURL     string
	lastOptions *ConnectionOptions
	onSessionID func(string)
	listening   bool
	disposed    bool
	stopInbound chan struct{}

	active    map[string]Handler
	pending   map[string]Handler
	inflight  map[string]struct{}
	cancelled map[string]struct{}

	onConnected    func()
	onConnecting   func()
	onDisconnected func()
	onError        func(reason string)
}

type ManagerOption func(*Manager)

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithReconnectGrace overrides DefaultReconnectGrace.
func WithReconnectGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

func NewManager(t Transport, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport: t,
		log:       Logger(),
		grace:     DefaultReconnectGrace,
		stream:    newStatusStream(),
		status:    StatusDisconnected,
		active:    make(map[string]Handler),
		pending:   make(map[string]Handler),
		inflight:  make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type connectDecision int

const (
	decideFresh connectDecision = iota
	decideSame
	decideReconnect
)

func (d connectDecision) String() string {
	switch d {
	case decideSame:
		return "same"
	case decideReconnect:
		return "reconnect"
	}
	return "fresh"
}

// decide must be called with m.mu held.
func (m *Manager) decide(url string, opts *ConnectionOptions) connectDecision {
	if m.status != StatusConnected {
		return decideFresh
	}
	if url == m.lastURL && ReducedEqual(m.lastOptions, opts) {
		return decideSame
	}
	return decideReconnect
}

var errDisposed = NewError(KindGeneric, "session manager disposed")

// Connect opens a session to url and returns its id. onSessionID is called
// with the id once the session exists. Calling Connect again with the same
// url and equivalent options while connected returns the current id without
// touching the transport; a different url or options tears the old session
// down first.
//
// Callbacks run without internal locks held, so they may call back into the
// Manager. A Connect started from a callback supersedes the one that fired
// it; the superseded call returns the newer session's id when it is up.
func (m *Manager) Connect(ctx context.Context, url string, onSessionID func(string), opts *ConnectionOptions) (string, error) {
	if url == "" {
		return "", NewError(KindInvalidURL, "url is empty")
	}
	if onSessionID == nil {
		return "", NewError(KindGeneric, "session id callback is required")
	}

	m.connectMu.Lock()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.connectMu.Unlock()
		return "", errDisposed
	}
	decision := m.decide(url, opts)
	if decision == decideSame {
		id := m.sessionID
		m.onSessionID = onSessionID
		m.mu.Unlock()
		m.connectMu.Unlock()
		m.log.Debug().Str("url", url).Str("sid", id).Msg("already connected, reusing session")
		m.safeCall("session id", func() { onSessionID(id) })
		return id, nil
	}
	m.connectGen++
	gen := m.connectGen
	m.mu.Unlock()

	attempt := uuid.NewString()
	log := m.log.With().Str("url", url).Str("attempt", attempt).Stringer("decision", decision).Logger()

	var notify []func()
	if decision == decideReconnect {
		log.Info().Msg("connection parameters changed, reconnecting")
		if err := m.transport.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Msg("disconnect before reconnect failed")
		}
		if cb := m.markDisconnected(); cb != nil {
			notify = append(notify, func() { m.safeCall("disconnected", cb) })
		}
		select {
		case <-time.After(m.grace):
		case <-ctx.Done():
			m.connectMu.Unlock()
			fire(notify)
			return "", &Error{Kind: KindConnectionFailed, Message: "connect cancelled", Cause: ctx.Err()}
		}
	}

	m.startInbound()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.connectMu.Unlock()
		fire(notify)
		return "", errDisposed
	}
	m.status = StatusConnecting
	m.lastURL = url
	m.lastOptions = opts
	m.onSessionID = onSessionID
	if cb := m.onConnecting; cb != nil {
		notify = append(notify, func() { m.safeCall("connecting", cb) })
	}
	m.mu.Unlock()

	log.Info().Msg("connecting")
	m.stream.publish(StatusEvent{Status: StatusConnecting})

	if len(notify) > 0 {
		m.connectMu.Unlock()
		fire(notify)
		m.connectMu.Lock()

		m.mu.Lock()
		disposed, superseded := m.disposed, m.connectGen != gen
		status, sid := m.status, m.sessionID
		m.mu.Unlock()
		switch {
		case disposed:
			m.connectMu.Unlock()
			return "", errDisposed
		case superseded:
			m.connectMu.Unlock()
			log.Debug().Msg("superseded by a newer connect")
			if status == StatusConnected {
				return sid, nil
			}
			return "", NewError(KindConnectionFailed, "connect to %s superseded by a newer connect", url)
		}
	}

	id, err := m.transport.Connect(ctx, url, opts)

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		m.connectMu.Unlock()
		log.Debug().Msg("connect finished after dispose, result dropped")
		return "", errDisposed
	}
	if err != nil {
		m.status = StatusError
		m.sessionID = ""
		onErr := m.onError
		m.mu.Unlock()

		err = wrap(KindConnectionFailed, "connect failed", err)
		reason := err.Error()
		log.Error().Err(err).Msg("connect failed")
		m.stream.publish(StatusEvent{Status: StatusError, Reason: reason})
		m.connectMu.Unlock()
		if onErr != nil {
			m.safeCall("error", func() { onErr(reason) })
		}
		return "", err
	}
	// the transport may already have reported this session on the feed
	announced := m.status == StatusConnected && m.sessionID == id
	m.status = StatusConnected
	m.sessionID = id
	connected := m.onConnected
	m.mu.Unlock()

	log.Info().Str("sid", id).Msg("connected")
	if announced {
		// applyStatus already ran the callbacks and promotion
		m.connectMu.Unlock()
		return id, nil
	}
	m.promotePending(ctx)
	m.stream.publish(StatusEvent{Status: StatusConnected, SessionID: id})
	m.connectMu.Unlock()

	m.safeCall("session id", func() { onSessionID(id) })
	if connected != nil {
		m.safeCall("connected", connected)
	}
	return id, nil
}

// Reconnect repeats the last Connect call.
func (m *Manager) Reconnect(ctx context.Context) (string, error) {
	m.mu.Lock()
	url, opts, cb := m.lastURL, m.lastOptions, m.onSessionID
	m.mu.Unlock()

	if url == "" {
		return "", NewError(KindConnectionFailed, "no previous connection to resume")
	}
	if cb == nil {
		return "", NewError(KindConnectionFailed, "no session id callback on record")
	}
	return m.Connect(ctx, url, cb, opts)
}

// Disconnect closes the session. Listeners are kept and registered again on
// the next connection.
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.transport.Disconnect(ctx); err != nil {
		return wrap(KindDisconnectionFailed, "disconnect failed", err)
	}
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.log.Info().Msg("disconnected")
	m.setDisconnected()
	return nil
}

// setDisconnected applies and announces the disconnected state.
func (m *Manager) setDisconnected() {
	if cb := m.markDisconnected(); cb != nil {
		m.safeCall("disconnected", cb)
	}
}

// markDisconnected applies and publishes the disconnected state and returns
// the callback for the caller to run once it holds no locks.
func (m *Manager) markDisconnected() func() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusDisconnected
	m.sessionID = ""
	m.demoteActiveLocked()
	cb := m.onDisconnected
	m.mu.Unlock()

	m.stream.publish(StatusEvent{Status: StatusDisconnected})
	return cb
}

func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = fn
	m.mu.Unlock()
}

func (m *Manager) OnConnecting(fn func()) {
	m.mu.Lock()
	m.onConnecting = fn
	m.mu.Unlock()
}

func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	m.onDisconnected = fn
	m.mu.Unlock()
}

func (m *Manager) OnError(fn func(reason string)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Subscribe returns a subscription to status transitions published from now
// on. After Dispose the returned subscription is already closed.
func (m *Manager) Subscribe() *Subscription {
	return m.stream.subscribe()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

// ActiveEvents lists events registered with the transport, sorted.
func (m *Manager) ActiveEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.active)
}

// PendingEvents lists events waiting for a connection, sorted.
func (m *Manager) PendingEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.pending)
}

// Dispose closes the status stream, drops all listeners and stops reading
// the inbound feed. It is safe to call more than once.
func (m *Manager) Dispose() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("dispose failed")
		}
	}()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	stop := m.stopInbound
	m.stopInbound = nil
	m.listening = false
	m.status = StatusDisconnected
	m.sessionID = ""
	m.active = make(map[string]Handler)
	m.pending = make(map[string]Handler)
	m.inflight = make(map[string]struct{})
	m.cancelled = make(map[string]struct{})
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.stream.close()
	m.log.Debug().Msg("session manager disposed")
}

func (m *Manager) startInbound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listening || m.disposed {
		return
	}
	m.listening = true
	m.stopInbound = make(chan struct{})
	go m.readInbound(m.transport.Inbound(), m.stopInbound)
}

func (m *Manager) readInbound(feed <-chan Inbound, stop <-chan struct{}) {
	for {
		select {
		case msg, ok := <-feed:
			if !ok {
				m.log.Debug().Msg("inbound feed closed")
				return
			}
			m.handleInbound(msg)
		case <-stop:
			return
		}
	}
}

func (m *Manager) handleInbound(msg Inbound) {
	switch msg.Kind {
	case InboundStatus:
		var ev StatusEvent
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("status payload parse failed")
					ev = StatusEvent{Status: StatusError, Reason: unknownStatusReason}
				}
			}()
			ev = parseStatus(msg.Payload)
		}()
		m.applyStatus(ev)
	case InboundEvent:
		m.dispatch(msg.Event, msg.Payload)
	default:
		m.log.Warn().Int("kind", int(msg.Kind)).Msg("unknown inbound message dropped")
	}
}

// applyStatus moves the state machine for a status reported by the
// transport. Transitions the state already reflects are not republished.
func (m *Manager) applyStatus(ev StatusEvent) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	var (
		cb    func()
		onErr func(string)
		onSID func(string)
		sid   string
	)
	switch ev.Status {
	case StatusConnecting:
		if m.status == StatusConnecting {
			m.mu.Unlock()
			return
		}
		m.status = StatusConnecting
		cb = m.onConnecting
	case StatusConnected:
		if m.status == StatusConnected && (ev.SessionID == "" || ev.SessionID == m.sessionID) {
			m.mu.Unlock()
			return
		}
		m.status = StatusConnected
		if ev.SessionID != "" {
			m.sessionID = ev.SessionID
		}
		sid = ev.SessionID
		onSID = m.onSessionID
		cb = m.onConnected
	case StatusDisconnected:
		if m.status == StatusDisconnected {
			m.mu.Unlock()
			return
		}
		m.status = StatusDisconnected
		m.sessionID = ""
		m.demoteActiveLocked()
		cb = m.onDisconnected
	default:
		m.status = StatusError
		m.sessionID = ""
		m.demoteActiveLocked()
		onErr = m.onError
	}
	m.mu.Unlock()

	m.log.Debug().Stringer("status", ev).Msg("transport status")
	if onSID != nil && sid != "" {
		m.safeCall("session id", func() { onSID(sid) })
	}
	if cb != nil {
		m.safeCall(ev.Status.String(), cb)
	}
	if onErr != nil {
		m.safeCall("error", func() { onErr(ev.Reason) })
	}
	if ev.Status == StatusConnected {
		m.promotePending(context.Background())
	}
	m.stream.publish(ev)
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("callback", name).Interface("panic", r).Msg("callback panicked")
		}
	}()
	fn()
}

func isNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func sortedKeys(m map[string]Handler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("session(%s, sid=%q, url=%q)", m.status, m.sessionID, m.lastURL)
}
