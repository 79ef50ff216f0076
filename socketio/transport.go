// Package socketio is a websocket-only Socket.IO client implementing
// siosession.Transport.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ansmatterer/siosession"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 20 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	inboundBuffer         = 1024
)

type Config struct {
	Version      Version           // protocol version v2/v3, default v3
	Dialer       *websocket.Dialer // default websocket.DefaultDialer
	WriteTimeout time.Duration     // how long Emit waits for the write queue
	Logger       *zerolog.Logger
}

// Transport keeps at most one live websocket. It remembers the url and
// options of the last Connect so it can reconnect on its own after an
// unexpected drop.
type Transport struct {
	cfg       Config
	log       zerolog.Logger
	inbound   chan siosession.Inbound
	reconnect *reconnectManager

	mu      sync.Mutex
	conn    *conn
	url     *url.URL
	opts    *siosession.ConnectionOptions
	events  map[string]struct{}
	acks    map[int]func(siosession.Value)
	ackID   int
	closing bool
}

// conn is one websocket generation.
type conn struct {
	ws            *websocket.Conn
	sid           string
	engineSID     string
	pingInterval  time.Duration
	pingTimeout   time.Duration
	writeChan     chan []byte
	closeChan     chan struct{}
	heartbeatChan chan struct{}
	writerDone    chan struct{}
	closeOnce     sync.Once
}

func New(cfg Config) *Transport {
	if cfg.Version == "" {
		cfg.Version = V3
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	log := siosession.Logger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	t := &Transport{
		cfg:     cfg,
		log:     log.With().Str("transport", "socketio").Str("version", string(cfg.Version)).Logger(),
		inbound: make(chan siosession.Inbound, inboundBuffer),
		events:  make(map[string]struct{}),
		acks:    make(map[int]func(siosession.Value)),
	}
	t.reconnect = newReconnectManager(t)
	return t
}

func (t *Transport) Inbound() <-chan siosession.Inbound {
	return t.inbound
}

// Connect dials rawURL, completes the Engine.IO and Socket.IO handshakes and
// returns the socket id. A live socket is closed first.
func (t *Transport) Connect(ctx context.Context, rawURL string, opts *siosession.ConnectionOptions) (string, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := checkTransports(opts); err != nil {
		return "", err
	}

	t.reconnect.stop()
	t.mu.Lock()
	old := t.conn
	t.conn = nil
	t.url = u
	t.opts = opts
	t.closing = false
	t.mu.Unlock()
	if old != nil {
		old.close()
	}

	return t.open(ctx)
}

// open dials the remembered url and installs the new connection.
func (t *Transport) open(ctx context.Context) (string, error) {
	t.mu.Lock()
	u, opts := t.url, t.opts
	t.mu.Unlock()
	if u == nil {
		return "", connectionFailed("no url to connect to", nil)
	}

	c, err := t.dial(ctx, u, opts)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		c.close()
		return "", connectionFailed("disconnected while connecting", ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		// the attempt was abandoned while dialing, a newer one owns the transport
		t.mu.Unlock()
		c.close()
		return "", connectionFailed("connect abandoned", err)
	}
	old := t.conn
	t.conn = c
	t.mu.Unlock()
	if old != nil {
		old.close()
	}

	go t.readPump(c)
	go t.writePump(c)
	go t.heartbeat(c)

	t.log.Info().Str("sid", c.sid).Str("engine_sid", c.engineSID).Msg("socket connected")
	return c.sid, nil
}

func (t *Transport) dial(ctx context.Context, u *url.URL, opts *siosession.ConnectionOptions) (*conn, error) {
	timeout := defaultConnectTimeout
	if d, ok := opts.Timeout(); ok && d > 0 {
		timeout = d
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wsURL := handshakeURL(u, opts, t.cfg.Version)
	t.log.Debug().Str("url", wsURL).Msg("dialing")
	ws, _, err := t.cfg.Dialer.DialContext(dctx, wsURL, nil)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, failure(CodeConnectionTimeout, fmt.Sprintf("no answer within %v", timeout), err)
		}
		return nil, connectionFailed("websocket dial failed", err)
	}

	c := &conn{
		ws:            ws,
		writeChan:     make(chan []byte, 128),
		closeChan:     make(chan struct{}),
		heartbeatChan: make(chan struct{}, 1),
		writerDone:    make(chan struct{}),
	}
	if deadline, ok := dctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
		ws.SetWriteDeadline(deadline)
	}
	if err := t.handshake(c, opts); err != nil {
		ws.Close()
		var nerr interface{ Timeout() bool }
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, failure(CodeConnectionTimeout, "handshake timed out", err)
		}
		var typed *siosession.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, connectionFailed("handshake failed", err)
	}
	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})
	return c, nil
}

// handshake reads the engine open packet, joins the default namespace and
// waits for the server's acknowledgement.
func (t *Transport) handshake(c *conn, opts *siosession.ConnectionOptions) error {
	_, open, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	packetType, payload, err := decodeEnginePacket(open)
	if err != nil {
		return err
	}
	if packetType != _engineOpenPacket {
		return fmt.Errorf("%w: expected open packet, got %q", ErrHandshakeFailed, packetType)
	}
	var hs handshakeResponse
	if err := json.Unmarshal(payload, &hs); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.engineSID = hs.SID
	c.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond

	if t.cfg.Version == V3 {
		var auth interface{}
		if a := opts.Auth(); a != nil {
			auth = siosession.Map(a)
		}
		msg, err := encodeMessage(_socketConnectPacket, auth)
		if err != nil {
			return err
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		packetType, payload, err := decodeEnginePacket(raw)
		if err != nil {
			return err
		}
		switch packetType {
		case _enginePingPacket:
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(_enginePongPacket)); err != nil {
				return err
			}
			continue
		case _engineMessagePacket:
		default:
			continue
		}

		socketType, body, err := decodeSocketPacket(payload)
		if err != nil {
			return err
		}
		switch socketType {
		case _socketConnectPacket:
			c.sid = c.engineSID
			_, _, _, data := splitSocketPayload(body)
			if len(data) > 0 {
				var ack struct {
					SID string `json:"sid"`
				}
				if err := json.Unmarshal(data, &ack); err == nil && ack.SID != "" {
					c.sid = ack.SID
				}
			}
			return nil
		case _socketErrorPacket:
			_, _, _, data := splitSocketPayload(body)
			return connectionFailed("server refused connection", fmt.Errorf("%w: %s", ErrHandshakeFailed, data))
		}
	}
}

// Listen forwards event to the inbound feed from now on.
func (t *Transport) Listen(ctx context.Context, event string) error {
	if err := checkEventName(event); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return notConnected()
	}
	t.events[event] = struct{}{}
	return nil
}

func (t *Transport) Unlisten(ctx context.Context, event string) error {
	if event == "" {
		return failure(CodeEventError, "event name is empty", nil)
	}
	t.mu.Lock()
	delete(t.events, event)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Emit(ctx context.Context, event string, data siosession.Value) error {
	return t.emit(ctx, event, data, nil)
}

// EmitWithAck emits event and calls ack with the server's reply.
func (t *Transport) EmitWithAck(ctx context.Context, event string, data siosession.Value, ack func(siosession.Value)) error {
	return t.emit(ctx, event, data, ack)
}

func (t *Transport) emit(ctx context.Context, event string, data siosession.Value, ack func(siosession.Value)) error {
	if event == "" {
		return failure(CodeEmissionFailed, "event name is empty", nil)
	}
	t.mu.Lock()
	c := t.conn
	var prefix string
	if c != nil && ack != nil {
		t.ackID++
		prefix = fmt.Sprintf("%d", t.ackID)
		t.acks[t.ackID] = ack
	}
	t.mu.Unlock()
	if c == nil {
		return notConnected()
	}

	packetBytes, err := json.Marshal(eventArgs(event, data))
	if err != nil {
		return failure(CodeEmissionFailed, "encode "+event, err)
	}
	msg, err := encodeMessage(_socketEventPacket, append([]byte(prefix), packetBytes...))
	if err != nil {
		return failure(CodeEmissionFailed, "encode "+event, err)
	}
	if err := t.write(ctx, c, msg); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return notConnected()
		}
		return failure(CodeEmissionFailed, "emit "+event, err)
	}
	return nil
}

// Disconnect leaves the namespace and closes the websocket. No status is
// published for a disconnect the caller asked for, and automatic
// reconnection stops.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.reconnect.stop()
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.closing = true
	t.mu.Unlock()
	if c == nil {
		return nil
	}

	msg, _ := encodeMessage(_socketDisconnectPacket, nil)
	_ = t.write(ctx, c, msg)
	c.shutdown()

	select {
	case <-c.writerDone:
	case <-ctx.Done():
		c.close()
		return failure(CodeDisconnectionFailed, "close not flushed", ctx.Err())
	case <-time.After(t.cfg.WriteTimeout):
		c.close()
		return failure(CodeDisconnectionFailed, "close not flushed", ErrWriteTimeout)
	}
	t.log.Info().Str("sid", c.sid).Msg("socket disconnected")
	return nil
}

// SessionID returns the id of the live socket, empty without one.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.sid
}

func (t *Transport) write(ctx context.Context, c *conn, message []byte) error {
	select {
	case c.writeChan <- message:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.cfg.WriteTimeout):
		return ErrWriteTimeout
	}
}

func (t *Transport) writePump(c *conn) {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.writeChan:
			if msg == nil {
				// flush marker from shutdown
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.log.Warn().Err(err).Msg("write failed")
			}
		case <-c.closeChan:
			return
		}
	}
}

func (t *Transport) readPump(c *conn) {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				t.log.Info().Msg("server closed the connection normally")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway):
				t.log.Warn().Err(err).Msg("server closed unexpectedly")
			default:
				t.log.Debug().Err(err).Msg("read stopped")
			}
			t.dropped(c, err, true)
			return
		}
		t.handleMessage(c, message)
	}
}

func (t *Transport) heartbeat(c *conn) {
	if c.pingInterval <= 0 {
		return
	}
	timeout := c.pingInterval + c.pingTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Engine.IO 3 clients ping, Engine.IO 4 servers do
	var tick <-chan time.Time
	if t.cfg.Version == V2 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			_ = t.write(context.Background(), c, []byte(_enginePingPacket))
		case <-c.heartbeatChan:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			t.log.Warn().Dur("timeout", timeout).Msg("heartbeat timed out")
			t.dropped(c, ErrPingTimeout, true)
			return
		case <-c.closeChan:
			return
		}
	}
}

// dropped handles a connection that ended without Disconnect: the feed gets
// a disconnected status and, when enabled, reconnection starts.
func (t *Transport) dropped(c *conn, cause error, mayReconnect bool) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		c.close()
		return
	}
	t.conn = nil
	opts := t.opts
	closing := t.closing
	t.mu.Unlock()
	c.close()
	if closing {
		return
	}

	t.log.Warn().Err(cause).Str("sid", c.sid).Msg("connection lost")
	t.publish(siosession.StatusMessage(siosession.StatusEvent{Status: siosession.StatusDisconnected}))
	if mayReconnect && reconnectionEnabled(opts) {
		t.reconnect.trigger()
	}
}

func (t *Transport) publish(msg siosession.Inbound) {
	select {
	case t.inbound <- msg:
	default:
		t.log.Warn().Int("kind", int(msg.Kind)).Str("event", msg.Event).Msg("inbound feed full, message dropped")
	}
}

func (t *Transport) options() *siosession.ConnectionOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

// shutdown queues the flush marker; writePump sends a close frame after the
// messages before it.
func (c *conn) shutdown() {
	select {
	case c.writeChan <- nil:
	case <-c.closeChan:
	default:
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.ws.Close()
	})
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, failure(CodeInvalidURL, rawURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, failure(CodeInvalidURL, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}
	if u.Host == "" {
		return nil, failure(CodeInvalidURL, "missing host in "+rawURL, nil)
	}
	return u, nil
}

func checkTransports(opts *siosession.ConnectionOptions) error {
	list := opts.Transports()
	if len(list) == 0 {
		return nil
	}
	for _, name := range list {
		if name == "websocket" {
			return nil
		}
	}
	return &siosession.Error{
		Kind:    siosession.KindConnectionFailed,
		Code:    CodeTransportUnsupported,
		Message: fmt.Sprintf("only websocket is supported, got %v", list),
	}
}

// names the Socket.IO client reserves for itself
var reservedEvents = map[string]bool{
	"connect":       true,
	"connect_error": true,
	"disconnect":    true,
	"disconnecting": true,
}

func checkEventName(event string) error {
	if event == "" {
		return failure(CodeEventError, "event name is empty", nil)
	}
	if reservedEvents[event] {
		return failure(CodeEventError, fmt.Sprintf("%q is a reserved event", event), nil)
	}
	return nil
}

func reconnectionEnabled(opts *siosession.ConnectionOptions) bool {
	enabled, ok := opts.Reconnection()
	return !ok || enabled
}
