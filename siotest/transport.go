// Package siotest provides an in-memory siosession.Transport for tests.
package siotest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ansmatterer/siosession"
	"github.com/google/uuid"
)

// Transport records every call and answers from its configured hooks. Session
// ids come from SessionIDs in order, then from uuid.
type Transport struct {
	mu         sync.Mutex
	calls      []string
	connected  bool
	listening  map[string]bool
	inbound    chan siosession.Inbound
	SessionIDs []string

	// Optional hooks; a nil hook succeeds.
	ConnectFunc    func(ctx context.Context, url string, opts *siosession.ConnectionOptions) (string, error)
	ListenFunc     func(ctx context.Context, event string) error
	UnlistenFunc   func(ctx context.Context, event string) error
	EmitFunc       func(ctx context.Context, event string, data siosession.Value) error
	DisconnectFunc func(ctx context.Context) error
}

func New(sessionIDs ...string) *Transport {
	return &Transport{
		SessionIDs: sessionIDs,
		listening:  make(map[string]bool),
		inbound:    make(chan siosession.Inbound, 64),
	}
}

func (t *Transport) Inbound() <-chan siosession.Inbound {
	return t.inbound
}

func (t *Transport) Connect(ctx context.Context, url string, opts *siosession.ConnectionOptions) (string, error) {
	t.record("connect " + url)
	t.mu.Lock()
	hook := t.ConnectFunc
	t.mu.Unlock()
	if hook != nil {
		id, err := hook(ctx, url, opts)
		if err != nil {
			return "", err
		}
		t.setConnected(true)
		return id, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	if len(t.SessionIDs) > 0 {
		id := t.SessionIDs[0]
		t.SessionIDs = t.SessionIDs[1:]
		return id, nil
	}
	return uuid.NewString(), nil
}

func (t *Transport) Listen(ctx context.Context, event string) error {
	t.record("listen " + event)
	t.mu.Lock()
	hook := t.ListenFunc
	t.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, event); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.listening[event] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unlisten(ctx context.Context, event string) error {
	t.record("unlisten " + event)
	t.mu.Lock()
	hook := t.UnlistenFunc
	t.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, event); err != nil {
			return err
		}
	}
	t.mu.Lock()
	delete(t.listening, event)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Emit(ctx context.Context, event string, data siosession.Value) error {
	t.record(fmt.Sprintf("emit %s %s", event, data))
	t.mu.Lock()
	hook := t.EmitFunc
	t.mu.Unlock()
	if hook != nil {
		return hook(ctx, event, data)
	}
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.record("disconnect")
	t.mu.Lock()
	hook := t.DisconnectFunc
	t.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	t.setConnected(false)
	return nil
}

// Push delivers msg on the inbound feed.
func (t *Transport) Push(msg siosession.Inbound) {
	t.inbound <- msg
}

func (t *Transport) PushStatus(ev siosession.StatusEvent) {
	t.Push(siosession.StatusMessage(ev))
}

func (t *Transport) PushEvent(event string, data siosession.Value) {
	t.Push(siosession.EventMessage(event, data))
}

// Calls returns the recorded calls in order, e.g. "connect ws://a",
// "listen x", "disconnect".
func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// Count returns how many recorded calls start with prefix.
func (t *Transport) Count(prefix string) int {
	n := 0
	for _, c := range t.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (t *Transport) Listening(event string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listening[event]
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SetHooks runs fn with the transport locked so hooks can be swapped while
// other goroutines use the transport.
func (t *Transport) SetHooks(fn func(t *Transport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
}

func (t *Transport) record(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

func (t *Transport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}
