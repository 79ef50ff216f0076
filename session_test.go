package siosession_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ansmatterer/siosession"
	"github.com/ansmatterer/siosession/siotest"
	"github.com/rs/zerolog"
)

func newManager(t *testing.T, tr *siotest.Transport) *siosession.Manager {
	t.Helper()
	m := siosession.NewManager(tr,
		siosession.WithLogger(zerolog.Nop()),
		siosession.WithReconnectGrace(time.Millisecond))
	t.Cleanup(m.Dispose)
	return m
}

func nextStatus(t *testing.T, sub *siosession.Subscription) siosession.StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("status stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
	return siosession.StatusEvent{}
}

func expectNoStatus(t *testing.T, sub *siosession.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected status event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ignoreSID(string) {}

var (
	connecting   = siosession.StatusEvent{Status: siosession.StatusConnecting}
	disconnected = siosession.StatusEvent{Status: siosession.StatusDisconnected}
)

func connected(id string) siosession.StatusEvent {
	return siosession.StatusEvent{Status: siosession.StatusConnected, SessionID: id}
}

func TestConnectSameIntentReusesSession(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	sub := m.Subscribe()
	ctx := context.Background()
	opts := siosession.NewOptions(siosession.WithTransports("websocket"), siosession.WithTimeout(time.Second))

	id1, err := m.Connect(ctx, "http://localhost:3001", ignoreSID, opts)
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}

	var got []string
	id2, err := m.Connect(ctx, "http://localhost:3001", func(id string) { got = append(got, id) }, opts)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	if id1 != "s1" || id2 != "s1" {
		t.Fatalf("session ids = %q, %q; want s1 twice", id1, id2)
	}
	if !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("replacement callback got %v, want [s1]", got)
	}
	if n := tr.Count("connect "); n != 1 {
		t.Errorf("transport connect calls = %d, want 1", n)
	}
	if ev := nextStatus(t, sub); ev != connecting {
		t.Errorf("first event = %v, want connecting", ev)
	}
	if ev := nextStatus(t, sub); ev != connected("s1") {
		t.Errorf("second event = %v, want connected{s1}", ev)
	}
	expectNoStatus(t, sub)
}

func TestConnectReducedEqualityIgnoresOtherFields(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	ctx := context.Background()

	first := siosession.NewOptions(siosession.WithPath("/a/"), siosession.WithForceNew(true))
	second := siosession.NewOptions(siosession.WithPath("/b/"), siosession.WithForceNew(true),
		siosession.WithAuth(map[string]siosession.Value{"token": siosession.String("x")}))

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, first); err != nil {
		t.Fatal(err)
	}
	id, err := m.Connect(ctx, "ws://a", ignoreSID, second)
	if err != nil {
		t.Fatal(err)
	}
	if id != "s1" {
		t.Errorf("id = %q, want s1", id)
	}
	if n := tr.Count("disconnect"); n != 0 {
		t.Errorf("disconnect calls = %d, want 0", n)
	}
}

func TestConnectDifferentURLDisconnectsFirst(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	id, err := m.Connect(ctx, "ws://b", ignoreSID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != "s2" {
		t.Errorf("id = %q, want s2", id)
	}
	want := []string{"connect ws://a", "disconnect", "connect ws://b"}
	if got := tr.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestConnectChangedOptionsReconnects(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, siosession.NewOptions(siosession.WithTimeout(time.Second))); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, siosession.NewOptions(siosession.WithTimeout(2*time.Second))); err != nil {
		t.Fatal(err)
	}
	if n := tr.Count("disconnect"); n != 1 {
		t.Errorf("disconnect calls = %d, want 1", n)
	}
	if m.SessionID() != "s2" {
		t.Errorf("SessionID = %q, want s2", m.SessionID())
	}
}

func TestConnectTypedFailurePropagatesUnchanged(t *testing.T) {
	tr := siotest.New()
	timeout := siosession.FromCode("CONNECTION_TIMEOUT", "server too slow")
	tr.ConnectFunc = func(context.Context, string, *siosession.ConnectionOptions) (string, error) {
		return "", timeout
	}
	m := newManager(t, tr)
	sub := m.Subscribe()

	var reasons []string
	m.OnError(func(reason string) { reasons = append(reasons, reason) })

	_, err := m.Connect(context.Background(), "ws://a", ignoreSID, nil)
	if err != error(timeout) {
		t.Fatalf("err = %v, want the transport error unchanged", err)
	}
	if !errors.Is(err, siosession.ErrConnectionTimeout) {
		t.Errorf("errors.Is(err, ErrConnectionTimeout) = false")
	}
	if m.Status() != siosession.StatusError {
		t.Errorf("Status = %v, want error", m.Status())
	}
	if len(reasons) != 1 {
		t.Fatalf("error callback calls = %d, want 1", len(reasons))
	}
	if ev := nextStatus(t, sub); ev != connecting {
		t.Errorf("first event = %v, want connecting", ev)
	}
	ev := nextStatus(t, sub)
	if ev.Status != siosession.StatusError || ev.Reason != reasons[0] {
		t.Errorf("second event = %v, want error{%s}", ev, reasons[0])
	}
}

func TestConnectForeignFailureIsWrapped(t *testing.T) {
	tr := siotest.New()
	boom := errors.New("boom")
	tr.ConnectFunc = func(context.Context, string, *siosession.ConnectionOptions) (string, error) {
		return "", boom
	}
	m := newManager(t, tr)

	_, err := m.Connect(context.Background(), "ws://a", ignoreSID, nil)
	if siosession.KindOf(err) != siosession.KindConnectionFailed {
		t.Errorf("kind = %v, want connection failed", siosession.KindOf(err))
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestConnectRejectsBadArguments(t *testing.T) {
	tr := siotest.New()
	m := newManager(t, tr)
	ctx := context.Background()

	if _, err := m.Connect(ctx, "", ignoreSID, nil); !errors.Is(err, siosession.ErrInvalidURL) {
		t.Errorf("empty url: err = %v, want invalid url", err)
	}
	if _, err := m.Connect(ctx, "ws://a", nil, nil); !errors.Is(err, siosession.ErrGeneric) {
		t.Errorf("nil callback: err = %v, want generic", err)
	}
	if len(tr.Calls()) != 0 {
		t.Errorf("transport was called: %v", tr.Calls())
	}
}

func TestOnBeforeConnectIsPromoted(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()

	got := make(chan siosession.Value, 1)
	if err := m.On(ctx, "x", func(v siosession.Value) { got <- v }); err != nil {
		t.Fatalf("On before connect: %v", err)
	}
	if n := tr.Count("listen"); n != 0 {
		t.Errorf("listen calls before connect = %d, want 0", n)
	}
	if p := m.PendingEvents(); !reflect.DeepEqual(p, []string{"x"}) {
		t.Errorf("pending = %v, want [x]", p)
	}

	if _, err := m.Connect(ctx, "http://localhost:3001", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if a := m.ActiveEvents(); !reflect.DeepEqual(a, []string{"x"}) {
		t.Errorf("active = %v, want [x]", a)
	}
	if p := m.PendingEvents(); len(p) != 0 {
		t.Errorf("pending = %v, want empty", p)
	}
	select {
	case v := <-got:
		t.Fatalf("handler called before any event: %v", v)
	default:
	}

	tr.PushEvent("x", siosession.Number(42))
	select {
	case v := <-got:
		if n, ok := v.AsNumber(); !ok || n != 42 {
			t.Errorf("handler got %v, want 42", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestOnWhileConnectedReplacesWithoutRelisten(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}

	first := make(chan siosession.Value, 1)
	second := make(chan siosession.Value, 1)
	if err := m.On(ctx, "x", func(v siosession.Value) { first <- v }); err != nil {
		t.Fatal(err)
	}
	if err := m.On(ctx, "x", func(v siosession.Value) { second <- v }); err != nil {
		t.Fatal(err)
	}
	if n := tr.Count("listen x"); n != 1 {
		t.Errorf("listen calls = %d, want 1", n)
	}

	tr.PushEvent("x", siosession.String("hi"))
	select {
	case <-second:
	case <-first:
		t.Fatal("replaced handler was called")
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestOnNotConnectedRaceDemotesToPending(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	tr.SetHooks(func(tr *siotest.Transport) {
		tr.ListenFunc = func(context.Context, string) error {
			return siosession.FromCode("NOT_CONNECTED", "socket gone")
		}
	})

	if err := m.On(ctx, "x", func(siosession.Value) {}); err != nil {
		t.Fatalf("On during disconnect race: %v", err)
	}
	if p := m.PendingEvents(); !reflect.DeepEqual(p, []string{"x"}) {
		t.Errorf("pending = %v, want [x]", p)
	}
	if a := m.ActiveEvents(); len(a) != 0 {
		t.Errorf("active = %v, want empty", a)
	}
}

func TestOnListenFailureSurfaces(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	nope := errors.New("nope")
	tr.SetHooks(func(tr *siotest.Transport) {
		tr.ListenFunc = func(context.Context, string) error { return nope }
	})

	err := m.On(ctx, "x", func(siosession.Value) {})
	if !errors.Is(err, siosession.ErrEventError) || !errors.Is(err, nope) {
		t.Fatalf("err = %v, want event error wrapping nope", err)
	}
	if p, a := m.PendingEvents(), m.ActiveEvents(); len(p)+len(a) != 0 {
		t.Errorf("registries not empty: pending %v active %v", p, a)
	}
}

func TestPromotionIsBestEffort(t *testing.T) {
	tr := siotest.New("s1")
	tr.ListenFunc = func(_ context.Context, event string) error {
		if event == "b" {
			return siosession.FromCode("EVENT_ERROR", "rejected")
		}
		return nil
	}
	m := newManager(t, tr)
	ctx := context.Background()
	for _, ev := range []string{"a", "b", "c"} {
		if err := m.On(ctx, ev, func(siosession.Value) {}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if a := m.ActiveEvents(); !reflect.DeepEqual(a, []string{"a", "c"}) {
		t.Errorf("active = %v, want [a c]", a)
	}
	if p := m.PendingEvents(); !reflect.DeepEqual(p, []string{"b"}) {
		t.Errorf("pending = %v, want [b]", p)
	}
	if n := tr.Count("listen b"); n != 1 {
		t.Errorf("listen b calls = %d, want 1", n)
	}
}

func TestPromotionSkipsEventsInFlight(t *testing.T) {
	tr := siotest.New("s1")
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr.ListenFunc = func(context.Context, string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}
	m := newManager(t, tr)
	sub := m.Subscribe()
	ctx := context.Background()
	if err := m.On(ctx, "x", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, "ws://a", ignoreSID, nil)
		done <- err
	}()

	<-started
	if ev := nextStatus(t, sub); ev != connecting {
		t.Fatalf("event = %v, want connecting", ev)
	}
	// a second trigger while the first promotion is still listening
	tr.PushStatus(connected("s9"))
	if ev := nextStatus(t, sub); ev != connected("s9") {
		t.Fatalf("event = %v, want connected{s9}", ev)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := tr.Count("listen x"); n != 1 {
		t.Errorf("listen x calls = %d, want 1", n)
	}
	if a := m.ActiveEvents(); !reflect.DeepEqual(a, []string{"x"}) {
		t.Errorf("active = %v, want [x]", a)
	}
}

func TestOffRemovesFromBothRegistries(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()

	if err := m.Off(ctx, "never"); err != nil {
		t.Errorf("Off unknown event: %v", err)
	}

	if err := m.On(ctx, "queued", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Off(ctx, "queued"); err != nil {
		t.Fatal(err)
	}
	if p := m.PendingEvents(); len(p) != 0 {
		t.Errorf("pending = %v, want empty", p)
	}
	if n := tr.Count("unlisten"); n != 0 {
		t.Errorf("unlisten calls for pending event = %d, want 0", n)
	}

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.On(ctx, "live", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Off(ctx, "live"); err != nil {
		t.Fatal(err)
	}
	if a := m.ActiveEvents(); len(a) != 0 {
		t.Errorf("active = %v, want empty", a)
	}
	if tr.Listening("live") {
		t.Error("transport still listening to live")
	}
}

func TestOffFailureKeepsListener(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.On(ctx, "x", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("socket busy")
	tr.SetHooks(func(tr *siotest.Transport) {
		tr.UnlistenFunc = func(context.Context, string) error { return cause }
	})

	err := m.Off(ctx, "x")
	if siosession.KindOf(err) != siosession.KindEventError || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want event error wrapping cause", err)
	}
	if a := m.ActiveEvents(); !reflect.DeepEqual(a, []string{"x"}) {
		t.Errorf("active = %v, want [x]", a)
	}
}

func TestEmitBeforeConnectIsDropped(t *testing.T) {
	tr := siotest.New()
	m := newManager(t, tr)

	if err := m.Emit(context.Background(), "x", siosession.Number(1)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if n := len(tr.Calls()); n != 0 {
		t.Errorf("transport calls = %v, want none", tr.Calls())
	}
}

func TestEmitErrors(t *testing.T) {
	cause := errors.New("queue full")
	tests := []struct {
		name     string
		emitErr  error
		wantKind siosession.Kind
		wantNil  bool
	}{
		{name: "ok", wantNil: true},
		{name: "not connected race", emitErr: siosession.FromCode("NOT_CONNECTED", ""), wantNil: true},
		{name: "foreign error", emitErr: cause, wantKind: siosession.KindEmissionFailed},
		{name: "typed error", emitErr: siosession.FromCode("EMISSION_FAILED", "x"), wantKind: siosession.KindEmissionFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := siotest.New("s1")
			tr.EmitFunc = func(context.Context, string, siosession.Value) error { return tc.emitErr }
			m := newManager(t, tr)
			ctx := context.Background()
			if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
				t.Fatal(err)
			}

			err := m.Emit(ctx, "x", siosession.MustValue(map[string]any{"n": 1}))
			if tc.wantNil {
				if err != nil {
					t.Fatalf("Emit: %v", err)
				}
				return
			}
			if siosession.KindOf(err) != tc.wantKind {
				t.Fatalf("kind = %v, want %v", siosession.KindOf(err), tc.wantKind)
			}
			if !errors.Is(err, tc.emitErr) {
				t.Errorf("cause lost: %v", err)
			}
			if n := tr.Count("emit x"); n != 1 {
				t.Errorf("emit calls = %d, want 1", n)
			}
		})
	}
}

func TestDisconnectKeepsListenersForNextConnect(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.On(ctx, "x", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe()

	var calls int
	m.OnDisconnected(func() { calls++ })
	if err := m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if ev := nextStatus(t, sub); ev != disconnected {
		t.Errorf("event = %v, want disconnected", ev)
	}
	if calls != 1 {
		t.Errorf("disconnected callback calls = %d, want 1", calls)
	}
	if m.Connected() {
		t.Error("still connected")
	}
	if p := m.PendingEvents(); !reflect.DeepEqual(p, []string{"x"}) {
		t.Errorf("pending after disconnect = %v, want [x]", p)
	}

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	if n := tr.Count("listen x"); n != 2 {
		t.Errorf("listen x calls = %d, want 2", n)
	}
	if a := m.ActiveEvents(); !reflect.DeepEqual(a, []string{"x"}) {
		t.Errorf("active = %v, want [x]", a)
	}
}

func TestDisconnectFailureLeavesState(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	tr.SetHooks(func(tr *siotest.Transport) {
		tr.DisconnectFunc = func(context.Context) error { return errors.New("stuck") }
	})

	err := m.Disconnect(ctx)
	if !errors.Is(err, siosession.ErrDisconnectionFailed) {
		t.Fatalf("err = %v, want disconnection failed", err)
	}
	if m.Status() != siosession.StatusConnected || m.SessionID() != "s1" {
		t.Errorf("state changed: %v", m)
	}
}

func TestReconnect(t *testing.T) {
	tr := siotest.New("s1", "s2")
	m := newManager(t, tr)
	ctx := context.Background()

	if _, err := m.Reconnect(ctx); !errors.Is(err, siosession.ErrConnectionFailed) {
		t.Fatalf("Reconnect without history: err = %v", err)
	}

	var ids []string
	opts := siosession.NewOptions(siosession.WithReconnection(false))
	if _, err := m.Connect(ctx, "ws://a", func(id string) { ids = append(ids, id) }, opts); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	id, err := m.Reconnect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id != "s2" {
		t.Errorf("id = %q, want s2", id)
	}
	if !reflect.DeepEqual(ids, []string{"s1", "s2"}) {
		t.Errorf("callback ids = %v, want [s1 s2]", ids)
	}
	if n := tr.Count("connect ws://a"); n != 2 {
		t.Errorf("connect calls = %d, want 2", n)
	}
}

func TestInboundStatusTransitions(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()

	sids := make(chan string, 4)
	if _, err := m.Connect(ctx, "ws://a", func(id string) { sids <- id }, nil); err != nil {
		t.Fatal(err)
	}
	<-sids
	sub := m.Subscribe()

	reasons := make(chan string, 1)
	m.OnError(func(reason string) { reasons <- reason })

	tr.Push(siosession.StatusMessage(siosession.StatusEvent{Status: siosession.StatusError, Reason: "boom"}))
	if ev := nextStatus(t, sub); ev.Status != siosession.StatusError || ev.Reason != "boom" {
		t.Fatalf("event = %v, want error{boom}", ev)
	}
	if r := <-reasons; r != "boom" {
		t.Errorf("error callback got %q, want boom", r)
	}
	if m.Connected() {
		t.Error("still connected after error")
	}

	tr.PushStatus(connecting)
	if ev := nextStatus(t, sub); ev != connecting {
		t.Fatalf("event = %v, want connecting", ev)
	}
	tr.PushStatus(connected("s7"))
	if ev := nextStatus(t, sub); ev != connected("s7") {
		t.Fatalf("event = %v, want connected{s7}", ev)
	}
	if id := <-sids; id != "s7" {
		t.Errorf("session callback got %q, want s7", id)
	}
	if m.SessionID() != "s7" {
		t.Errorf("SessionID = %q, want s7", m.SessionID())
	}

	// repeated transitions are not republished
	tr.PushStatus(connected("s7"))
	tr.PushStatus(disconnected)
	if ev := nextStatus(t, sub); ev != disconnected {
		t.Fatalf("event = %v, want disconnected", ev)
	}
	tr.PushStatus(disconnected)
	expectNoStatus(t, sub)
}

func TestInboundGarbageBecomesError(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	if _, err := m.Connect(context.Background(), "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe()

	tr.Push(siosession.Inbound{Kind: siosession.InboundStatus, Payload: siosession.String("garbage")})
	tr.Push(siosession.Inbound{Kind: siosession.InboundStatus, Payload: siosession.MustValue(map[string]any{"status": "weird"})})

	for i := 0; i < 2; i++ {
		ev := nextStatus(t, sub)
		if ev.Status != siosession.StatusError || ev.Reason != "unknown status payload" {
			t.Errorf("event %d = %v, want generic error", i, ev)
		}
	}
}

func TestInboundEventWithoutListenerIsDropped(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	got := make(chan siosession.Value, 1)
	if err := m.On(ctx, "known", func(v siosession.Value) { got <- v }); err != nil {
		t.Fatal(err)
	}

	tr.PushEvent("unknown", siosession.Number(1))
	tr.PushEvent("known", siosession.Number(2))
	select {
	case v := <-got:
		if n, _ := v.AsNumber(); n != 2 {
			t.Errorf("handler got %v, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestCallbackPanicDoesNotBreakSession(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	m.OnConnected(func() { panic("bad callback") })

	if _, err := m.Connect(ctx, "ws://a", ignoreSID, nil); err != nil {
		t.Fatal(err)
	}
	got := make(chan siosession.Value, 1)
	if err := m.On(ctx, "boom", func(siosession.Value) { panic("bad handler") }); err != nil {
		t.Fatal(err)
	}
	if err := m.On(ctx, "ok", func(v siosession.Value) { got <- v }); err != nil {
		t.Fatal(err)
	}
	tr.PushEvent("boom", siosession.Null())
	tr.PushEvent("ok", siosession.Bool(true))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound loop died after handler panic")
	}
}

func TestDisposeClosesStreamAndClearsRegistries(t *testing.T) {
	tr := siotest.New("s1")
	m := newManager(t, tr)
	ctx := context.Background()
	if err := m.On(ctx, "queued", func(siosession.Value) {}); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe()

	m.Dispose()
	m.Dispose()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("received event after dispose")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed by Dispose")
	}
	if _, ok := <-m.Subscribe().C; ok {
		t.Error("subscription after dispose is open")
	}
	if p, a := m.PendingEvents(), m.ActiveEvents(); len(p)+len(a) != 0 {
		t.Errorf("registries not cleared: pending %v active %v", p, a)
	}
	if m.Status() != siosession.StatusDisconnected {
		t.Errorf("Status = %v, want disconnected", m.Status())
	}
}

func TestLateConnectResultAfterDisposeIsDropped(t *testing.T) {
	tr := siotest.New()
	release := make(chan struct{})
	entered := make(chan struct{})
	tr.ConnectFunc = func(context.Context, string, *siosession.ConnectionOptions) (string, error) {
		close(entered)
		<-release
		return "late", nil
	}
	m := newManager(t, tr)

	called := false
	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "ws://a", func(string) { called = true }, nil)
		done <- err
	}()
	<-entered
	m.Dispose()
	close(release)

	if err := <-done; err == nil {
		t.Fatal("Connect succeeded after dispose")
	}
	if called {
		t.Error("session callback called after dispose")
	}
	if m.SessionID() != "" {
		t.Errorf("SessionID = %q after dispose", m.SessionID())
	}
}
