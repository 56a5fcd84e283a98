package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer accepts websocket connections and hands them to the test.
type testServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	tokens   chan string
	upgrader websocket.Upgrader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 8),
		tokens: make(chan string, 8),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.tokens <- r.URL.Query().Get("token")
		ts.conns <- ws
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ts.conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	return nil
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// fakeScheduler records reconnect requests instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	armed  chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{armed: make(chan struct{}, 32)}
}

func (f *fakeScheduler) schedule(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	f.armed <- struct{}{}
	return fakeTimer{}
}

func (f *fakeScheduler) wait(t *testing.T) (time.Duration, func()) {
	t.Helper()
	select {
	case <-f.armed:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect scheduled")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.fns) - 1
	return f.delays[i], f.fns[i]
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoffDelays(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := Backoff(time.Second, 30*time.Second, i+1); got != w*time.Second {
			t.Errorf("attempt %d: delay %s, want %s", i+1, got, w*time.Second)
		}
	}
	if got := Backoff(100*time.Millisecond, 30*time.Second, 3); got != 400*time.Millisecond {
		t.Errorf("delay %s, want 400ms", got)
	}
}

func TestConnectSendsTokenAndFrames(t *testing.T) {
	ts := newTestServer(t)
	c, err := NewClient(Options{URL: ts.url(), Token: "alice"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Disconnect()

	var connected atomic.Bool
	_ = c.On(EventConnected, NewHandler(func(Frame) { connected.Store(true) }))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.accept(t)
	if tok := <-ts.tokens; tok != "alice" {
		t.Fatalf("token = %q", tok)
	}
	if c.State() != StateOpen || !connected.Load() {
		t.Fatalf("state = %s, connected event = %v", c.State(), connected.Load())
	}

	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect: %v", err)
	}

	if !c.JoinShop("shop-1") {
		t.Fatal("join not sent")
	}
	var f Frame
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := server.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	var room ShopRoom
	if err := json.Unmarshal(f.Data, &room); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if f.Type != FrameClient || f.Event != EventShopJoin || room.ShopID != "shop-1" || f.Timestamp == 0 {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestSendWhenNotOpenDrops(t *testing.T) {
	c, err := NewConn(Options{URL: "ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatalf("new conn: %v", err)
	}
	if c.Send(EventPing, nil) {
		t.Fatal("send reported success on a closed connection")
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("state = %s", got)
	}
}

func TestInitialConnectFailureIsNotRetried(t *testing.T) {
	sched := newFakeScheduler()
	c, _ := NewConn(Options{URL: "ws://127.0.0.1:1/ws", Schedule: sched.schedule})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail")
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
	time.Sleep(20 * time.Millisecond)
	if sched.count() != 0 {
		t.Fatalf("initial failure scheduled %d reconnects", sched.count())
	}
}

func TestReconnectScheduledAfterRemoteClose(t *testing.T) {
	ts := newTestServer(t)
	base := 50 * time.Millisecond

	var (
		mu        sync.Mutex
		scheduled []time.Duration
	)
	sched := func(d time.Duration, fn func()) Timer {
		mu.Lock()
		scheduled = append(scheduled, d)
		mu.Unlock()
		return time.AfterFunc(d, fn)
	}
	c, _ := NewConn(Options{URL: ts.url(), BackoffBase: base, Schedule: sched})
	defer c.Disconnect()

	var connects atomic.Int32
	_ = c.Router().On(EventConnected, NewHandler(func(Frame) { connects.Add(1) }))
	var disconnected atomic.Bool
	_ = c.Router().On(EventDisconnected, HandlerFor(func(d Disconnected) {
		if d.Attempt == 1 && d.RetryInSec <= base.Seconds() {
			disconnected.Store(true)
		}
	}))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := ts.accept(t)
	_ = first.Close()

	waitFor(t, "reconnect to be scheduled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(scheduled) == 1
	})
	mu.Lock()
	delay := scheduled[0]
	mu.Unlock()
	if delay > base {
		t.Fatalf("reconnect scheduled after %s, want <= %s", delay, base)
	}
	if c.IntentionallyClosed() {
		t.Fatal("remote close marked the connection as intentionally closed")
	}

	ts.accept(t)
	waitFor(t, "second connected event", func() bool { return connects.Load() == 2 })
	if !disconnected.Load() {
		t.Fatal("disconnected event missing or wrong")
	}
	if c.ReconnectAttempts() != 0 {
		t.Fatalf("attempts not reset after reconnect: %d", c.ReconnectAttempts())
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	sched := newFakeScheduler()

	var dials atomic.Int32
	realDial := func(ctx context.Context, u string) (*websocket.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
		return ws, err
	}
	dial := func(ctx context.Context, u string) (*websocket.Conn, error) {
		if dials.Add(1) == 1 {
			return realDial(ctx, u)
		}
		return nil, errors.New("connection refused")
	}

	c, _ := NewConn(Options{
		URL:                  ts.url(),
		BackoffBase:          time.Second,
		MaxReconnectAttempts: 5,
		Schedule:             sched.schedule,
		Dial:                 dial,
	})
	var terminal atomic.Int32
	_ = c.Router().On(EventMaxReconnectAttempts, NewHandler(func(Frame) { terminal.Add(1) }))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = ts.accept(t).Close()

	var prev time.Duration
	for n := 1; n <= 5; n++ {
		delay, fn := sched.wait(t)
		want := Backoff(time.Second, 30*time.Second, n)
		if delay != want {
			t.Fatalf("attempt %d: delay %s, want %s", n, delay, want)
		}
		if delay < prev {
			t.Fatalf("attempt %d: delay decreased from %s to %s", n, prev, delay)
		}
		prev = delay
		fn()
	}

	if sched.count() != 5 {
		t.Fatalf("scheduled %d reconnects, want 5", sched.count())
	}
	if terminal.Load() != 1 {
		t.Fatalf("terminal event fired %d times", terminal.Load())
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestDisconnectStopsReconnection(t *testing.T) {
	ts := newTestServer(t)
	sched := newFakeScheduler()
	c, _ := NewConn(Options{URL: ts.url(), Schedule: sched.schedule})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.accept(t)
	c.Disconnect()

	if !c.IntentionallyClosed() || c.State() != StateClosed {
		t.Fatalf("intentional=%v state=%s", c.IntentionallyClosed(), c.State())
	}
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := server.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("server expected a normal close, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sched.count() != 0 {
		t.Fatalf("disconnect scheduled %d reconnects", sched.count())
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t)
	c, _ := NewConn(Options{URL: ts.url()})
	defer c.Disconnect()

	var calls atomic.Int32
	got := make(chan Frame, 1)
	for _, e := range Events() {
		_ = c.Router().On(e, NewHandler(func(f Frame) {
			if f.Type == FrameLocal {
				return
			}
			calls.Add(1)
			got <- f
		}))
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.accept(t)

	if err := server.WriteMessage(websocket.TextMessage, []byte(`{"event": "order:upd`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := server.WriteMessage(websocket.TextMessage, frame(EventOrderUpdate, `{"id":"o-9"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-got:
		if f.Event != EventOrderUpdate {
			t.Fatalf("unexpected event %s", f.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed one was not delivered")
	}
	if calls.Load() != 1 {
		t.Fatalf("handlers invoked %d times, want 1", calls.Load())
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %s after malformed frame", c.State())
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	ts := newTestServer(t)
	c, _ := NewConn(Options{URL: ts.url(), HeartbeatInterval: 20 * time.Millisecond})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := ts.accept(t)

	var f Frame
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := server.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Event != EventPing || f.Type != FrameClient {
		t.Fatalf("unexpected heartbeat frame %+v", f)
	}
}

func TestConnURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:8420/ws":       "ws://localhost:8420/ws?token=t%26k",
		"http://localhost:8420/ws?a=1": "ws://localhost:8420/ws?a=1&token=t%26k",
		"https://example.com/ws":       "wss://example.com/ws?token=t%26k",
	}
	for in, want := range cases {
		got, err := connURL(in, "t&k")
		if err != nil || got != want {
			t.Errorf("connURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := connURL("ftp://x", ""); err == nil {
		t.Error("ftp scheme accepted")
	}
}
