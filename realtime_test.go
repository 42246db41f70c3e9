package nexa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsTestServer accepts push channel connections and answers pings. Pushed
// envelopes can be injected per connection through the push callback. The
// server keeps its side of every accepted connection so tests can drop them,
// which httptest.Server cannot do for hijacked connections.
type wsTestServer struct {
	srv     *httptest.Server
	accepts atomic.Int32
	pings   atomic.Int32
	refuse  atomic.Bool
	mute    atomic.Bool
	onConn  func(ctx context.Context, c *websocket.Conn)

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.accepts.Add(1)
		ws.mu.Lock()
		ws.conns = append(ws.conns, c)
		ws.mu.Unlock()
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if ws.onConn != nil {
			ws.onConn(ctx, c)
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var cmd PushEnvelope
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			if cmd.Event == cmdPing {
				ws.pings.Add(1)
				if ws.mute.Load() {
					continue
				}
				resp, _ := json.Marshal(PushEnvelope{Event: eventPong, Payload: cmd.Payload})
				c.Write(ctx, websocket.MessageText, resp)
			}
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

// dropConns closes the server side of every accepted connection.
func (ws *wsTestServer) dropConns() {
	ws.mu.Lock()
	conns := ws.conns
	ws.conns = nil
	ws.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusInternalError, "dropped")
	}
}

func newTestRealtime(t *testing.T, srv *wsTestServer, cfg *RealtimeConfig) *RealtimeClient {
	t.Helper()
	client := NewClient("test-token", WithBaseURL(srv.srv.URL))
	rt := NewRealtimeClient(client, cfg)
	t.Cleanup(func() { rt.Terminate() })
	return rt
}

func TestInitializeIdempotent(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, nil)

	ctx := context.Background()
	if err := rt.Initialize(ctx, "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := rt.Initialize(ctx, "test-token"); err != nil {
		t.Fatalf("second initialize failed: %v", err)
	}

	if got := rt.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := srv.accepts.Load(); got != 1 {
		t.Fatalf("got %d connections, want 1", got)
	}
}

func TestTerminateSafeTwice(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, nil)

	if err := rt.Initialize(context.Background(), "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := rt.Terminate(); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if err := rt.Terminate(); err != nil {
		t.Fatalf("second terminate failed: %v", err)
	}
	if got := rt.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", got)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, &RealtimeConfig{HealthTimeout: time.Second})

	t.Run("disconnected", func(t *testing.T) {
		if rt.HealthCheck(context.Background()) {
			t.Fatal("health check without a channel must fail")
		}
	})

	t.Run("connected", func(t *testing.T) {
		if err := rt.Initialize(context.Background(), "test-token"); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
		if !rt.HealthCheck(context.Background()) {
			t.Fatal("health check against a live channel must succeed")
		}
	})
}

func TestDispatchDeliveryOrder(t *testing.T) {
	srv := newWSTestServer(t)
	srv.onConn = func(ctx context.Context, c *websocket.Conn) {
		for _, id := range []string{"srv-1", "srv-2", "srv-3"} {
			data, _ := json.Marshal(Message{Ident: Ident{Server: id}, ChatID: "chat-1", CreatedAt: time.Now()})
			env, _ := json.Marshal(PushEnvelope{Event: EventMessageReceived, Payload: data})
			c.Write(ctx, websocket.MessageText, env)
		}
	}
	rt := newTestRealtime(t, srv, nil)

	var mu sync.Mutex
	var got []string
	rt.OnMessageReceived(func(m Message) {
		mu.Lock()
		got = append(got, m.Server)
		mu.Unlock()
	})

	if err := rt.Initialize(context.Background(), "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"srv-1", "srv-2", "srv-3"} {
		if got[i] != want {
			t.Fatalf("delivery order = %v", got)
		}
	}
}

func TestReconnectExhaustionAndForceReconnect(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, &RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
	})

	var states []ConnState
	var mu sync.Mutex
	rt.OnStateChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := rt.Initialize(context.Background(), "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	// Kill the connection and refuse redials until the budget runs out.
	srv.refuse.Store(true)
	srv.dropConns()

	waitFor(t, 5*time.Second, func() bool { return rt.State() == StateFailed })

	mu.Lock()
	sawReconnecting := false
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	mu.Unlock()
	if !sawReconnecting {
		t.Fatal("expected a reconnecting transition before failing")
	}

	// Failed is a terminal state for the automatic path; only an explicit
	// reconnect leaves it.
	srv.refuse.Store(false)
	if err := rt.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("force reconnect failed: %v", err)
	}
	if got := rt.State(); got != StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestConcurrentInitializeSingleDial(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Initialize(context.Background(), "test-token"); err != nil {
				t.Errorf("initialize failed: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool { return rt.State() == StateConnected })
	if got := srv.accepts.Load(); got != 1 {
		t.Fatalf("got %d connections, want 1", got)
	}
}

func TestReconnectReplacesHealthLoop(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  2 * time.Millisecond,
		HealthInterval:     50 * time.Millisecond,
	})

	if err := rt.Initialize(context.Background(), "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	// Several drop/reconnect cycles; each replacement must tear down the
	// previous generation's health prober rather than stack another one.
	for i := 0; i < 3; i++ {
		want := srv.accepts.Load() + 1
		srv.dropConns()
		waitFor(t, 2*time.Second, func() bool {
			return rt.State() == StateConnected && srv.accepts.Load() >= want
		})
	}

	srv.pings.Store(0)
	time.Sleep(275 * time.Millisecond)
	// A single 50ms prober fits ~5 probes in the window; stacked probers
	// would roughly multiply that.
	if got := srv.pings.Load(); got > 8 {
		t.Fatalf("got %d health probes, want a single prober's worth", got)
	}
}

func TestHealthProbeFailureEntersBackoff(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, &RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    2 * time.Millisecond,
		HealthInterval:       30 * time.Millisecond,
		HealthTimeout:        20 * time.Millisecond,
	})

	if err := rt.Initialize(context.Background(), "test-token"); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	// The transport stays up but the server stops answering probes, and
	// redials are refused. The forced reconnect must fall into the backoff
	// loop and end at failed, not park silently in disconnected.
	srv.mute.Store(true)
	srv.refuse.Store(true)

	waitFor(t, 5*time.Second, func() bool { return rt.State() == StateFailed })
}

func TestCommandsRequireConnection(t *testing.T) {
	srv := newWSTestServer(t)
	rt := newTestRealtime(t, srv, nil)

	if err := rt.JoinChat(context.Background(), "chat-1"); err == nil {
		t.Fatal("join without a channel must fail")
	}
	if err := rt.StartTyping(context.Background(), "chat-1"); err == nil {
		t.Fatal("typing without a channel must fail")
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
	})

	d1 := r.nextDelay()
	d2 := r.nextDelay()
	d3 := r.nextDelay()
	if d1 < time.Second || d2 < 2*time.Second || d3 < 4*time.Second {
		t.Fatalf("delays not increasing: %v %v %v", d1, d2, d3)
	}
	if d3 > 10*time.Second {
		t.Fatalf("delay %v exceeds cap", d3)
	}
	if !r.exhausted() {
		t.Fatal("budget of 3 attempts should be exhausted")
	}

	r.reset()
	if r.exhausted() {
		t.Fatal("reset must clear the attempt count")
	}
}
