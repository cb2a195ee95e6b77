package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServerMulti creates a test WebSocket server that handles multiple
// connections. Connections past accept are refused with 503.
func mockWSServerMulti(t *testing.T, accept int, handler func(int, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var mu sync.Mutex
	connCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connCount++
		id := connCount
		mu.Unlock()

		if accept > 0 && id > accept {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		handler(id, conn)
	}))

	return server
}

// recordingHandler captures everything the manager delivers.
type recordingHandler struct {
	mu      sync.Mutex
	frames  []Frame
	changes []StateChange
	events  []string
}

func (h *recordingHandler) HandleFrame(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	h.events = append(h.events, "frame:"+string(f.Data))
}

func (h *recordingHandler) HandleStateChange(c StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, c)
	h.events = append(h.events, "state:"+c.New.String())
}

func (h *recordingHandler) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.changes))
	for i, c := range h.changes {
		out[i] = c.New
	}
	return out
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *recordingHandler) sawState(s State) bool {
	for _, got := range h.states() {
		if got == s {
			return true
		}
	}
	return false
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
	t.Fatalf("timeout waiting for %s", what)
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.HandshakeTimeout = time.Second
	cfg.PingInterval = 0
	cfg.ReconnectBaseWait = 5 * time.Millisecond
	cfg.ReconnectMaxWait = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	return cfg
}

// dropAbruptly kills the TCP connection without a close frame.
func dropAbruptly(conn *websocket.Conn) {
	conn.UnderlyingConn().Close()
}

func TestManager_ConnectDeliversFrames(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		drain(conn)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("State = %v, want connected", m.State())
	}

	waitFor(t, "frame", func() bool { return h.frameCount() == 1 })

	states := h.states()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v, want [connecting connected]", states)
	}

	h.mu.Lock()
	session := h.frames[0].Session
	h.mu.Unlock()
	if got := m.Stats().Session; got != session {
		t.Errorf("frame session = %d, want live session %d", session, got)
	}
	if got := m.Credentials().UserID; got != "u1" {
		t.Errorf("Credentials().UserID = %q, want u1", got)
	}
}

func TestManager_ConnectIsNoOpWhenConnected(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	ctx := context.Background()
	if err := m.Connect(ctx, Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := m.Connect(ctx, Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}

	if got := m.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {})
	url := wsURL(server)
	server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(url), h, nil)
	defer m.Close()

	err := m.Connect(context.Background(), Credentials{UserID: "u1"})
	if err == nil {
		t.Fatal("expected Connect to fail")
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", m.State())
	}
	if m.LastError() == nil {
		t.Error("LastError should be recorded")
	}

	// No automatic retry after a failed first connect
	time.Sleep(50 * time.Millisecond)
	if h.sawState(StateReconnecting) {
		t.Error("failed first connect must not schedule reconnection")
	}
}

func TestManager_SendNotConnected(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:1"), nil, nil)
	defer m.Close()

	err := m.Send([]byte(`{}`))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestManager_ServerCloseIsTerminal(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "closed", func() bool { return m.State() == StateClosed })

	if h.sawState(StateReconnecting) {
		t.Error("server close must not trigger reconnection")
	}
	if !errors.Is(m.LastError(), ErrServerClosed) {
		t.Errorf("LastError = %v, want ErrServerClosed", m.LastError())
	}
	stats := m.Stats()
	if stats.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", stats.Attempt)
	}
	if stats.Drops != 1 {
		t.Errorf("Drops = %d, want 1", stats.Drops)
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		if id == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte("first"))
			time.Sleep(20 * time.Millisecond)
			dropAbruptly(conn)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("second"))
		drain(conn)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "second frame", func() bool { return h.frameCount() == 2 })

	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
	stats := m.Stats()
	if stats.Session != 2 {
		t.Errorf("Session = %d, want 2", stats.Session)
	}
	if stats.Attempt != 0 {
		t.Errorf("Attempt = %d, want reset to 0", stats.Attempt)
	}

	h.mu.Lock()
	events := append([]string(nil), h.events...)
	first, second := h.frames[0].Session, h.frames[1].Session
	h.mu.Unlock()

	want := []string{
		"state:connecting",
		"state:connected",
		"frame:first",
		"state:reconnecting",
		"state:connecting",
		"state:connected",
		"frame:second",
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	if first == second {
		t.Error("reconnect should start a new session")
	}
	if got := m.Stats().Session; got != second {
		t.Errorf("live session = %d, want %d", got, second)
	}
}

func TestManager_ReconnectExhaustion(t *testing.T) {
	server := mockWSServerMulti(t, 1, func(id int, conn *websocket.Conn) {
		dropAbruptly(conn)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, "closed", func() bool { return h.sawState(StateClosed) })

	if !errors.Is(m.LastError(), ErrReconnectFailed) {
		t.Errorf("LastError = %v, want ErrReconnectFailed", m.LastError())
	}
	if got := m.Stats().Attempt; got != 3 {
		t.Errorf("Attempt = %d, want 3", got)
	}

	// Attempt counter never decreases while reconnecting
	h.mu.Lock()
	defer h.mu.Unlock()
	last := 0
	for _, c := range h.changes {
		if c.Attempt < last {
			t.Errorf("attempt went backwards: %d after %d", c.Attempt, last)
		}
		last = c.Attempt
	}
	final := h.changes[len(h.changes)-1]
	if final.New != StateClosed || !errors.Is(final.Err, ErrReconnectFailed) {
		t.Errorf("final change = %+v, want closed with ErrReconnectFailed", final)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		dropAbruptly(conn)
	})
	defer server.Close()

	cfg := testManagerConfig(wsURL(server))
	cfg.ReconnectBaseWait = time.Hour
	cfg.ReconnectMaxWait = time.Hour

	h := &recordingHandler{}
	m := NewManager(cfg, h, nil)
	defer m.Close()

	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not cancel the pending reconnect")
	}

	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
	if got := m.Stats().Connects; got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}
}

func TestManager_DisconnectThenReconnect(t *testing.T) {
	server := mockWSServerMulti(t, 0, func(id int, conn *websocket.Conn) {
		drain(conn)
	})
	defer server.Close()

	h := &recordingHandler{}
	m := NewManager(testManagerConfig(wsURL(server)), h, nil)
	defer m.Close()

	ctx := context.Background()
	if err := m.Connect(ctx, Credentials{UserID: "u1"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session := m.Stats().Session

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if got := m.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	if session == 0 {
		t.Error("Connect should have opened a session")
	}
	// Disconnect is always legal
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}

	if err := m.Connect(ctx, Credentials{UserID: "u2"}); err != nil {
		t.Fatalf("Connect after Disconnect failed: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State = %v, want connected", m.State())
	}
	if m.Stats().Session == session {
		t.Error("new connection should start a new session")
	}
}

func TestManager_CloseStopsManager(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:1"), &recordingHandler{}, nil)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Connect(context.Background(), Credentials{UserID: "u1"}); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{StateReconnecting, "reconnecting"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
