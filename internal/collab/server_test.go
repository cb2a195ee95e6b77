package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/tripsync/internal/config"
)

// frame is a decoded client frame as seen by the fake server.
type frame map[string]interface{}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

// fakeServer is a scriptable collaboration server.
type fakeServer struct {
	t       *testing.T
	srv     *httptest.Server
	dialect config.Dialect
	accept  int // Connections accepted before refusing with 503 (0 = unlimited)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	count   int
	respond func(s *fakeServer, f frame) // nil uses defaultRespond

	received chan frame
}

func newFakeServer(t *testing.T, dialect config.Dialect) *fakeServer {
	s := &fakeServer{
		t:        t,
		dialect:  dialect,
		received: make(chan frame, 256),
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.count++
		refuse := s.accept > 0 && s.count > s.accept
		s.mu.Unlock()

		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.send(map[string]interface{}{
			"type":    "connection_success",
			"user_id": r.URL.Query().Get("user_id"),
			"message": "welcome",
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Logf("bad client frame: %s", data)
				continue
			}
			s.received <- f

			s.mu.Lock()
			respond := s.respond
			s.mu.Unlock()
			if respond == nil {
				respond = defaultRespond
			}
			respond(s, f)
		}
	}))

	return s
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) close() {
	s.srv.Close()
}

func (s *fakeServer) setRespond(fn func(s *fakeServer, f frame)) {
	s.mu.Lock()
	s.respond = fn
	s.mu.Unlock()
}

func (s *fakeServer) setAccept(n int) {
	s.mu.Lock()
	s.accept = n
	s.mu.Unlock()
}

func (s *fakeServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// send writes v to the current connection.
func (s *fakeServer) send(v interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Error("fake server has no connection")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.t.Errorf("marshal: %v", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

// closeSession ends the session with a close frame carrying code.
func (s *fakeServer) closeSession(code int) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
}

// drop kills the current connection without a close frame.
func (s *fakeServer) drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	conn.UnderlyingConn().Close()
}

// next returns the next received frame with the given action.
func (s *fakeServer) next(t *testing.T, action string) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.received:
			if f.str("action") == action {
				return f
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s frame", action)
			return nil
		}
	}
}

// reply answers an acknowledged call the way the configured dialect does.
func (s *fakeServer) reply(f frame, result map[string]interface{}, data interface{}) {
	if s.dialect == config.DialectAck {
		s.send(map[string]interface{}{
			"type":       "ack",
			"request_id": f.str("request_id"),
			"success":    true,
			"data":       data,
		})
		return
	}
	s.send(result)
}

func defaultRespond(s *fakeServer, f frame) {
	roomID := f.str("room_id")

	switch f.str("action") {
	case "join_room":
		members := []map[string]interface{}{{"user_id": "u1", "user_name": "Ana"}}
		s.reply(f, map[string]interface{}{
			"type":            "room_joined",
			"room_id":         roomID,
			"members":         members,
			"recent_messages": []interface{}{},
		}, map[string]interface{}{
			"room_id":         roomID,
			"members":         members,
			"recent_messages": []interface{}{},
		})

	case "leave_room":
		s.reply(f, map[string]interface{}{
			"type":    "action_result",
			"action":  "leave_room",
			"room_id": roomID,
			"result":  map[string]interface{}{"success": true, "message": "left"},
		}, nil)

	case "send_notification":
		s.reply(f, map[string]interface{}{
			"type":   "action_result",
			"action": "send_notification",
			"result": map[string]interface{}{"success": true, "message": "delivered"},
		}, nil)

	case "create_room":
		if roomID == "" {
			roomID = "generated-1"
		}
		created := map[string]interface{}{
			"type":       "room_created",
			"room_id":    roomID,
			"room_name":  f.str("room_name"),
			"created_by": "u1",
			"timestamp":  1767225600,
		}
		if s.dialect == config.DialectAck {
			s.reply(f, nil, created)
			return
		}
		s.send(created)

	case "send_message":
		s.send(map[string]interface{}{
			"type":      "chat_message",
			"id":        "m-" + f.str("message"),
			"room_id":   roomID,
			"user_id":   "u1",
			"user_name": "Ana",
			"message":   f.str("message"),
			"timestamp": "2026-01-01T00:00:00Z",
		})

	case "get_rooms":
		s.send(map[string]interface{}{
			"type": "room_list",
			"rooms": []map[string]interface{}{
				{"room_id": "trip-42", "room_name": "Lisbon", "member_count": 3},
				{"room_id": "trip-7", "room_name": "Oslo", "member_count": 1},
			},
		})
	}
}

// ignoreActions drops the named actions and answers the rest normally.
func ignoreActions(actions ...string) func(s *fakeServer, f frame) {
	return func(s *fakeServer, f frame) {
		for _, a := range actions {
			if f.str("action") == a {
				return
			}
		}
		defaultRespond(s, f)
	}
}
