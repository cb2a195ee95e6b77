package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncode_FlattensPayload(t *testing.T) {
	data, err := Encode(ActionSendMessage, "", SendMessage{RoomID: "trip-42", Message: "hi", MessageType: "text"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if fields["action"] != "send_message" {
		t.Errorf("action = %v, want send_message", fields["action"])
	}
	if fields["room_id"] != "trip-42" {
		t.Errorf("room_id = %v, want trip-42", fields["room_id"])
	}
	if fields["message"] != "hi" {
		t.Errorf("message = %v, want hi", fields["message"])
	}
	if _, ok := fields[TokenField]; ok {
		t.Error("fire-and-forget frame should not carry a token")
	}
}

func TestEncode_WithToken(t *testing.T) {
	data, err := Encode(ActionJoinRoom, "tok-1", JoinRoom{RoomID: "r1"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if fields[TokenField] != "tok-1" {
		t.Errorf("%s = %q, want tok-1", TokenField, fields[TokenField])
	}
	if fields["room_id"] != "r1" {
		t.Errorf("room_id = %q, want r1", fields["room_id"])
	}
}

func TestEncode_EmptyPayloads(t *testing.T) {
	for _, payload := range []interface{}{nil, GetRooms{}} {
		data, err := Encode(ActionGetRooms, "", payload)
		if err != nil {
			t.Fatalf("Encode(%T) failed: %v", payload, err)
		}
		if string(data) != `{"action":"get_rooms"}` {
			t.Errorf("Encode(%T) = %s, want {\"action\":\"get_rooms\"}", payload, data)
		}
	}
}

func TestEncode_RejectsNonObject(t *testing.T) {
	if _, err := Encode(ActionTyping, "", "not an object"); err == nil {
		t.Error("expected error for string payload")
	}
}

func TestDecode_KnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "chat message",
			frame: `{"type":"chat_message","id":"m1","room_id":"trip-42","user_id":"u1","user_name":"Ada","message":"hi","timestamp":"2026-01-02T03:04:05Z"}`,
			check: func(t *testing.T, ev Event) {
				msg, ok := ev.(*ChatMessage)
				if !ok {
					t.Fatalf("got %T, want *ChatMessage", ev)
				}
				if msg.Message != "hi" || msg.RoomID != "trip-42" {
					t.Errorf("unexpected message %+v", msg)
				}
				want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
				if !msg.Timestamp.Equal(want) {
					t.Errorf("Timestamp = %v, want %v", msg.Timestamp.Time, want)
				}
			},
		},
		{
			name:  "room joined",
			frame: `{"type":"room_joined","room_id":"trip-42","recent_messages":[],"members":[{"user_id":"u1"}]}`,
			check: func(t *testing.T, ev Event) {
				rj, ok := ev.(*RoomJoined)
				if !ok {
					t.Fatalf("got %T, want *RoomJoined", ev)
				}
				if len(rj.Members) != 1 || rj.Members[0].UserID != "u1" {
					t.Errorf("Members = %+v", rj.Members)
				}
				if rj.MatchKey() != "join_room:trip-42" {
					t.Errorf("MatchKey = %q", rj.MatchKey())
				}
			},
		},
		{
			name:  "user left room",
			frame: `{"type":"user_left_room","room_id":"r1","user_id":"u2","user_name":"Bo","timestamp":1767323045000}`,
			check: func(t *testing.T, ev Event) {
				ue, ok := ev.(*UserRoomEvent)
				if !ok {
					t.Fatalf("got %T, want *UserRoomEvent", ev)
				}
				if ue.Joined() {
					t.Error("Joined() = true for user_left_room")
				}
				if ue.Category() != CategoryUserLeftRoom {
					t.Errorf("Category = %s", ue.Category())
				}
				if ue.Timestamp.UnixMilli() != 1767323045000 {
					t.Errorf("Timestamp = %v", ue.Timestamp.Time)
				}
			},
		},
		{
			name:  "connection confirmed",
			frame: `{"type":"connection_confirmed","user_id":"u1"}`,
			check: func(t *testing.T, ev Event) {
				if ev.Category() != CategoryConnectionConfirmed {
					t.Errorf("Category = %s", ev.Category())
				}
			},
		},
		{
			name:  "action result failure",
			frame: `{"type":"action_result","action":"leave_room","room_id":"r1","result":{"success":false,"message":"not a member"}}`,
			check: func(t *testing.T, ev Event) {
				err := Failure(ev)
				var perr *Error
				if !errors.As(err, &perr) {
					t.Fatalf("Failure = %v, want *Error", err)
				}
				if perr.Message != "not a member" {
					t.Errorf("Message = %q", perr.Message)
				}
				if ev.(Matcher).MatchKey() != "leave_room:r1" {
					t.Errorf("MatchKey = %q", ev.(Matcher).MatchKey())
				}
			},
		},
		{
			name:  "notification with bare sender id",
			frame: `{"type":"notification_received","message":"ping","from_user":"u9"}`,
			check: func(t *testing.T, ev Event) {
				n := ev.(*NotificationReceived)
				if n.FromUser.UserID != "u9" {
					t.Errorf("FromUser = %+v", n.FromUser)
				}
			},
		},
		{
			name:  "notification with sender object",
			frame: `{"type":"notification_received","message":"ping","from_user":{"user_id":"u9","user_name":"Cy"}}`,
			check: func(t *testing.T, ev Event) {
				n := ev.(*NotificationReceived)
				if n.FromUser.UserName != "Cy" {
					t.Errorf("FromUser = %+v", n.FromUser)
				}
			},
		},
		{
			name:  "user typing keyed by itinerary",
			frame: `{"type":"user_typing","itinerary_id":"it-7","user_id":"u3","section":"day-2","is_typing":true}`,
			check: func(t *testing.T, ev Event) {
				ut := ev.(*UserTyping)
				if ut.Room() != "it-7" {
					t.Errorf("Room() = %q, want it-7", ut.Room())
				}
			},
		},
		{
			name:  "ack failure",
			frame: `{"type":"ack","request_id":"tok","success":false,"error":"room full"}`,
			check: func(t *testing.T, ev Event) {
				if err := Failure(ev); err == nil || err.Error() != "server error: room full" {
					t.Errorf("Failure = %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, _, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	frame := []byte(`{"type":"weather_alert","severity":"high"}`)

	ev, env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	unk, ok := ev.(*Unknown)
	if !ok {
		t.Fatalf("got %T, want *Unknown", ev)
	}
	if unk.Type != "weather_alert" || env.Type != "weather_alert" {
		t.Errorf("Type = %q / %q", unk.Type, env.Type)
	}
	if string(unk.Raw) != string(frame) {
		t.Errorf("Raw = %s", unk.Raw)
	}
	if Known(CategoryUnknown) {
		t.Error("unknown category should not be Known")
	}
}

func TestDecode_Envelope(t *testing.T) {
	_, env, err := Decode([]byte(`{"type":"room_joined","request_id":"abc","room_id":"r1"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.RequestID != "abc" {
		t.Errorf("RequestID = %q, want abc", env.RequestID)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, _, err := Decode([]byte(`{"message":"no type"}`)); !errors.Is(err, ErrMissingType) {
		t.Errorf("missing type: err = %v, want ErrMissingType", err)
	}
	if _, _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, _, err := Decode([]byte(`{"type":"room_list","rooms":"oops"}`)); err == nil {
		t.Error("expected error for malformed room_list")
	}
}

func TestTimestamp_Formats(t *testing.T) {
	tests := []struct {
		in   string
		want int64 // unix millis
	}{
		{`"2026-01-02T03:04:05.5Z"`, 1767323045500},
		{`1767323045`, 1767323045000},
		{`1767323045123`, 1767323045123},
		{`"1767323045"`, 1767323045000},
		{`"2026-01-02T03:04:05.123456"`, 1767323045123},
		{`"2026-01-02T03:04:05"`, 1767323045000},
		{`"2026-01-02 03:04:05.5"`, 1767323045500},
	}

	for _, tt := range tests {
		var ts Timestamp
		if err := json.Unmarshal([]byte(tt.in), &ts); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tt.in, err)
			continue
		}
		if ts.UnixMilli() != tt.want {
			t.Errorf("Unmarshal(%s) = %d, want %d", tt.in, ts.UnixMilli(), tt.want)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Errorf("null timestamp: %v, %v", ts.Time, err)
	}
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err != nil {
		t.Errorf("unparseable timestamp should not fail: %v", err)
	}
	if !ts.IsZero() || !ts.Invalid() || ts.Raw != "yesterday" {
		t.Errorf("unparseable timestamp = %v raw %q, want zero with raw text", ts.Time, ts.Raw)
	}
}

func TestDecode_ChatMessageWithOffsetlessTimestamp(t *testing.T) {
	ev, _, err := Decode([]byte(`{"type":"chat_message","id":"m1","room_id":"r1","user_id":"u1","message":"hi","timestamp":"2026-01-01T00:00:00.123456"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	msg := ev.(*ChatMessage)
	want := time.Date(2026, 1, 1, 0, 0, 0, 123456000, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp.Time, want)
	}

	ev, _, err = Decode([]byte(`{"type":"chat_message","room_id":"r1","message":"hi","timestamp":"sometime"}`))
	if err != nil {
		t.Fatalf("bad timestamp must not fail the frame: %v", err)
	}
	if msg := ev.(*ChatMessage); msg.Message != "hi" || !msg.Timestamp.Invalid() {
		t.Errorf("got %+v, want message kept with invalid timestamp", msg)
	}
}

func TestDecode_TypingUsersAsStrings(t *testing.T) {
	ev, _, err := Decode([]byte(`{"type":"typing_update","room_id":"r1","typing_users":["u1",{"user_id":"u2","user_name":"Bo"}]}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	users := ev.(*TypingUpdate).TypingUsers
	if len(users) != 2 {
		t.Fatalf("TypingUsers = %+v, want 2 entries", users)
	}
	if users[0].UserID != "u1" || users[0].UserName != "" {
		t.Errorf("users[0] = %+v, want bare id u1", users[0])
	}
	if users[1].UserID != "u2" || users[1].UserName != "Bo" {
		t.Errorf("users[1] = %+v, want u2/Bo", users[1])
	}
}
