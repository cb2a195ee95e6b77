package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TokenField is the frame field carrying the correlation token.
const TokenField = "request_id"

// Action names an outbound operation.
type Action string

const (
	ActionCreateRoom       Action = "create_room"
	ActionJoinRoom         Action = "join_room"
	ActionLeaveRoom        Action = "leave_room"
	ActionSendMessage      Action = "send_message"
	ActionTyping           Action = "typing"
	ActionGetRooms         Action = "get_rooms"
	ActionSendNotification Action = "send_notification"
	ActionItineraryUpdate  Action = "itinerary_update"
	ActionCursorPosition   Action = "cursor_position"
)

// CreateRoom is the payload for create_room. Both fields are optional; the
// server assigns an id when RoomID is empty.
type CreateRoom struct {
	RoomID   string `json:"room_id,omitempty"`
	RoomName string `json:"room_name,omitempty"`
}

// JoinRoom is the payload for join_room.
type JoinRoom struct {
	RoomID string `json:"room_id"`
}

// LeaveRoom is the payload for leave_room.
type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

// SendMessage is the payload for send_message.
type SendMessage struct {
	RoomID      string `json:"room_id"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"` // "text" unless the caller says otherwise
}

// Typing is the payload for typing.
type Typing struct {
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
	Section  string `json:"section,omitempty"`
}

// GetRooms is the payload for get_rooms.
type GetRooms struct{}

// SendNotification is the payload for send_notification.
type SendNotification struct {
	TargetUserID string          `json:"target_user_id"`
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ItineraryUpdate is the payload for itinerary_update. Data is opaque to the client.
type ItineraryUpdate struct {
	ItineraryID string          `json:"itinerary_id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// CursorPosition is the payload for cursor_position.
type CursorPosition struct {
	ItineraryID string          `json:"itinerary_id"`
	Cursor      json.RawMessage `json:"cursor"`
}

// Encode builds an outbound frame: the payload's fields flattened next to
// "action" and, when token is non-empty, "request_id".
func Encode(action Action, token string, payload interface{}) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", action, err)
		}
		if !bytes.Equal(data, []byte("null")) {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, fmt.Errorf("%s payload must encode as an object: %w", action, err)
			}
		}
	}

	fields["action"], _ = json.Marshal(string(action))
	if token != "" {
		fields[TokenField], _ = json.Marshal(token)
	}

	return json.Marshal(fields)
}

// MatchKey builds the key used to pair a result event with an acknowledged
// call when the server does not echo the correlation token.
func MatchKey(action Action, roomID string) string {
	if roomID == "" {
		return string(action)
	}
	return string(action) + ":" + roomID
}
