package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Category identifies an event variant. Server-pushed categories equal the
// wire "type"; StateChanged and ReconnectFailed are raised locally.
type Category string

const (
	CategoryConnectionSuccess       Category = "connection_success"
	CategoryConnectionConfirmed     Category = "connection_confirmed"
	CategoryChatMessage             Category = "chat_message"
	CategoryRoomJoined              Category = "room_joined"
	CategoryRoomCreated             Category = "room_created"
	CategoryRoomList                Category = "room_list"
	CategoryUserJoinedRoom          Category = "user_joined_room"
	CategoryUserLeftRoom            Category = "user_left_room"
	CategoryTypingUpdate            Category = "typing_update"
	CategoryActionResult            Category = "action_result"
	CategoryError                   Category = "error"
	CategoryCollaborationState      Category = "collaboration_state"
	CategoryUserJoinedCollaboration Category = "user_joined_collaboration"
	CategoryUserLeftCollaboration   Category = "user_left_collaboration"
	CategoryUserTyping              Category = "user_typing"
	CategoryNotificationReceived    Category = "notification_received"
	CategoryAck                     Category = "ack"
	CategoryUnknown                 Category = "unknown"

	CategoryStateChanged    Category = "state_changed"
	CategoryReconnectFailed Category = "reconnect_failed"
)

// ErrMissingType is returned for frames without a "type" field.
var ErrMissingType = errors.New("frame has no type")

// Event is one decoded inbound frame (or a locally raised event).
type Event interface {
	Category() Category
}

// Matcher is implemented by events that can answer an acknowledged call
// without echoing its token. MatchKey returns "" when the event cannot.
type Matcher interface {
	MatchKey() string
}

// Envelope holds the fields every inbound frame may carry.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Member is a user reference inside rosters and typing lists. Like
// UserRef it may arrive as a bare user id.
type Member struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Status   string `json:"status,omitempty"`
}

func (m *Member) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.UserID)
	}
	type plain Member
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Member(p)
	return nil
}

// Connected confirms the session (connection_success or connection_confirmed).
type Connected struct {
	Type     Category `json:"type"`
	UserID   string   `json:"user_id"`
	UserName string   `json:"user_name"`
	Message  string   `json:"message"`
}

func (e *Connected) Category() Category { return e.Type }

// ChatMessage is a message posted to a room.
type ChatMessage struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	Timestamp   Timestamp `json:"timestamp"`
}

func (e *ChatMessage) Category() Category { return CategoryChatMessage }

// RoomJoined answers join_room with the room's recent history and roster.
type RoomJoined struct {
	RoomID         string        `json:"room_id"`
	RoomName       string        `json:"room_name"`
	RecentMessages []ChatMessage `json:"recent_messages"`
	Members        []Member      `json:"members"`
}

func (e *RoomJoined) Category() Category { return CategoryRoomJoined }
func (e *RoomJoined) MatchKey() string   { return MatchKey(ActionJoinRoom, e.RoomID) }

// RoomCreated announces a new room.
type RoomCreated struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	CreatedBy string    `json:"created_by,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

func (e *RoomCreated) Category() Category { return CategoryRoomCreated }
func (e *RoomCreated) MatchKey() string   { return MatchKey(ActionCreateRoom, e.RoomID) }

// RoomSummary is one catalog entry in a room_list broadcast.
type RoomSummary struct {
	RoomID      string    `json:"room_id"`
	RoomName    string    `json:"room_name"`
	MemberCount int       `json:"member_count"`
	CreatedAt   Timestamp `json:"created_at"`
}

// RoomList is the server's room catalog.
type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

func (e *RoomList) Category() Category { return CategoryRoomList }

// UserRoomEvent is user_joined_room or user_left_room.
type UserRoomEvent struct {
	Type      Category  `json:"type"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp Timestamp `json:"timestamp"`
}

func (e *UserRoomEvent) Category() Category { return e.Type }

// Joined reports whether the user entered (rather than left) the room.
func (e *UserRoomEvent) Joined() bool { return e.Type == CategoryUserJoinedRoom }

// TypingUpdate replaces the set of users typing in a room.
type TypingUpdate struct {
	RoomID      string   `json:"room_id"`
	TypingUsers []Member `json:"typing_users"`
}

func (e *TypingUpdate) Category() Category { return CategoryTypingUpdate }

// ActionResult reports the outcome of an action in the action dialect.
type ActionResult struct {
	Action string `json:"action"`
	RoomID string `json:"room_id,omitempty"`
	Result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	} `json:"result"`
}

func (e *ActionResult) Category() Category { return CategoryActionResult }
func (e *ActionResult) MatchKey() string {
	if e.Action == "" {
		return ""
	}
	return MatchKey(Action(e.Action), e.RoomID)
}

// ErrorEvent is a server-pushed error.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Action  string `json:"action,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

func (e *ErrorEvent) Category() Category { return CategoryError }
func (e *ErrorEvent) MatchKey() string {
	if e.Action == "" {
		return ""
	}
	return MatchKey(Action(e.Action), e.RoomID)
}

// CollaborationState is the full collaborator list of an itinerary room.
type CollaborationState struct {
	RoomID        string   `json:"room_id"`
	ItineraryID   string   `json:"itinerary_id,omitempty"`
	Collaborators []Member `json:"collaborators"`
}

func (e *CollaborationState) Category() Category { return CategoryCollaborationState }
func (e *CollaborationState) Room() string       { return roomOf(e.RoomID, e.ItineraryID) }

// CollaboratorEvent is user_joined_collaboration or user_left_collaboration.
type CollaboratorEvent struct {
	Type        Category  `json:"type"`
	RoomID      string    `json:"room_id"`
	ItineraryID string    `json:"itinerary_id,omitempty"`
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	Timestamp   Timestamp `json:"timestamp"`
}

func (e *CollaboratorEvent) Category() Category { return e.Type }
func (e *CollaboratorEvent) Room() string       { return roomOf(e.RoomID, e.ItineraryID) }
func (e *CollaboratorEvent) Joined() bool       { return e.Type == CategoryUserJoinedCollaboration }

// UserTyping is a single user's typing signal in an itinerary room.
type UserTyping struct {
	RoomID      string `json:"room_id"`
	ItineraryID string `json:"itinerary_id,omitempty"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Section     string `json:"section"`
	IsTyping    bool   `json:"is_typing"`
}

func (e *UserTyping) Category() Category { return CategoryUserTyping }
func (e *UserTyping) Room() string       { return roomOf(e.RoomID, e.ItineraryID) }

// NotificationReceived is a targeted notification from another user.
type NotificationReceived struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"notification_type,omitempty"`
	Message   string          `json:"message"`
	FromUser  UserRef         `json:"from_user"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

func (e *NotificationReceived) Category() Category { return CategoryNotificationReceived }

// Ack answers an acknowledged call in the ack dialect.
type Ack struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (e *Ack) Category() Category { return CategoryAck }

// Unknown is a frame whose type this client does not recognize.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e *Unknown) Category() Category { return CategoryUnknown }

var decoders = map[Category]func() Event{
	CategoryConnectionSuccess:       func() Event { return &Connected{} },
	CategoryConnectionConfirmed:     func() Event { return &Connected{} },
	CategoryChatMessage:             func() Event { return &ChatMessage{} },
	CategoryRoomJoined:              func() Event { return &RoomJoined{} },
	CategoryRoomCreated:             func() Event { return &RoomCreated{} },
	CategoryRoomList:                func() Event { return &RoomList{} },
	CategoryUserJoinedRoom:          func() Event { return &UserRoomEvent{} },
	CategoryUserLeftRoom:            func() Event { return &UserRoomEvent{} },
	CategoryTypingUpdate:            func() Event { return &TypingUpdate{} },
	CategoryActionResult:            func() Event { return &ActionResult{} },
	CategoryError:                   func() Event { return &ErrorEvent{} },
	CategoryCollaborationState:      func() Event { return &CollaborationState{} },
	CategoryUserJoinedCollaboration: func() Event { return &CollaboratorEvent{} },
	CategoryUserLeftCollaboration:   func() Event { return &CollaboratorEvent{} },
	CategoryUserTyping:              func() Event { return &UserTyping{} },
	CategoryNotificationReceived:    func() Event { return &NotificationReceived{} },
	CategoryAck:                     func() Event { return &Ack{} },
}

// Known reports whether c is a server category this client decodes.
func Known(c Category) bool {
	_, ok := decoders[c]
	return ok
}

// Decode classifies a raw inbound frame. Unrecognized types decode to
// *Unknown without error.
func Decode(data []byte) (Event, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, env, ErrMissingType
	}

	newEvent, ok := decoders[Category(env.Type)]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{Type: env.Type, Raw: raw}, env, nil
	}

	ev := newEvent()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, env, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, env, nil
}

func roomOf(roomID, itineraryID string) string {
	if roomID != "" {
		return roomID
	}
	return itineraryID
}
