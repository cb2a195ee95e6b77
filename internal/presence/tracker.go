package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTypingExpiry bounds how long a typing signal stays visible.
const DefaultTypingExpiry = 3 * time.Second

// Status is a collaborator's presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Collaborator is a user present in a room.
type Collaborator struct {
	UserID   string
	UserName string
	Status   Status
	Since    time.Time
}

// TypingSignal marks a user as typing in a room until ExpiresAt.
type TypingSignal struct {
	UserID    string
	UserName  string
	RoomID    string
	Section   string
	ExpiresAt time.Time
}

// Config configures a Tracker.
type Config struct {
	TypingExpiry time.Duration
}

// Tracker holds per-room presence and typing state.
type Tracker struct {
	expiry time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu            sync.Mutex
	collaborators map[string][]Collaborator // Ordered by arrival
	typing        map[string]map[string]TypingSignal
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = DefaultTypingExpiry
	}

	return &Tracker{
		expiry:        cfg.TypingExpiry,
		now:           time.Now,
		logger:        logger.With("component", "presence"),
		collaborators: make(map[string][]Collaborator),
		typing:        make(map[string]map[string]TypingSignal),
	}
}

// Expiry returns the typing window.
func (t *Tracker) Expiry() time.Duration {
	return t.expiry
}

// UserJoined adds or replaces a collaborator as online.
func (t *Tracker) UserJoined(roomID, userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := Collaborator{UserID: userID, UserName: userName, Status: StatusOnline, Since: t.now()}
	list := t.collaborators[roomID]
	for i := range list {
		if list[i].UserID == userID {
			list[i] = c
			return
		}
	}
	t.collaborators[roomID] = append(list, c)
}

// UserLeft removes a collaborator and any typing signal they own in the room.
func (t *Tracker) UserLeft(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.collaborators[roomID]
	for i := range list {
		if list[i].UserID == userID {
			t.collaborators[roomID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.collaborators[roomID]) == 0 {
		delete(t.collaborators, roomID)
	}
	t.stopLocked(roomID, userID)
}

// SetCollaborators replaces the room's collaborator list.
func (t *Tracker) SetCollaborators(roomID string, list []Collaborator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(list) == 0 {
		delete(t.collaborators, roomID)
		return
	}

	now := t.now()
	out := make([]Collaborator, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, c := range list {
		if seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		if c.Status == "" {
			c.Status = StatusOnline
		}
		if c.Since.IsZero() {
			c.Since = now
		}
		out = append(out, c)
	}
	t.collaborators[roomID] = out
}

// Collaborators returns the room's collaborators in arrival order.
func (t *Tracker) Collaborators(roomID string) []Collaborator {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.collaborators[roomID]
	out := make([]Collaborator, len(list))
	copy(out, list)
	return out
}

// StartTyping records userID as typing, with a fresh expiry.
func (t *Tracker) StartTyping(roomID, userID, userName, section string) TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	sig := TypingSignal{
		UserID:    userID,
		UserName:  userName,
		RoomID:    roomID,
		Section:   section,
		ExpiresAt: t.now().Add(t.expiry),
	}
	room, ok := t.typing[roomID]
	if !ok {
		room = make(map[string]TypingSignal)
		t.typing[roomID] = room
	}
	room[userID] = sig
	return sig
}

// StopTyping removes userID's signal. Returns false if there was none.
func (t *Tracker) StopTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(roomID, userID)
}

func (t *Tracker) stopLocked(roomID, userID string) bool {
	room, ok := t.typing[roomID]
	if !ok {
		return false
	}
	if _, ok := room[userID]; !ok {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.typing, roomID)
	}
	return true
}

// ReplaceTyping sets the room's typing set to exactly signals, each with a
// fresh expiry. Used for servers that push the full typing list.
func (t *Tracker) ReplaceTyping(roomID string, signals []TypingSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(signals) == 0 {
		delete(t.typing, roomID)
		return
	}

	expires := t.now().Add(t.expiry)
	room := make(map[string]TypingSignal, len(signals))
	for _, sig := range signals {
		sig.RoomID = roomID
		sig.ExpiresAt = expires
		room[sig.UserID] = sig
	}
	t.typing[roomID] = room
}

// TypingUsers returns the unexpired typing signals in the room, ordered by
// user id. Expired signals are pruned.
func (t *Tracker) TypingUsers(roomID string) []TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.typing[roomID]
	if !ok {
		return []TypingSignal{}
	}

	now := t.now()
	out := make([]TypingSignal, 0, len(room))
	for userID, sig := range room {
		if !now.Before(sig.ExpiresAt) {
			delete(room, userID)
			continue
		}
		out = append(out, sig)
	}
	if len(room) == 0 {
		delete(t.typing, roomID)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ClearRoom drops all presence and typing state for one room.
func (t *Tracker) ClearRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.collaborators, roomID)
	delete(t.typing, roomID)
}

// Clear drops everything.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collaborators = make(map[string][]Collaborator)
	t.typing = make(map[string]map[string]TypingSignal)
}
