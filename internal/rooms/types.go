package rooms

import "time"

// DefaultHistoryLimit is the history window used when none is configured.
const DefaultHistoryLimit = 100

// Message is one chat message or update kept in a room's history.
type Message struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Text      string
	Type      string
	Timestamp time.Time
}

// Member is a roster entry.
type Member struct {
	UserID   string
	UserName string
	JoinedAt time.Time
}

// Room is a point-in-time copy of a joined room.
type Room struct {
	ID        string
	Name      string
	Members   []Member // Ordered by join time
	History   []Message
	CreatedAt time.Time
}

// MemberCount returns the roster size.
func (r Room) MemberCount() int {
	return len(r.Members)
}

// Summary is one entry of the server's room catalog.
type Summary struct {
	ID          string
	Name        string
	MemberCount int
	CreatedAt   time.Time
}

// Config configures a Registry.
type Config struct {
	HistoryLimit int // Newest N messages kept per room
}

// Stats provides statistics about the registry.
type Stats struct {
	Rooms            int
	CatalogSize      int
	MessagesRecorded int64
	MessagesEvicted  int64
	MessagesDropped  int64 // For rooms not joined
}
