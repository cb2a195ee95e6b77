package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Config configures a Journal.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
	}
}

// MessageRow is one archived chat message.
type MessageRow struct {
	ID         string
	RoomID     string
	UserID     string
	UserName   string
	Body       string
	Type       string
	SentAt     time.Time
	ReceivedAt time.Time
}

// NotificationRow is one archived notification.
type NotificationRow struct {
	ID         string
	Type       string
	FromUserID string
	FromName   string
	Message    string
	Data       json.RawMessage
	SentAt     time.Time
	ReceivedAt time.Time
}

// Store persists rows. Each method returns how many rows were new.
type Store interface {
	InsertMessages(ctx context.Context, rows []MessageRow) (int, error)
	InsertNotifications(ctx context.Context, rows []NotificationRow) (int, error)
}

// Metrics holds journal counters.
type Metrics struct {
	Received  int64
	Inserts   int64
	Conflicts int64 // Rows already archived
	Flushes   int64
	Errors    int64
}
