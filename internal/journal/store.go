package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	message_id   TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	user_name    TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'text',
	sent_at      TIMESTAMPTZ,
	received_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_room_sent ON chat_messages (room_id, sent_at);

CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	kind            TEXT NOT NULL DEFAULT '',
	from_user_id    TEXT NOT NULL DEFAULT '',
	from_user_name  TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL,
	data            JSONB,
	sent_at         TIMESTAMPTZ,
	received_at     TIMESTAMPTZ NOT NULL
);
`

// PGStore writes rows to PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a store on pool.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// InsertMessages inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) InsertMessages(ctx context.Context, rows []MessageRow) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO chat_messages (message_id, room_id, user_id, user_name, body, message_type, sent_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (message_id) DO NOTHING
		`, r.ID, r.RoomID, r.UserID, r.UserName, r.Body, r.Type, nullTime(r.SentAt), r.ReceivedAt)
	}
	return s.send(ctx, batch, len(rows))
}

// InsertNotifications inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) InsertNotifications(ctx context.Context, rows []NotificationRow) (int, error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		var data interface{}
		if len(r.Data) > 0 {
			data = string(r.Data)
		}
		batch.Queue(`
			INSERT INTO notifications (notification_id, kind, from_user_id, from_user_name, message, data, sent_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (notification_id) DO NOTHING
		`, r.ID, r.Type, r.FromUserID, r.FromName, r.Message, data, nullTime(r.SentAt), r.ReceivedAt)
	}
	return s.send(ctx, batch, len(rows))
}

func (s *PGStore) send(ctx context.Context, batch *pgx.Batch, n int) (inserted int, err error) {
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < n; i++ {
		ct, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(ct.RowsAffected())
	}
	return inserted, nil
}

// nullTime maps an unknown timestamp to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
