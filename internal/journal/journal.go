package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/tripsync/internal/dispatch"
	"github.com/rickgao/tripsync/internal/protocol"
)

// Subscriber is the event source a Journal attaches to.
type Subscriber interface {
	Subscribe(category protocol.Category, fn dispatch.HandlerFunc) func()
}

// Journal batches archived events and flushes them to a Store.
type Journal struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// Batching
	mu            sync.Mutex
	messages      []MessageRow
	notifications []NotificationRow
	full          chan struct{}

	// Serializes flushes
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Journal writing to store.
func New(cfg Config, store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	return &Journal{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "journal"),
		now:    time.Now,
		full:   make(chan struct{}, 1),
	}
}

// Attach subscribes the journal to chat and notification events and
// returns a function that detaches it.
func (j *Journal) Attach(src Subscriber) func() {
	unsubChat := src.Subscribe(protocol.CategoryChatMessage, j.Record)
	unsubNotify := src.Subscribe(protocol.CategoryNotificationReceived, j.Record)
	return func() {
		unsubChat()
		unsubNotify()
	}
}

// Start begins the flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still buffered.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Final flush
	j.flush(ctx)

	j.logger.Info("journal stopped")
	return nil
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metrics
}

// Pending returns the number of buffered rows.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.messages) + len(j.notifications)
}

// Record buffers ev if it is archivable. It never blocks on the database;
// a full batch wakes the flush loop.
func (j *Journal) Record(ev protocol.Event) {
	receivedAt := j.now()

	j.mu.Lock()
	switch e := ev.(type) {
	case *protocol.ChatMessage:
		j.messages = append(j.messages, messageRow(e, receivedAt))
	case *protocol.NotificationReceived:
		j.notifications = append(j.notifications, notificationRow(e, receivedAt))
	default:
		j.mu.Unlock()
		return
	}
	j.metrics.Received++
	full := len(j.messages)+len(j.notifications) >= j.cfg.BatchSize
	j.mu.Unlock()

	if full {
		select {
		case j.full <- struct{}{}:
		default:
		}
	}
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.flush(j.ctx)
		case <-j.full:
			j.flush(j.ctx)
		}
	}
}

// flush writes the current batches to the store.
func (j *Journal) flush(ctx context.Context) {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	messages, notifications := j.messages, j.notifications
	j.messages, j.notifications = nil, nil
	j.mu.Unlock()

	if len(messages) == 0 && len(notifications) == 0 {
		return
	}

	// The lifetime context is cancelled by Stop; the final flush still runs.
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	start := time.Now()
	inserted, failed := 0, false

	if len(messages) > 0 {
		n, err := j.store.InsertMessages(ctx, messages)
		if err != nil {
			j.logger.Error("message batch insert failed", "error", err, "count", len(messages))
			failed = true
		} else {
			inserted += n
			j.addResult(n, len(messages))
		}
	}

	if len(notifications) > 0 {
		n, err := j.store.InsertNotifications(ctx, notifications)
		if err != nil {
			j.logger.Error("notification batch insert failed", "error", err, "count", len(notifications))
			failed = true
		} else {
			inserted += n
			j.addResult(n, len(notifications))
		}
	}

	j.mu.Lock()
	j.metrics.Flushes++
	if failed {
		j.metrics.Errors++
	}
	j.mu.Unlock()

	j.logger.Debug("flushed journal",
		"messages", len(messages),
		"notifications", len(notifications),
		"inserted", inserted,
		"duration", time.Since(start),
	)
}

func (j *Journal) addResult(inserted, total int) {
	j.mu.Lock()
	j.metrics.Inserts += int64(inserted)
	j.metrics.Conflicts += int64(total - inserted)
	j.mu.Unlock()
}

// messageRow converts a chat event. Messages without a server id get a
// random one, so they are archived but cannot be deduplicated.
func messageRow(e *protocol.ChatMessage, receivedAt time.Time) MessageRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	kind := e.MessageType
	if kind == "" {
		kind = "text"
	}
	return MessageRow{
		ID:         id,
		RoomID:     e.RoomID,
		UserID:     e.UserID,
		UserName:   e.UserName,
		Body:       e.Message,
		Type:       kind,
		SentAt:     e.Timestamp.Time,
		ReceivedAt: receivedAt,
	}
}

func notificationRow(e *protocol.NotificationReceived, receivedAt time.Time) NotificationRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	return NotificationRow{
		ID:         id,
		Type:       e.Type,
		FromUserID: e.FromUser.UserID,
		FromName:   e.FromUser.UserName,
		Message:    e.Message,
		Data:       e.Data,
		SentAt:     e.Timestamp.Time,
		ReceivedAt: receivedAt,
	}
}
