package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/tripsync/internal/connection"
	"github.com/rickgao/tripsync/internal/correlator"
	"github.com/rickgao/tripsync/internal/dispatch"
	"github.com/rickgao/tripsync/internal/presence"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/rooms"
)

// typingTimer is one pending automatic typing stop.
type typingTimer struct {
	timer *time.Timer
}

// Client is the collaboration facade.
type Client struct {
	cfg    Config
	logger *slog.Logger

	manager  *connection.Manager
	calls    *correlator.Correlator
	rooms    *rooms.Registry
	presence *presence.Tracker
	events   *dispatch.Dispatcher
	flight   singleflight.Group

	// mu orders frame application against teardown, so a frame from a
	// channel that is being torn down cannot repopulate cleared state.
	mu       sync.Mutex
	live     uint64              // Session of the last delivered Connected transition, 0 while down
	rejoin   map[string]struct{} // Rooms to re-join after a reconnect
	creating map[string]struct{} // Fire-and-forget creates awaiting room_created

	timerMu sync.Mutex
	typing  map[string]*typingTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	statsMu   sync.Mutex
	frames    int64
	stale     int64
	malformed int64
}

// New creates a Client. Nothing is dialed until Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}

	c := &Client{
		cfg:      cfg,
		logger:   logger.With("component", "collab"),
		rooms:    rooms.NewRegistry(rooms.Config{HistoryLimit: cfg.HistoryLimit}, logger),
		presence: presence.NewTracker(presence.Config{TypingExpiry: cfg.TypingExpiry}, logger),
		events:   dispatch.New(logger),
		rejoin:   make(map[string]struct{}),
		creating: make(map[string]struct{}),
		typing:   make(map[string]*typingTimer),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.manager = connection.NewManager(cfg.Manager, c, logger.With("component", "connection"))
	c.calls = correlator.New(c.manager, logger)
	return c
}

// Connect opens the channel with the given identity. It is a no-op while a
// connection is already being made or is live.
func (c *Client) Connect(ctx context.Context, creds connection.Credentials) error {
	if creds.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return c.manager.Connect(ctx, creds)
}

// Disconnect closes the channel, cancels pending reconnects and typing
// timers, clears all local state and rejects outstanding calls.
func (c *Client) Disconnect() error {
	err := c.manager.Disconnect()

	c.mu.Lock()
	c.resetLocked()
	c.rejoin = make(map[string]struct{})
	c.mu.Unlock()

	c.stopTypingTimers()
	c.calls.RejectAll(correlator.ErrConnectionClosed)
	return err
}

// Close disconnects and releases the client. It cannot be reused.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.manager.Close()
	c.cancel()
	c.wg.Wait()
	return err
}

// Subscribe registers fn for events of category and returns its
// unsubscribe function. Handlers run one at a time in arrival order and
// may call back into the Client.
func (c *Client) Subscribe(category protocol.Category, fn dispatch.HandlerFunc) func() {
	return c.events.Subscribe(category, fn)
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.manager.State()
}

// Status returns the connection state with its last error.
func (c *Client) Status() Status {
	ms := c.manager.Stats()
	return Status{
		State:     ms.State,
		LastError: ms.LastError,
		Attempt:   ms.Attempt,
		Session:   ms.Session,
		Rooms:     c.rooms.Len(),
		Pending:   c.calls.Len(),
	}
}

// Room returns a copy of a joined room.
func (c *Client) Room(roomID string) (rooms.Room, bool) {
	return c.rooms.Get(roomID)
}

// JoinedRooms returns the ids of joined rooms, sorted.
func (c *Client) JoinedRooms() []string {
	return c.rooms.Joined()
}

// Roster returns the members of a joined room in join order.
func (c *Client) Roster(roomID string) []rooms.Member {
	return c.rooms.Roster(roomID)
}

// History returns a joined room's recent history, oldest first.
func (c *Client) History(roomID string) []rooms.Message {
	return c.rooms.History(roomID)
}

// Rooms returns the cached room catalog.
func (c *Client) Rooms() []rooms.Summary {
	return c.rooms.List()
}

// TypingUsers returns who is typing in a room right now.
func (c *Client) TypingUsers(roomID string) []presence.TypingSignal {
	return c.presence.TypingUsers(roomID)
}

// Collaborators returns who is present in a room.
func (c *Client) Collaborators(roomID string) []presence.Collaborator {
	return c.presence.Collaborators(roomID)
}

// Stats returns current statistics.
func (c *Client) Stats() Stats {
	c.statsMu.Lock()
	frames, stale, malformed := c.frames, c.stale, c.malformed
	c.statsMu.Unlock()

	return Stats{
		Connection: c.manager.Stats(),
		Requests:   c.calls.Stats(),
		Rooms:      c.rooms.Stats(),
		Events:     c.events.Stats(),
		Frames:     frames,
		Stale:      stale,
		Malformed:  malformed,
	}
}

// ready fails fast unless the channel can carry a frame.
func (c *Client) ready() error {
	if state := c.manager.State(); state != connection.StateConnected {
		return fmt.Errorf("%w (state %s)", connection.ErrNotConnected, state)
	}
	return nil
}

// resetLocked drops every piece of per-connection state.
// Must be called with c.mu held.
func (c *Client) resetLocked() {
	c.rooms.Clear()
	c.presence.Clear()
	c.creating = make(map[string]struct{})
}

func (c *Client) stopTypingTimers() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	for roomID, t := range c.typing {
		t.timer.Stop()
		delete(c.typing, roomID)
	}
}

// rejoinRooms re-joins rooms held before a reconnect.
func (c *Client) rejoinRooms(ids []string) {
	defer c.wg.Done()

	sort.Strings(ids)
	for _, id := range ids {
		if c.ctx.Err() != nil {
			return
		}
		if _, err := c.JoinRoom(c.ctx, id); err != nil {
			c.logger.Warn("rejoin failed", "room_id", id, "error", err)
			continue
		}
		c.logger.Info("rejoined room", "room_id", id)
	}
}
