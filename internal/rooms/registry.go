package rooms

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type room struct {
	id        string
	name      string
	members   []Member
	history   *window[Message]
	createdAt time.Time
}

func (r *room) snapshot() Room {
	members := make([]Member, len(r.members))
	copy(members, r.members)
	return Room{
		ID:        r.id,
		Name:      r.name,
		Members:   members,
		History:   r.history.items(),
		CreatedAt: r.createdAt,
	}
}

func (r *room) memberIndex(userID string) int {
	for i, m := range r.members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}

// Registry tracks joined rooms. Operations on different rooms are
// independent; all methods are safe for concurrent use.
type Registry struct {
	limit  int
	logger *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]*room
	catalog []Summary

	// Stats
	recorded int64
	evicted  int64
	dropped  int64
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	return &Registry{
		limit:  cfg.HistoryLimit,
		logger: logger.With("component", "rooms"),
		rooms:  make(map[string]*room),
	}
}

// Join creates or overwrites the entry for id, seeding roster and history
// from the server's join payload. A history longer than the window keeps
// its newest entries.
func (r *Registry) Join(id, name string, members []Member, history []Message) Room {
	rm := &room{
		id:        id,
		name:      name,
		history:   newWindow[Message](r.limit),
		createdAt: time.Now(),
	}
	for _, m := range members {
		if rm.memberIndex(m.UserID) < 0 {
			rm.members = append(rm.members, m)
		}
	}
	for _, msg := range history {
		rm.history.push(msg)
	}

	r.mu.Lock()
	if prev, ok := r.rooms[id]; ok {
		rm.createdAt = prev.createdAt
		if name == "" {
			rm.name = prev.name
		}
	}
	r.rooms[id] = rm
	snap := rm.snapshot()
	r.mu.Unlock()

	r.logger.Debug("room joined", "room_id", id, "members", len(members), "history", len(snap.History))
	return snap
}

// Create adds an entry for a newly created room whose only member is
// creator. An existing entry is left untouched.
func (r *Registry) Create(id, name string, creator Member, createdAt time.Time) (Room, bool) {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.rooms[id]; ok {
		return rm.snapshot(), false
	}

	rm := &room{
		id:        id,
		name:      name,
		members:   []Member{creator},
		history:   newWindow[Message](r.limit),
		createdAt: createdAt,
	}
	r.rooms[id] = rm
	r.upsertCatalogLocked(Summary{ID: id, Name: name, MemberCount: 1, CreatedAt: createdAt})
	return rm.snapshot(), true
}

// Leave removes the entry for id. Returns false if it was not joined.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; !ok {
		return false
	}
	delete(r.rooms, id)
	return true
}

// RecordMessage appends msg to its room's history, evicting the oldest
// entry past the window. Messages for rooms not joined are dropped.
func (r *Registry) RecordMessage(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[msg.RoomID]
	if !ok {
		r.dropped++
		return false
	}
	if rm.history.push(msg) {
		r.evicted++
	}
	r.recorded++
	return true
}

// AddMember appends m to the roster, or refreshes its display name if the
// user is already present (keeping the original join position).
func (r *Registry) AddMember(roomID string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if i := rm.memberIndex(m.UserID); i >= 0 {
		if m.UserName != "" {
			rm.members[i].UserName = m.UserName
		}
		return true
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	rm.members = append(rm.members, m)
	return true
}

// RemoveMember drops userID from the roster.
func (r *Registry) RemoveMember(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	i := rm.memberIndex(userID)
	if i < 0 {
		return false
	}
	rm.members = append(rm.members[:i], rm.members[i+1:]...)
	return true
}

// Get returns a copy of the room entry.
func (r *Registry) Get(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return rm.snapshot(), true
}

// Joined returns the ids of all joined rooms, sorted.
func (r *Registry) Joined() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roster returns the members of a joined room in join order.
func (r *Registry) Roster(id string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	out := make([]Member, len(rm.members))
	copy(out, rm.members)
	return out
}

// History returns a joined room's history, oldest first.
func (r *Registry) History(id string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[id]
	if !ok {
		return nil
	}
	return rm.history.items()
}

// SetCatalog replaces the cached catalog.
func (r *Registry) SetCatalog(rooms []Summary) {
	catalog := make([]Summary, len(rooms))
	copy(catalog, rooms)

	r.mu.Lock()
	r.catalog = catalog
	r.mu.Unlock()
}

// UpsertCatalog adds or replaces one catalog entry.
func (r *Registry) UpsertCatalog(s Summary) {
	r.mu.Lock()
	r.upsertCatalogLocked(s)
	r.mu.Unlock()
}

func (r *Registry) upsertCatalogLocked(s Summary) {
	for i := range r.catalog {
		if r.catalog[i].ID == s.ID {
			r.catalog[i] = s
			return
		}
	}
	r.catalog = append(r.catalog, s)
}

// List returns the last known catalog. It is a cache of what the server
// last pushed, not a live query.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Clear drops every joined room. The catalog is kept.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.rooms)
	r.rooms = make(map[string]*room)
	return n
}

// Len returns the number of joined rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Stats returns current statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Rooms:            len(r.rooms),
		CatalogSize:      len(r.catalog),
		MessagesRecorded: r.recorded,
		MessagesEvicted:  r.evicted,
		MessagesDropped:  r.dropped,
	}
}
