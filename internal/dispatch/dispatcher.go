package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/tripsync/internal/protocol"
)

// CategoryAll subscribes to every known category.
const CategoryAll protocol.Category = "*"

// HandlerFunc receives one event.
type HandlerFunc func(ev protocol.Event)

// Stats provides statistics about the dispatcher.
type Stats struct {
	Subscriptions int
	Published     int64
	Delivered     int64
	Unknown       int64 // Unknown events dropped
	Panics        int64 // Handler panics recovered
}

type subscription struct {
	id     uint64
	fn     HandlerFunc
	active atomic.Bool
}

// Dispatcher is a typed publish/subscribe fan-out.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[protocol.Category][]*subscription
	nextID uint64

	// Stats
	published int64
	delivered int64
	unknown   int64
	panics    int64
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		logger: logger.With("component", "dispatch"),
		subs:   make(map[protocol.Category][]*subscription),
	}
}

// Subscribe registers fn for category and returns a function that removes
// it. Handlers for one category run in registration order, followed by
// CategoryAll handlers. The returned function is idempotent and safe to call
// at any time, including from inside a handler.
func (d *Dispatcher) Subscribe(category protocol.Category, fn HandlerFunc) func() {
	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, fn: fn}
	sub.active.Store(true)
	d.subs[category] = append(d.subs[category], sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(category, sub) })
	}
}

func (d *Dispatcher) remove(category protocol.Category, sub *subscription) {
	sub.active.Store(false)

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[category]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		// Copy so an in-flight Publish keeps its own snapshot
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, category)
		} else {
			d.subs[category] = next
		}
		return
	}
}

// Publish delivers ev to its subscribers and returns how many ran.
// Unknown events are dropped.
func (d *Dispatcher) Publish(ev protocol.Event) int {
	if ev == nil {
		return 0
	}

	category := ev.Category()
	atomic.AddInt64(&d.published, 1)

	if u, ok := ev.(*protocol.Unknown); ok || category == protocol.CategoryUnknown {
		atomic.AddInt64(&d.unknown, 1)
		typ := string(category)
		if u != nil {
			typ = u.Type
		}
		d.logger.Warn("dropping unknown event", "type", typ)
		return 0
	}

	d.mu.RLock()
	subs := append(append([]*subscription(nil), d.subs[category]...), d.subs[CategoryAll]...)
	d.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if d.invoke(sub, ev) {
			delivered++
		}
	}

	atomic.AddInt64(&d.delivered, int64(delivered))
	return delivered
}

// invoke runs one handler; a panicking handler does not stop the others.
func (d *Dispatcher) invoke(sub *subscription, ev protocol.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.panics, 1)
			d.logger.Error("event handler panicked", "category", ev.Category(), "panic", r)
			ok = false
		}
	}()

	sub.fn(ev)
	return true
}

// Len returns the number of handlers registered for category.
func (d *Dispatcher) Len(category protocol.Category) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[category])
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	d.mu.RUnlock()

	return Stats{
		Subscriptions: n,
		Published:     atomic.LoadInt64(&d.published),
		Delivered:     atomic.LoadInt64(&d.delivered),
		Unknown:       atomic.LoadInt64(&d.unknown),
		Panics:        atomic.LoadInt64(&d.panics),
	}
}
