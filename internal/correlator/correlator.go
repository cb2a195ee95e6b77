package correlator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rickgao/tripsync/internal/protocol"
)

// Errors
var (
	ErrTimeout          = errors.New("request timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// Sender writes one encoded frame to the live channel.
type Sender interface {
	Send(data []byte) error
}

// Request describes one acknowledged call.
type Request struct {
	Action  protocol.Action
	Payload interface{}
	Timeout time.Duration
	Key     string
	Subject string
	Epoch   uint64
}

// Stats provides statistics about the correlator.
type Stats struct {
	Pending   int
	Issued    int64
	Resolved  int64
	TimedOut  int64
	Rejected  int64 // Rejected by RejectAll
	Unmatched int64 // Responses that matched no pending call
}

// Correlator tracks outstanding acknowledged calls.
type Correlator struct {
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
	seq     uint64

	// Stats
	issued    int64
	resolved  int64
	timedOut  int64
	rejected  int64
	unmatched int64
}

// New creates a Correlator writing frames through sender.
func New(sender Sender, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Correlator{
		sender:  sender,
		logger:  logger.With("component", "correlator"),
		pending: make(map[string]*Pending),
	}
}

// Call registers a pending request, sends its frame with a fresh token and
// returns the deferred outcome. If the frame cannot be sent the request is
// withdrawn and the send error returned.
func (c *Correlator) Call(req Request) (*Pending, error) {
	token := uuid.NewString()

	data, err := protocol.Encode(req.Action, token, req.Payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.seq++
	p := newPending(token, req, c.seq)
	c.pending[token] = p
	c.issued++
	if req.Timeout > 0 {
		p.timer = time.AfterFunc(req.Timeout, func() { c.expire(token, req.Timeout) })
	}
	c.mu.Unlock()

	if err := c.sender.Send(data); err != nil {
		c.mu.Lock()
		delete(c.pending, token)
		c.issued--
		c.mu.Unlock()
		p.Reject(err)
		return nil, fmt.Errorf("send %s: %w", req.Action, err)
	}

	c.logger.Debug("request sent", "action", req.Action, "token", token)
	return p, nil
}

// Notify sends a fire-and-forget frame without a token.
func (c *Correlator) Notify(action protocol.Action, payload interface{}) error {
	data, err := protocol.Encode(action, "", payload)
	if err != nil {
		return err
	}
	if err := c.sender.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	return nil
}

// Match finds and withdraws the pending call answered by ev: by echoed
// token first, then by match key, and for an error carrying neither, the
// oldest keyed call. The caller settles the returned call.
// A nil result means ev answers nothing outstanding.
func (c *Correlator) Match(ev protocol.Event, env protocol.Envelope) *Pending {
	if env.RequestID != "" {
		if p := c.take(env.RequestID); p != nil {
			return p
		}
	}

	key := ""
	if m, ok := ev.(protocol.Matcher); ok {
		key = m.MatchKey()
		if key != "" {
			if p := c.takeKey(key); p != nil {
				return p
			}
		}
	}

	// A bare error names neither token nor action; it answers the oldest
	// keyed call still waiting.
	if _, bare := ev.(*protocol.ErrorEvent); bare && env.RequestID == "" && key == "" {
		if p := c.takeOldestKeyed(); p != nil {
			c.logger.Debug("bare error settles oldest call", "action", p.Action, "token", p.Token)
			return p
		}
	}

	// Only count frames that were plausibly responses
	if env.RequestID != "" || ev.Category() == protocol.CategoryAck {
		c.mu.Lock()
		c.unmatched++
		c.mu.Unlock()
		c.logger.Debug("discarding unmatched response", "type", env.Type, "token", env.RequestID)
	}
	return nil
}

// RejectAll settles every outstanding call with err (ErrConnectionClosed
// when nil).
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	return c.reject(pending, err)
}

// RejectEpoch settles the calls issued on session epoch or earlier,
// leaving calls made on a newer channel outstanding.
func (c *Correlator) RejectEpoch(epoch uint64, err error) int {
	c.mu.Lock()
	pending := make(map[string]*Pending)
	for token, p := range c.pending {
		if p.Epoch <= epoch {
			pending[token] = p
			delete(c.pending, token)
		}
	}
	c.mu.Unlock()

	return c.reject(pending, err)
}

func (c *Correlator) reject(pending map[string]*Pending, err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}

	c.mu.Lock()
	c.rejected += int64(len(pending))
	c.mu.Unlock()

	for _, p := range pending {
		p.Reject(err)
	}
	if len(pending) > 0 {
		c.logger.Info("rejected pending requests", "count", len(pending), "reason", err)
	}
	return len(pending)
}

// Len returns the number of outstanding calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns current statistics.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:   len(c.pending),
		Issued:    c.issued,
		Resolved:  c.resolved,
		TimedOut:  c.timedOut,
		Rejected:  c.rejected,
		Unmatched: c.unmatched,
	}
}

func (c *Correlator) take(token string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[token]
	if !ok {
		return nil
	}
	c.withdrawLocked(p)
	return p
}

// takeKey withdraws the oldest call registered under key. A key without a
// subject ("leave_room") also matches subject-qualified keys
// ("leave_room:r1"), for servers whose results omit the room.
func (c *Correlator) takeKey(key string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest *Pending
	loose := !strings.Contains(key, ":")
	for _, p := range c.pending {
		if p.Key == "" {
			continue
		}
		if p.Key != key && !(loose && strings.HasPrefix(p.Key, key+":")) {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}
	c.withdrawLocked(oldest)
	return oldest
}

// takeOldestKeyed withdraws the oldest call that carries a match key.
func (c *Correlator) takeOldestKeyed() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest *Pending
	for _, p := range c.pending {
		if p.Key == "" {
			continue
		}
		if oldest == nil || p.seq < oldest.seq {
			oldest = p
		}
	}
	if oldest == nil {
		return nil
	}
	c.withdrawLocked(oldest)
	return oldest
}

// withdrawLocked removes p from the table as answered.
// Must be called with c.mu held.
func (c *Correlator) withdrawLocked(p *Pending) {
	delete(c.pending, p.Token)
	c.resolved++
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (c *Correlator) expire(token string, after time.Duration) {
	c.mu.Lock()
	p, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
		c.timedOut++
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.logger.Warn("request timed out", "action", p.Action, "token", token, "timeout", after)
	p.Reject(fmt.Errorf("%w: %s after %v", ErrTimeout, p.Action, after))
}
