package correlator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rickgao/tripsync/internal/protocol"
)

// Pending is the deferred outcome of one acknowledged call.
type Pending struct {
	Token   string
	Action  protocol.Action
	Key     string // Match key for responses that do not echo the token
	Subject string // Room or user the call concerns
	Epoch   uint64 // Channel session the call was issued on
	Issued  time.Time

	seq   uint64
	timer *time.Timer

	once  sync.Once
	done  chan struct{}
	event protocol.Event
	err   error
}

func newPending(token string, req Request, seq uint64) *Pending {
	return &Pending{
		Token:   token,
		Action:  req.Action,
		Key:     req.Key,
		Subject: req.Subject,
		Epoch:   req.Epoch,
		Issued:  time.Now(),
		seq:     seq,
		done:    make(chan struct{}),
	}
}

// Resolve settles the call from its response event. Events that report a
// failure (error, action_result or ack with success=false) reject it with
// a *protocol.Error.
func (p *Pending) Resolve(ev protocol.Event) bool {
	if err := protocol.Failure(ev); err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Action == "" {
			perr.Action = string(p.Action)
		}
		return p.settle(ev, err)
	}
	return p.settle(ev, nil)
}

// Reject settles the call with err.
func (p *Pending) Reject(err error) bool {
	return p.settle(nil, err)
}

// settle records the outcome. Only the first call has any effect.
func (p *Pending) settle(ev protocol.Event, err error) bool {
	settled := false
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.event = ev
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the call is settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. Only valid after Done is closed.
func (p *Pending) Result() (protocol.Event, error) {
	return p.event, p.err
}

// Wait blocks until the call settles or ctx is done. Abandoning the wait
// does not cancel the call; it still settles by response or timeout.
func (p *Pending) Wait(ctx context.Context) (protocol.Event, error) {
	select {
	case <-p.done:
		return p.event, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
