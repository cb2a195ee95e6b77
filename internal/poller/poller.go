package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Refresher requests a catalog broadcast from the server.
type Refresher interface {
	RefreshRooms() error
}

// RefresherFunc is a function adapter for Refresher.
type RefresherFunc func() error

func (f RefresherFunc) RefreshRooms() error {
	return f()
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Refresh interval (default: 1m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// Stats holds poller counters.
type Stats struct {
	Requests int64
	Skipped  int64 // Ticks where the client could not send
	Errors   int64
}

// Poller periodically requests the room catalog.
type Poller struct {
	cfg    Config
	target Refresher
	skip   func(error) bool
	logger *slog.Logger

	requests atomic.Int64
	skipped  atomic.Int64
	errors   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. Errors matching one of skipOn are counted as
// skipped ticks rather than failures, typically "not connected".
func New(cfg Config, target Refresher, logger *slog.Logger, skipOn ...error) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Poller{
		cfg:    cfg,
		target: target,
		logger: logger.With("component", "poller"),
		skip: func(err error) bool {
			for _, s := range skipOn {
				if errors.Is(err, s) {
					return true
				}
			}
			return false
		},
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("catalog poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("catalog poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Requests: p.requests.Load(),
		Skipped:  p.skipped.Load(),
		Errors:   p.errors.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	err := p.target.RefreshRooms()
	switch {
	case err == nil:
		p.requests.Add(1)
	case p.skip(err):
		p.skipped.Add(1)
		p.logger.Debug("catalog refresh skipped", "err", err)
	default:
		p.errors.Add(1)
		p.logger.Warn("catalog refresh failed", "err", err)
	}
}
