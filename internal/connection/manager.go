package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives everything the Manager produces. All calls are made
// sequentially from a single goroutine, in the order events happened, so a
// Handler never sees two events interleaved. Handlers may call back into the
// Manager.
type Handler interface {
	HandleFrame(frame Frame)
	HandleStateChange(change StateChange)
}

// Dialer builds the Client for one channel lifetime.
type Dialer func(cfg ClientConfig, logger *slog.Logger) Client

// managerEvent is one queued delivery to the Handler.
type managerEvent struct {
	frame  *Frame
	change *StateChange
}

// Manager owns one duplex channel, its lifecycle and its reconnection policy.
type Manager struct {
	cfg     ManagerConfig
	handler Handler
	logger  *slog.Logger
	dial    Dialer

	// Ordered delivery to the handler
	events      *eventQueue[managerEvent]
	deliverOnce sync.Once
	deliverDone chan struct{}

	mu       sync.Mutex
	state    State
	creds    Credentials
	attempt  int
	lastErr  error
	client   Client
	session  uint64
	shutdown bool

	// Lifetime of the current Connect..Disconnect span
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	connects int64
	drops    int64
	frames   int64
}

// NewManager creates a new Connection Manager in the Idle state.
func NewManager(cfg ManagerConfig, handler Handler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		dial:        NewClient,
		events:      newEventQueue[managerEvent](cfg.BufferSize),
		deliverDone: make(chan struct{}),
		state:       StateIdle,
	}
}

// Connect opens the channel. It is a no-op while Connecting, Connected or
// Reconnecting. On failure the manager moves to Disconnected, records the
// error and returns it; no automatic retry is scheduled for a first connect.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	}

	m.deliverOnce.Do(func() { go m.deliverLoop() })

	m.creds = creds
	m.attempt = 0
	m.lastErr = nil
	m.ctx, m.cancel = context.WithCancel(context.Background())
	lifetime := m.ctx
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	// A Disconnect during the handshake aborts the dial.
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(lifetime, cancelDial)
	defer stop()

	if err := m.establish(dialCtx); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.lastErr = err
			m.setStateLocked(StateDisconnected, err)
			m.cancel()
		}
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect is always legal: it cancels any pending reconnect, closes the
// channel if open and moves to Closed.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}

	cancel := m.cancel
	client := m.client
	m.client = nil
	m.setStateLocked(StateClosed, nil)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}

	m.wg.Wait()
	m.logger.Info("connection closed")
	return nil
}

// Close disconnects and stops handler delivery. The Manager cannot be
// reused afterwards. Must not be called from a Handler.
func (m *Manager) Close() error {
	err := m.Disconnect()

	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	m.events.Close()

	// If delivery never started there is nothing to drain.
	m.deliverOnce.Do(func() { close(m.deliverDone) })
	<-m.deliverDone
	return err
}

// Send writes a frame on the live channel.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	client := m.client
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || client == nil {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}
	return client.Send(data)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport or exhaustion error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Credentials returns the credentials of the current or last connection.
func (m *Manager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:          m.state,
		Attempt:        m.attempt,
		Session:        m.session,
		Connects:       m.connects,
		Drops:          m.drops,
		FramesReceived: m.frames,
		LastError:      m.lastErr,
	}
}

// establish dials a fresh client and, if the manager is still Connecting,
// installs it as the live channel.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	client := m.dial(m.cfg.clientConfig(creds), m.logger.With("user_id", creds.UserID))
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateConnecting {
		// Disconnect won the race
		m.mu.Unlock()
		client.Close()
		return ErrAlreadyClosed
	}
	m.client = client
	m.session++
	m.attempt = 0
	m.connects++
	session := m.session
	lifetime := m.ctx
	m.setStateLocked(StateConnected, nil)
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(lifetime, client, session)

	m.logger.Info("connected", "url", m.cfg.URL, "session", session)
	return nil
}

// readLoop forwards frames from one channel until it ends.
func (m *Manager) readLoop(ctx context.Context, client Client, session uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-client.Errors():
			// Deliver whatever arrived before the failure
		drain:
			for {
				select {
				case msg := <-client.Messages():
					m.forward(msg, session)
				default:
					break drain
				}
			}
			m.handleDrop(session, err)
			return

		case msg := <-client.Messages():
			m.forward(msg, session)
		}
	}
}

func (m *Manager) forward(msg TimestampedMessage, session uint64) {
	m.mu.Lock()
	m.frames++
	m.mu.Unlock()

	m.events.Push(managerEvent{frame: &Frame{
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
		Session:    session,
	}})
}

// handleDrop classifies why a channel ended and picks Closed or Reconnecting.
func (m *Manager) handleDrop(session uint64, err error) {
	m.mu.Lock()
	if m.session != session || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	client := m.client
	m.client = nil
	m.drops++
	m.lastErr = err

	if m.isTerminal(err) {
		m.logger.Info("server ended the session", "error", err)
		m.lastErr = fmt.Errorf("%w: %v", ErrServerClosed, err)
		m.setStateLocked(StateClosed, m.lastErr)
		m.cancel()
		m.mu.Unlock()
		client.Close()
		return
	}

	m.logger.Warn("connection lost, reconnecting", "error", err)
	m.setStateLocked(StateReconnecting, err)
	lifetime := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	client.Close()
	go m.reconnectLoop(lifetime)
}

// isTerminal reports whether err means the server deliberately ended the session.
func (m *Manager) isTerminal(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	for _, code := range m.cfg.TerminalCloseCodes {
		if ce.Code == code {
			return true
		}
	}
	return false
}

// reconnectLoop retries with exponential backoff until connected, cancelled
// or out of attempts.
func (m *Manager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		attempt := m.attempt
		m.mu.Unlock()

		if m.cfg.MaxReconnectAttempts > 0 && attempt >= m.cfg.MaxReconnectAttempts {
			m.giveUp(ctx, attempt)
			return
		}

		wait := Backoff(m.cfg.ReconnectBaseWait, m.cfg.ReconnectMaxWait, attempt)
		m.logger.Debug("reconnect scheduled", "attempt", attempt+1, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if ctx.Err() != nil || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.attempt++
		m.setStateLocked(StateConnecting, nil)
		m.mu.Unlock()

		m.logger.Info("attempting reconnection", "attempt", attempt+1)

		err := m.establish(ctx)
		if err == nil {
			m.logger.Info("reconnected", "attempts", attempt+1)
			return
		}

		m.mu.Lock()
		if m.state != StateConnecting {
			m.mu.Unlock()
			return
		}
		m.lastErr = err
		m.setStateLocked(StateReconnecting, err)
		m.mu.Unlock()

		m.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
	}
}

// giveUp moves to Closed once the attempt budget is spent.
func (m *Manager) giveUp(ctx context.Context, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil || m.state != StateReconnecting {
		return
	}

	m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrReconnectFailed, attempts, m.lastErr)
	m.logger.Error("giving up on reconnection", "attempts", attempts, "error", m.lastErr)
	m.setStateLocked(StateClosed, m.lastErr)
	m.cancel()
}

// setStateLocked records a transition and queues it for the handler.
// Must be called with m.mu held.
func (m *Manager) setStateLocked(next State, err error) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.events.Push(managerEvent{change: &StateChange{
		Old:     prev,
		New:     next,
		Err:     err,
		Attempt: m.attempt,
		Session: m.session,
	}})
}

// deliverLoop hands queued events to the handler, one at a time.
func (m *Manager) deliverLoop() {
	defer close(m.deliverDone)

	for {
		ev, ok := m.events.Pop()
		if !ok {
			return
		}
		if m.handler == nil {
			continue
		}
		switch {
		case ev.frame != nil:
			m.handler.HandleFrame(*ev.frame)
		case ev.change != nil:
			m.handler.HandleStateChange(*ev.change)
		}
	}
}
