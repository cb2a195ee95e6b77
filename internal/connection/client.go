package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one dialed channel to the collaboration server. It is never
// redialed; the Manager replaces it with a fresh Client after a drop.
type Client interface {
	// Connect dials the server with the configured credentials.
	Connect(ctx context.Context) error

	// Close sends a normal close frame and releases the socket.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages yields inbound frames in arrival order, stamped on read.
	Messages() <-chan TimestampedMessage

	// Errors yields at most one error: the reason the channel ended.
	Errors() <-chan error

	// IsConnected reports whether frames can still be sent.
	IsConnected() bool
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	lastSeenAt time.Time
	closed     bool
}

// NewClient creates an undialed client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the server and starts the read and heartbeat loops.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	target, err := dialURL(c.cfg.URL, c.cfg.Credentials)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastSeenAt = time.Now()
	c.mu.Unlock()

	// Any control traffic from the server counts as liveness
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "user_id", c.cfg.Credentials.UserID)

	return nil
}

// Close is idempotent. A Close initiated here is not reported on Errors.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		return conn.Close()
	}

	return nil
}

// Send writes one text frame under the write deadline.
func (c *client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage {
	return c.messages
}

func (c *client) Errors() <-chan error {
	return c.errors
}

func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// fail reports the error that ended the channel, once.
func (c *client) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
}

// readLoop hands every frame to Messages before it reports the read error
// that ends the channel, so a consumer that drains Messages after Errors
// fires has seen everything the server sent.
func (c *client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Our own Close is not a failure
			select {
			case <-c.done:
			default:
				c.fail(err)
			}
			return
		}

		msg := TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop pings the server and fails the channel when no ping or pong
// has been seen for PingTimeout.
func (c *client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			wait := c.cfg.WriteTimeout
			if wait <= 0 {
				wait = time.Second
			}
			c.writeMu.Lock()
			deadline := time.Now().Add(wait)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			c.writeMu.Unlock()

			c.mu.RLock()
			lastSeen := c.lastSeenAt
			c.mu.RUnlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastSeen) > c.cfg.PingTimeout {
				c.logger.Warn("server silent, failing channel",
					"last_seen", lastSeen,
					"timeout", c.cfg.PingTimeout,
				)
				c.fail(ErrStaleConnection)
				c.conn.Close()
				return
			}
		}
	}
}

// dialURL appends the credentials to the server URL as query parameters.
func dialURL(raw string, creds Credentials) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	if creds.UserID == "" {
		return u.String(), nil
	}

	q := u.Query()
	q.Set("user_id", creds.UserID)
	if creds.DisplayName != "" {
		q.Set("user_name", creds.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
