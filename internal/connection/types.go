package connection

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrServerClosed    = errors.New("server closed the session")
	ErrReconnectFailed = errors.New("reconnection failed")
)

// State is the Connection Manager lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Credentials identify the local user to the server at connect time.
type Credentials struct {
	UserID      string
	DisplayName string
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Frame is an inbound message tagged with the channel session it arrived on.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
	Session    uint64
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	Old     State
	New     State
	Err     error  // Cause of the transition, if any
	Attempt int    // Reconnect attempt counter at the time of the transition
	Session uint64 // Channel session current at the time of the transition
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://collab.example.com/ws)
	Credentials      Credentials   // Sent as user_id / user_name query parameters
	HandshakeTimeout time.Duration // Max time for the opening handshake
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	BufferSize           int
	ReconnectBaseWait    time.Duration // Delay before the first reconnect attempt
	ReconnectMaxWait     time.Duration // Upper bound on the reconnect delay
	MaxReconnectAttempts int           // Attempts before giving up (0 = unlimited)

	// TerminalCloseCodes are close codes meaning the server deliberately
	// ended the session. They move the manager to Closed without reconnecting.
	TerminalCloseCodes []int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         30 * time.Second,
		PingTimeout:          60 * time.Second,
		WriteTimeout:         5 * time.Second,
		BufferSize:           256,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 10,
		TerminalCloseCodes: []int{
			websocket.CloseNormalClosure,
			websocket.ClosePolicyViolation,
		},
	}
}

// clientConfig derives the per-channel client settings.
func (c ManagerConfig) clientConfig(creds Credentials) ClientConfig {
	return ClientConfig{
		URL:              c.URL,
		Credentials:      creds,
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		PingTimeout:      c.PingTimeout,
		WriteTimeout:     c.WriteTimeout,
		BufferSize:       c.BufferSize,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State          State
	Attempt        int
	Session        uint64
	Connects       int64 // Successful channel establishments
	Drops          int64 // Channels lost without a local Disconnect
	FramesReceived int64
	LastError      error
}
