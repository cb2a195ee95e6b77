package collab

import (
	"errors"
	"time"

	"github.com/rickgao/tripsync/internal/config"
	"github.com/rickgao/tripsync/internal/connection"
	"github.com/rickgao/tripsync/internal/correlator"
	"github.com/rickgao/tripsync/internal/dispatch"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/rooms"
)

// Errors
var (
	ErrNotJoined    = errors.New("room not joined")
	ErrInvalidInput = errors.New("invalid input")
)

// Config configures a Client.
type Config struct {
	Dialect           config.Dialect
	Manager           connection.ManagerConfig
	AckTimeout        time.Duration
	HistoryLimit      int
	TypingExpiry      time.Duration
	RejoinOnReconnect bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dialect:           config.DialectAction,
		Manager:           connection.DefaultManagerConfig(),
		AckTimeout:        5 * time.Second,
		HistoryLimit:      rooms.DefaultHistoryLimit,
		TypingExpiry:      3 * time.Second,
		RejoinOnReconnect: true,
	}
}

// ConfigFrom maps the file configuration onto a Client Config.
func ConfigFrom(cfg *config.ClientConfig) Config {
	mgr := connection.DefaultManagerConfig()
	mgr.URL = cfg.Server.URL
	mgr.HandshakeTimeout = cfg.Server.HandshakeTimeout
	mgr.PingInterval = cfg.Connection.PingInterval
	mgr.PingTimeout = cfg.Connection.PingTimeout
	mgr.WriteTimeout = cfg.Connection.WriteTimeout
	mgr.BufferSize = cfg.Connection.BufferSize
	mgr.ReconnectBaseWait = cfg.Connection.ReconnectBaseDelay
	mgr.ReconnectMaxWait = cfg.Connection.ReconnectMaxDelay
	mgr.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts

	return Config{
		Dialect:           cfg.Server.Dialect,
		Manager:           mgr,
		AckTimeout:        cfg.Requests.AckTimeout,
		HistoryLimit:      cfg.Rooms.HistoryLimit,
		TypingExpiry:      cfg.Typing.Expiry,
		RejoinOnReconnect: cfg.Rooms.ShouldRejoin(),
	}
}

// Credentials returns the identity section as connection credentials.
func Credentials(cfg *config.ClientConfig) connection.Credentials {
	return connection.Credentials{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
	}
}

// StateChanged is published on every connection lifecycle transition.
type StateChanged struct {
	Old     connection.State
	New     connection.State
	Err     error
	Attempt int
}

func (e *StateChanged) Category() protocol.Category { return protocol.CategoryStateChanged }

// ReconnectFailed is published once when the reconnect budget is spent.
type ReconnectFailed struct {
	Attempts int
	Err      error
}

func (e *ReconnectFailed) Category() protocol.Category { return protocol.CategoryReconnectFailed }

// Status is what a UI needs to render a truthful connectivity indicator.
type Status struct {
	State     connection.State
	LastError error
	Attempt   int
	Session   uint64
	Rooms     int
	Pending   int
}

// Stats aggregates component statistics.
type Stats struct {
	Connection connection.ManagerStats
	Requests   correlator.Stats
	Rooms      rooms.Stats
	Events     dispatch.Stats
	Frames     int64
	Stale      int64 // Frames from a channel that was no longer current
	Malformed  int64
}
