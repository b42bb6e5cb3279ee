package connection

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

// Errors
var (
	ErrCapacityExceeded     = errors.New("connection capacity exceeded")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidSession       = errors.New("invalid session id")
	ErrNotConnected         = errors.New("not connected")
	ErrReconnecting         = errors.New("session is reconnecting")
	ErrNotReconnecting      = errors.New("session is not reconnecting")
	ErrTransportClosed      = errors.New("transport closed")
	ErrAlreadyStarted       = errors.New("registry already started")
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transport is the outbound half of a client connection.
type Transport interface {
	// Send writes one framed message.
	Send(ctx context.Context, data []byte) error

	// Ping sends a liveness check.
	Ping(ctx context.Context) error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error

	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// Config configures the registry.
type Config struct {
	MaxConnections int
	RequireAuth    bool

	HeartbeatInterval time.Duration // sweep period
	ConnectionTimeout time.Duration // silence after which a Connected session is dropped
	PingTimeout       time.Duration // per ping attempt
	PingRetries       int           // extra attempts after the first ping fails
	SweepConcurrency  int           // concurrent pings per sweep

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	SentHistorySize  int
	ErrorHistorySize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       10000,
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    90 * time.Second,
		PingTimeout:          5 * time.Second,
		PingRetries:          2,
		SweepConcurrency:     64,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		SentHistorySize:      100,
		ErrorHistorySize:     50,
	}
}

// SentMessage records one outbound message for diagnostics.
type SentMessage struct {
	Type string    `json:"type,omitempty"`
	Size int       `json:"size"`
	At   time.Time `json:"at"`
}

// ErrorEntry records one connection error for diagnostics.
type ErrorEntry struct {
	Operation string    `json:"operation"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Info is a point-in-time view of a connection.
type Info struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id,omitempty"`
	State             State     `json:"state"`
	RemoteAddr        string    `json:"remote_addr,omitempty"`
	ConnectedAt       time.Time `json:"connected_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Subscriptions     []string  `json:"subscriptions"`
	MessagesSent      int64     `json:"messages_sent"`
	Errors            int64     `json:"errors"`
}

// Stats are registry counters.
type Stats struct {
	Total        int            `json:"total"`
	Connected    int            `json:"connected"`
	Reconnecting int            `json:"reconnecting"`
	Users        int            `json:"users"`
	PerUser      map[string]int `json:"per_user"`
	Capacity     int            `json:"capacity"`

	Accepted     int64 `json:"accepted"`
	Replaced     int64 `json:"replaced"`
	Resumed      int64 `json:"resumed"`
	Disconnected int64 `json:"disconnected"`
	TimedOut     int64 `json:"timed_out"`
	Failed       int64 `json:"failed"`
	Rejected     int64 `json:"rejected"`
}

// ErrorReporter receives connection failures and successful pings, which
// reset the heartbeat breaker. *errhandler.Handler satisfies it.
type ErrorReporter interface {
	Handle(ctx context.Context, err error, ec errhandler.ErrorContext, operation string) errhandler.Record
	RecordSuccess(operation string)
}

// Recorder observes registry events, typically for metrics.
type Recorder interface {
	ConnectionEvent(event string)
}

// Registry events passed to Recorder.
const (
	EventConnected        = "connected"
	EventReplaced         = "replaced"
	EventResumed          = "resumed"
	EventDisconnected     = "disconnected"
	EventTimedOut         = "timed_out"
	EventReconnecting     = "reconnecting"
	EventFailed           = "failed"
	EventRejectedCapacity = "rejected_capacity"
	EventRejectedAuth     = "rejected_auth"
	EventPingFailed       = "ping_failed"
)

type nopReporter struct{}

func (nopReporter) Handle(_ context.Context, _ error, ec errhandler.ErrorContext, op string) errhandler.Record {
	return errhandler.Record{Operation: op, Context: ec}
}

func (nopReporter) RecordSuccess(string) {}

type nopRecorder struct{}

func (nopRecorder) ConnectionEvent(string) {}
