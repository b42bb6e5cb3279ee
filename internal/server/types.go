package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/health"
	"github.com/rickgao/realtime-core/internal/processor"
)

// Control message types handled by the server itself.
const (
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeAccepted     = "accepted"
	TypeResult       = "result"
	TypeError        = "error"
)

// Error codes carried in error replies.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidPriority = "invalid_priority"
	CodeQueueFull       = "queue_full"
	CodeUnavailable     = "unavailable"
	CodeSubscribeFailed = "subscribe_failed"
)

// CloseUnauthorized is the close code sent when authentication fails.
const CloseUnauthorized = 4001

// Config holds server configuration.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration // per WebSocket frame
	ReadLimit         int64         // max inbound frame bytes
	AllowedOrigins    []string      // empty allows any origin
	MetricsPath       string
	Debug             bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadLimit:         1 << 20,
		MetricsPath:       "/metrics",
	}
}

// Inbound is a client frame.
type Inbound struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"` // echoed on replies
	Priority string            `json:"priority,omitempty"`
	Topic    string            `json:"topic,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Welcome is the payload of the connected message.
type Welcome struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// TopicReply is the payload of subscribe and unsubscribe replies.
type TopicReply struct {
	Topic         string   `json:"topic"`
	Subscriptions []string `json:"subscriptions"`
}

// Accepted is the payload of the accepted message.
type Accepted struct {
	TaskID   string `json:"task_id"`
	Priority string `json:"priority"`
}

// TaskResult is the payload of a result message.
type TaskResult struct {
	TaskID       string `json:"task_id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
	Attempts     int    `json:"attempts"`
	ProcessingMs int64  `json:"processing_ms"`
}

// ErrorReply is the payload of an error message.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Sessions is the registry surface the server drives. *connection.Registry satisfies it.
type Sessions interface {
	Connect(ctx context.Context, sessionID, userID, token string, t connection.Transport) (*connection.Connection, error)
	Release(sessionID string, t connection.Transport, resumable bool) bool
	Heartbeat(sessionID string) error
	Subscribe(sessionID, topic string) error
	Unsubscribe(sessionID, topic string) error
	Get(sessionID string) *connection.Connection
	Snapshot() []connection.Info
	Stats() connection.Stats
}

// Processor accepts inbound work. *processor.Processor satisfies it.
type Processor interface {
	QueueMessage(msg processor.Message, sessionID, userID string, opts ...processor.TaskOption) (string, error)
	QueueStatus() processor.QueueStatus
	Metrics() processor.Metrics
	WorkerMetrics() []processor.WorkerMetrics
}

// Sender delivers replies. *dispatch.Dispatcher satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, sessionID string, msg dispatch.Message) error
}

// HealthChecker produces the composite status. *health.Checker satisfies it.
type HealthChecker interface {
	Check(ctx context.Context) health.Status
}

// Breakers exposes circuit breaker state. *errhandler.Handler satisfies it.
type Breakers interface {
	BreakerStatus() map[string]errhandler.BreakerStatus
	ResetBreaker(operation string) bool
	Metrics() errhandler.Metrics
	History(limit int) []errhandler.Record
}
