// Package dispatch delivers outbound messages to registered sessions:
// single sends, per-user sends and topic broadcasts.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/errhandler"
)

// Errors
var (
	ErrNotConnected    = connection.ErrNotConnected
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrSerialization   = errors.New("message serialization failed")
	ErrSendFailed      = errors.New("send failed")
)

// Message types produced by the dispatcher itself.
const (
	TypeWorkflowUpdate = "workflow_update"
	TypeNotification   = "notification"
)

// WorkflowTopic is the subscription topic carrying updates for workflowID.
func WorkflowTopic(workflowID string) string {
	return "workflow:" + workflowID
}

// Message is the outbound JSON envelope.
type Message struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type workflowUpdate struct {
	WorkflowID string `json:"workflow_id"`
	Update     any    `json:"update"`
}

// BroadcastResult summarizes a fan-out.
type BroadcastResult struct {
	Targeted       int      `json:"targeted"`
	Sent           int      `json:"sent"`
	Failed         int      `json:"failed"`
	FailedSessions []string `json:"failed_sessions,omitempty"`
}

// Config configures a Dispatcher.
type Config struct {
	MaxMessageSize int           // encoded bytes
	SendTimeout    time.Duration // per transport write
	Concurrency    int           // concurrent writes per fan-out
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1 << 20,
		SendTimeout:    10 * time.Second,
		Concurrency:    64,
	}
}

// Sessions is the registry view the dispatcher needs. *connection.Registry satisfies it.
type Sessions interface {
	Get(sessionID string) *connection.Connection
	Subscribers(topic string) []*connection.Connection
	SessionsForUser(userID string) []*connection.Connection
	Disconnect(sessionID string) bool
}

// ErrorReporter receives send failures and successful deliveries, which
// reset the send breaker. *errhandler.Handler satisfies it.
type ErrorReporter interface {
	Handle(ctx context.Context, err error, ec errhandler.ErrorContext, operation string) errhandler.Record
	RecordSuccess(operation string)
}

// Recorder observes deliveries, typically for metrics.
type Recorder interface {
	MessageSent(msgType string, bytes int)
	MessageFailed(msgType, reason string)
}

// Failure reasons passed to Recorder.MessageFailed.
const (
	ReasonNotConnected  = "not_connected"
	ReasonTooLarge      = "too_large"
	ReasonSerialization = "serialization"
	ReasonTransport     = "transport"
)

type nopReporter struct{}

func (nopReporter) Handle(_ context.Context, _ error, ec errhandler.ErrorContext, op string) errhandler.Record {
	return errhandler.Record{Operation: op, Context: ec}
}

func (nopReporter) RecordSuccess(string) {}

type nopRecorder struct{}

func (nopRecorder) MessageSent(string, int)      {}
func (nopRecorder) MessageFailed(string, string) {}
