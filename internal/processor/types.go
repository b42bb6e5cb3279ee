package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

// Sentinel errors.
var (
	ErrQueueFull         = errors.New("queue full")
	ErrQueueClosed       = errors.New("queue closed")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidHandler    = errors.New("invalid handler")
	ErrHandlerNotFound   = errors.New("handler not found")
	ErrProcessingTimeout = errors.New("processing timeout")
	ErrHandlerPanic      = errors.New("handler panic")
	ErrShuttingDown      = errors.New("processor shutting down")
	ErrAlreadyStarted    = errors.New("processor already started")
)

// Priority orders tasks in the queue. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

const numPriorities = 4

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name. An empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Status is the lifecycle state of a task.
type Status int32

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a unit of work routed to a handler by Type.
type Message struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HandlerFunc processes one message. It must honour ctx cancellation;
// a handler that ignores it is abandoned when the processing timeout
// expires and its result is discarded.
type HandlerFunc func(ctx context.Context, msg Message, sessionID, userID string) (any, error)

// Callback is invoked exactly once when a task reaches a terminal state.
// processingTime is zero for tasks that never reached a worker.
type Callback func(task *Task, processingTime time.Duration)

// Task is a queued message together with its scheduling state.
type Task struct {
	ID         string
	Message    Message
	SessionID  string
	UserID     string
	Priority   Priority
	EnqueuedAt time.Time

	callback Callback

	// trial is set while the task holds its type's HalfOpen breaker
	// trial. Only the worker running the task touches it.
	trial bool

	attempts atomic.Int32
	status   atomic.Int32
	finished atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
	result    any
	err       error
}

// Attempts returns how many times the handler has been invoked.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

// Status returns the current status.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Result returns the handler result of a completed task.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the terminal error of a failed task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// TaskOption configures a task at enqueue time.
type TaskOption func(*Task)

// WithPriority sets the task priority. The default is Normal.
func WithPriority(p Priority) TaskOption {
	return func(t *Task) { t.Priority = p }
}

// WithCallback sets the terminal-state callback.
func WithCallback(cb Callback) TaskOption {
	return func(t *Task) { t.callback = cb }
}

// TaskError is the terminal error of a failed task.
type TaskError struct {
	TaskID   string
	Type     string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// WorkerState is the state of a worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
	WorkerError
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *WorkerState) UnmarshalText(text []byte) error {
	for v := WorkerIdle; v <= WorkerError; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// ErrorReporter receives terminal task failures and gates message types
// whose circuit is open. *errhandler.Handler satisfies it.
type ErrorReporter interface {
	Handle(ctx context.Context, err error, ec errhandler.ErrorContext, operation string) errhandler.Record
	RecordSuccess(operation string)
	Admit(operation string) errhandler.Admission
}

// Recorder observes processor activity, typically for metrics.
type Recorder interface {
	TaskQueued(p Priority)
	TaskFinished(msgType string, status Status, processingTime time.Duration)
	TaskRetried(msgType string)
	WorkerCount(n int)
}

type nopReporter struct{}

func (nopReporter) Handle(_ context.Context, err error, ec errhandler.ErrorContext, op string) errhandler.Record {
	return errhandler.Record{Operation: op, Context: ec}
}
func (nopReporter) RecordSuccess(string) {}
func (nopReporter) Admit(string) errhandler.Admission {
	return errhandler.AdmitNormal
}

type nopRecorder struct{}

func (nopRecorder) TaskQueued(Priority)                        {}
func (nopRecorder) TaskFinished(string, Status, time.Duration) {}
func (nopRecorder) TaskRetried(string)                         {}
func (nopRecorder) WorkerCount(int)                            {}
