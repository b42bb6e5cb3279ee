package errhandler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// GlobalOperation is the breaker key used when no operation is named.
const GlobalOperation = "global"

// Sentinel errors.
var (
	// ErrCircuitOpen is returned by callers that consult Admit and are refused.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrConnectionTimeout marks a timeout on a connection-level operation
	// (heartbeat, send, reconnect) as opposed to a processing timeout.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrNoRecoverer is returned by the connection strategy when no
	// recoverer has been attached or the context carries no session.
	ErrNoRecoverer = errors.New("no connection recoverer")

	// ErrNoStrategy is recorded when no recovery strategy exists for a type.
	ErrNoStrategy = errors.New("no recovery strategy")

	// ErrNothingToRetry is returned by the network strategy when the
	// context carries no retry function.
	ErrNothingToRetry = errors.New("no retry function")
)

// ErrorType is the deterministic classification of an error.
type ErrorType string

const (
	TypeConnectionTimeout    ErrorType = "connection_timeout"
	TypeAuthenticationFailed ErrorType = "authentication_failed"
	TypeSerializationFailure ErrorType = "serialization_failure"
	TypeNetworkError         ErrorType = "network_error"
	TypeProcessingTimeout    ErrorType = "processing_timeout"
	TypeUnknown              ErrorType = "unknown"
)

// Severity ranks the impact of an error.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON and YAML output.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name produced by MarshalText.
func (s *Severity) UnmarshalText(text []byte) error {
	for v := SeverityLow; v <= SeverityCritical; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", text)
}

// Category groups error types for reporting.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryTimeout        Category = "timeout"
	CategorySerialization  Category = "serialization"
	CategorySecurity       Category = "security"
	CategoryUnknown        Category = "unknown"
)

// ErrorContext describes where an error happened. Retry and Deliver are
// optional hooks used by recovery strategies.
type ErrorContext struct {
	SessionID         string `json:"session_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	Operation         string `json:"operation,omitempty"`
	MessageType       string `json:"message_type,omitempty"`
	SecuritySensitive bool   `json:"security_sensitive,omitempty"`

	// Trial is set by a caller reporting the failure of a run it was
	// admitted to as the HalfOpen trial (see Admit).
	Trial bool `json:"trial,omitempty"`

	// Payload is the value that failed to encode, for the fallback re-encode.
	Payload any `json:"-"`

	// Retry re-runs the failed operation for the network strategy.
	Retry func(ctx context.Context) error `json:"-"`

	// Deliver receives the fallback encoding produced for a serialization failure.
	Deliver func(ctx context.Context, data []byte) error `json:"-"`
}

// Record is one handled error. Records are immutable once returned.
type Record struct {
	ID                 string        `json:"id"`
	Type               ErrorType     `json:"error_type"`
	Severity           Severity      `json:"severity"`
	Category           Category      `json:"category"`
	Operation          string        `json:"operation"`
	Message            string        `json:"message"`
	Context            ErrorContext  `json:"context"`
	RecoveryAttempted  bool          `json:"recovery_attempted"`
	RecoverySuccessful bool          `json:"recovery_successful"`
	RecoveryTime       time.Duration `json:"recovery_time"`
	RecoveryError      string        `json:"recovery_error,omitempty"`
	StackTrace         string        `json:"stack_trace,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Metrics is an aggregate view over everything handled so far.
type Metrics struct {
	Total               int64               `json:"total"`
	ByType              map[ErrorType]int64 `json:"by_type"`
	BySeverity          map[string]int64    `json:"by_severity"`
	ByCategory          map[Category]int64  `json:"by_category"`
	RecoveryAttempts    int64               `json:"recovery_attempts"`
	RecoverySuccesses   int64               `json:"recovery_successes"`
	RecoverySuccessRate float64             `json:"recovery_success_rate"`
	ShortCircuited      int64               `json:"short_circuited"`
	AlertsSent          int64               `json:"alerts_sent"`
	AlertsDropped       int64               `json:"alerts_dropped"`
	OpenBreakers        int                 `json:"open_breakers"`
	RecentCritical      int                 `json:"recent_critical"`
}

// Alerter receives Critical records out of band.
type Alerter interface {
	Alert(ctx context.Context, rec Record) error
}

// Sink receives every record for export. Enqueue must not block.
type Sink interface {
	Enqueue(rec Record) bool
}

// ConnectionRecoverer restores a session after a connection timeout.
type ConnectionRecoverer interface {
	RecoverConnection(ctx context.Context, sessionID string) error
}

// Recorder observes records and breaker transitions, typically for metrics.
type Recorder interface {
	ObserveError(rec Record)
	ObserveBreaker(operation string, state BreakerState)
}

type nopRecorder struct{}

func (nopRecorder) ObserveError(Record)                 {}
func (nopRecorder) ObserveBreaker(string, BreakerState) {}
