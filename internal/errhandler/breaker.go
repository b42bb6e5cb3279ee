package errhandler

import (
	"fmt"
	"time"
)

// BreakerState is the state of a per-operation circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *BreakerState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// BreakerStatus is a read-only view of one breaker.
type BreakerStatus struct {
	Operation        string        `json:"operation"`
	State            BreakerState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	LastFailureTime  time.Time     `json:"last_failure_time,omitzero"`
	Trips            int64         `json:"trips"`
	TrialInFlight    bool          `json:"trial_in_flight"`
}

// breaker holds the state for one operation. All fields are guarded by
// Handler.mu.
type breaker struct {
	state       BreakerState
	failures    int
	windowStart time.Time
	lastFailure time.Time
	trial       bool
	trips       int64
}

// Admission is the outcome of asking a breaker for permission.
type Admission int

const (
	// AdmitDenied means the breaker is Open within its cool-down or a
	// HalfOpen trial is already in flight.
	AdmitDenied Admission = iota
	// AdmitNormal means the breaker is Closed.
	AdmitNormal
	// AdmitTrial means the caller holds the single HalfOpen trial and must
	// settle it with RecordSuccess or with Handle and ErrorContext.Trial set.
	AdmitTrial
)

// breakerFor returns the breaker for op, creating it closed.
// Must be called with h.mu held.
func (h *Handler) breakerFor(op string) *breaker {
	b, ok := h.breakers[op]
	if !ok {
		b = &breaker{}
		h.breakers[op] = b
	}
	return b
}

// admit decides whether op may proceed, moving an Open breaker whose
// cool-down has elapsed to HalfOpen and claiming its single trial. owner
// is set when the caller already holds the in-flight trial and is
// reporting its outcome.
func (h *Handler) admit(op string, now time.Time, owner bool) Admission {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakerFor(op)
	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailure) < h.cfg.RecoveryTimeout {
			return AdmitDenied
		}
		h.transition(op, b, StateHalfOpen)
		b.trial = true
		return AdmitTrial
	case StateHalfOpen:
		if b.trial && !owner {
			return AdmitDenied
		}
		b.trial = true
		return AdmitTrial
	default:
		return AdmitNormal
	}
}

// Admit asks op's breaker for permission to run op. Unlike Allow it
// claims the HalfOpen trial when the cool-down has elapsed, so at most one
// caller is admitted until the trial is settled.
func (h *Handler) Admit(op string) Admission {
	if op == "" {
		op = GlobalOperation
	}
	return h.admit(op, h.now(), false)
}

// settle applies the outcome of an admitted call. In the Closed state
// every handled error counts as a failure whatever its recovery outcome;
// only a trial is settled by ok.
func (h *Handler) settle(op string, adm Admission, ok bool, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakerFor(op)

	if adm == AdmitTrial {
		b.trial = false
		if ok {
			b.failures = 0
			b.windowStart = time.Time{}
			h.transition(op, b, StateClosed)
			return
		}
		b.lastFailure = now
		h.transition(op, b, StateOpen)
		return
	}

	if b.state != StateClosed {
		return
	}

	if b.windowStart.IsZero() || now.Sub(b.windowStart) > h.cfg.FailureWindow {
		b.failures = 0
		b.windowStart = now
	}
	b.failures++
	b.lastFailure = now

	if b.failures >= h.cfg.FailureThreshold {
		b.trips++
		h.transition(op, b, StateOpen)
	}
}

// transition moves b to state and notifies observers. Must be called with
// h.mu held.
func (h *Handler) transition(op string, b *breaker, state BreakerState) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state

	h.logger.Info("circuit breaker transition",
		"operation", op,
		"from", from.String(),
		"to", state.String(),
		"failures", b.failures,
	)
	h.recorder.ObserveBreaker(op, state)
}

// Allow reports whether op may run now without changing breaker state.
// It is false only while the breaker is Open and its cool-down has not
// elapsed, or while a HalfOpen trial is in flight. Callers that go on to
// run op should use Admit instead.
func (h *Handler) Allow(op string) bool {
	if op == "" {
		op = GlobalOperation
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[op]
	if !ok {
		return true
	}
	switch b.state {
	case StateOpen:
		return now.Sub(b.lastFailure) >= h.cfg.RecoveryTimeout
	case StateHalfOpen:
		return !b.trial
	default:
		return true
	}
}

// RecordSuccess reports a successful run of op. A Closed breaker forgets
// its failures. A HalfOpen breaker, or an Open breaker past its cool-down,
// counts this as a successful trial and closes.
func (h *Handler) RecordSuccess(op string) {
	if op == "" {
		op = GlobalOperation
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[op]
	if !ok {
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
		b.windowStart = time.Time{}
	case StateHalfOpen:
		b.trial = false
		b.failures = 0
		b.windowStart = time.Time{}
		h.transition(op, b, StateClosed)
	case StateOpen:
		if now.Sub(b.lastFailure) >= h.cfg.RecoveryTimeout {
			h.transition(op, b, StateHalfOpen)
			b.failures = 0
			b.windowStart = time.Time{}
			h.transition(op, b, StateClosed)
		}
	}
}

// BreakerStatus returns a view of every known breaker keyed by operation.
func (h *Handler) BreakerStatus() map[string]BreakerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]BreakerStatus, len(h.breakers))
	for op, b := range h.breakers {
		out[op] = BreakerStatus{
			Operation:        op,
			State:            b.state,
			FailureCount:     b.failures,
			FailureThreshold: h.cfg.FailureThreshold,
			RecoveryTimeout:  h.cfg.RecoveryTimeout,
			LastFailureTime:  b.lastFailure,
			Trips:            b.trips,
			TrialInFlight:    b.trial,
		}
	}
	return out
}

// ResetBreaker forces op back to Closed with cleared counters.
// Returns false if no breaker exists for op.
func (h *Handler) ResetBreaker(op string) bool {
	if op == "" {
		op = GlobalOperation
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[op]
	if !ok {
		return false
	}
	b.failures = 0
	b.windowStart = time.Time{}
	b.trial = false
	if b.state != StateClosed {
		// Reset is an operator override, not a state-machine transition.
		b.state = StateClosed
		h.logger.Info("circuit breaker reset", "operation", op)
		h.recorder.ObserveBreaker(op, StateClosed)
	}
	return true
}
