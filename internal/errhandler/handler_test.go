package errhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.CaptureStack = false
	return cfg
}

var errNetwork = errors.New("network unreachable")

func TestHandle_BreakerOpensAndAllowsOneTrialAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := h.Handle(ctx, errNetwork, ErrorContext{}, "X")
		assert.True(t, rec.RecoveryAttempted, "call %d", i+1)
		assert.False(t, rec.RecoverySuccessful)
	}
	require.Equal(t, StateOpen, h.BreakerStatus()["X"].State)

	sixth := h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	assert.False(t, sixth.RecoveryAttempted)
	assert.False(t, h.Allow("X"))

	clock.Advance(60 * time.Second)
	assert.True(t, h.Allow("X"))

	seventh := h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	assert.True(t, seventh.RecoveryAttempted)

	// The failed trial reopens the breaker with a fresh cool-down.
	status := h.BreakerStatus()["X"]
	assert.Equal(t, StateOpen, status.State)
	assert.Equal(t, clock.Now(), status.LastFailureTime)
	assert.False(t, h.Handle(ctx, errNetwork, ErrorContext{}, "X").RecoveryAttempted)
}

func TestHandle_UnknownErrorsOpenBreakerAndGetTrial(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()
	errHandler := errors.New("handler exploded")

	for i := 0; i < 5; i++ {
		rec := h.Handle(ctx, errHandler, ErrorContext{}, "X")
		require.Equal(t, TypeUnknown, rec.Type)
		assert.True(t, rec.RecoveryAttempted, "call %d", i+1)
		assert.False(t, rec.RecoverySuccessful)
	}
	require.Equal(t, StateOpen, h.BreakerStatus()["X"].State)

	assert.False(t, h.Handle(ctx, errHandler, ErrorContext{}, "X").RecoveryAttempted)

	clock.Advance(61 * time.Second)
	seventh := h.Handle(ctx, errHandler, ErrorContext{}, "X")
	assert.True(t, seventh.RecoveryAttempted)
	assert.False(t, seventh.RecoverySuccessful)
	assert.Equal(t, StateOpen, h.BreakerStatus()["X"].State)
}

func TestHandle_RecoveredErrorsStillCountAsFailures(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()
	ok := ErrorContext{Retry: func(context.Context) error { return nil }}

	for i := 0; i < 4; i++ {
		rec := h.Handle(ctx, errNetwork, ok, "X")
		require.True(t, rec.RecoverySuccessful)
		assert.Equal(t, i+1, h.BreakerStatus()["X"].FailureCount)
	}
	h.Handle(ctx, errNetwork, ok, "X")
	assert.Equal(t, StateOpen, h.BreakerStatus()["X"].State)
}

func TestAdmit_ClaimsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, AdmitNormal, h.Admit("X"))
	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	assert.Equal(t, AdmitDenied, h.Admit("X"))

	clock.Advance(time.Minute)
	assert.True(t, h.Allow("X"))
	assert.Equal(t, AdmitTrial, h.Admit("X"))
	assert.Equal(t, AdmitDenied, h.Admit("X"))
	assert.False(t, h.Allow("X"))
	assert.Equal(t, StateHalfOpen, h.BreakerStatus()["X"].State)

	// A report from a caller that does not hold the trial is short-circuited.
	assert.False(t, h.Handle(ctx, errNetwork, ErrorContext{}, "X").RecoveryAttempted)
	assert.True(t, h.BreakerStatus()["X"].TrialInFlight)

	h.RecordSuccess("X")
	status := h.BreakerStatus()["X"]
	assert.Equal(t, StateClosed, status.State)
	assert.False(t, status.TrialInFlight)
	assert.Equal(t, AdmitNormal, h.Admit("X"))
}

func TestAdmit_FailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	clock.Advance(time.Minute)
	require.Equal(t, AdmitTrial, h.Admit("X"))

	rec := h.Handle(ctx, errors.New("still broken"), ErrorContext{Trial: true}, "X")
	assert.True(t, rec.RecoveryAttempted)

	status := h.BreakerStatus()["X"]
	assert.Equal(t, StateOpen, status.State)
	assert.False(t, status.TrialInFlight)
	assert.Equal(t, clock.Now(), status.LastFailureTime)
	assert.Equal(t, AdmitDenied, h.Admit("X"))
}

func TestEnumsRoundTripText(t *testing.T) {
	for _, st := range []BreakerState{StateClosed, StateOpen, StateHalfOpen} {
		text, err := st.MarshalText()
		require.NoError(t, err)
		var got BreakerState
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, st, got)
	}
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		text, err := sev.MarshalText()
		require.NoError(t, err)
		var got Severity
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, sev, got)
	}

	var st BreakerState
	assert.Error(t, st.UnmarshalText([]byte("ajar")))
	var sev Severity
	assert.Error(t, sev.UnmarshalText([]byte("dire")))

	var status map[string]BreakerStatus
	require.NoError(t, json.Unmarshal([]byte(`{"X":{"operation":"X","state":"half_open"}}`), &status))
	assert.Equal(t, StateHalfOpen, status["X"].State)
}

func TestHandle_SuccessfulTrialClosesBreaker(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	clock.Advance(61 * time.Second)

	retried := 0
	rec := h.Handle(ctx, errNetwork, ErrorContext{
		Retry: func(context.Context) error {
			retried++
			return nil
		},
	}, "X")

	assert.True(t, rec.RecoveryAttempted)
	assert.True(t, rec.RecoverySuccessful)
	assert.Equal(t, 1, retried)

	status := h.BreakerStatus()["X"]
	assert.Equal(t, StateClosed, status.State)
	assert.Zero(t, status.FailureCount)
	assert.Equal(t, int64(1), status.Trips)
}

func TestHandle_TrialIsExclusive(t *testing.T) {
	clock := newFakeClock()
	release := make(chan struct{})
	entered := make(chan struct{})
	h := New(testConfig(), nil, WithClock(clock.Now),
		WithStrategy(TypeNetworkError, func(ctx context.Context, err error, ec ErrorContext) error {
			if ec.SessionID == "trial" {
				close(entered)
				<-release
				return nil
			}
			return err
		}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	clock.Advance(time.Minute)

	done := make(chan Record, 1)
	go func() { done <- h.Handle(ctx, errNetwork, ErrorContext{SessionID: "trial"}, "X") }()
	<-entered

	concurrent := h.Handle(ctx, errNetwork, ErrorContext{SessionID: "other"}, "X")
	assert.False(t, concurrent.RecoveryAttempted)
	assert.True(t, h.BreakerStatus()["X"].TrialInFlight)

	close(release)
	trial := <-done
	assert.True(t, trial.RecoverySuccessful)
	assert.Equal(t, StateClosed, h.BreakerStatus()["X"].State)
}

func TestHandle_BreakersArePerOperation(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	assert.False(t, h.Allow("X"))
	assert.True(t, h.Allow("Y"))
	assert.True(t, h.Handle(ctx, errNetwork, ErrorContext{}, "Y").RecoveryAttempted)
}

func TestHandle_DefaultsToGlobalOperation(t *testing.T) {
	h := New(testConfig(), nil)
	rec := h.Handle(context.Background(), errNetwork, ErrorContext{}, "")

	assert.Equal(t, GlobalOperation, rec.Operation)
	assert.Equal(t, GlobalOperation, rec.Context.Operation)
	assert.Contains(t, h.BreakerStatus(), GlobalOperation)
}

func TestFailureWindowResetsCount(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.FailureWindow = time.Minute
	h := New(cfg, nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	clock.Advance(2 * time.Minute)
	h.Handle(ctx, errNetwork, ErrorContext{}, "X")

	status := h.BreakerStatus()["X"]
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 1, status.FailureCount)
}

func TestRecordSuccess(t *testing.T) {
	clock := newFakeClock()
	h := New(testConfig(), nil, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	h.RecordSuccess("X")
	assert.Zero(t, h.BreakerStatus()["X"].FailureCount)

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	h.RecordSuccess("X")
	assert.Equal(t, StateOpen, h.BreakerStatus()["X"].State, "success before cool-down is ignored")

	clock.Advance(time.Minute)
	h.RecordSuccess("X")
	assert.Equal(t, StateClosed, h.BreakerStatus()["X"].State)
}

func TestResetBreaker(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()

	assert.False(t, h.ResetBreaker("missing"))

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errNetwork, ErrorContext{}, "X")
	}
	require.Equal(t, StateOpen, h.BreakerStatus()["X"].State)

	assert.True(t, h.ResetBreaker("X"))
	assert.Equal(t, StateClosed, h.BreakerStatus()["X"].State)
	assert.True(t, h.Handle(ctx, errNetwork, ErrorContext{}, "X").RecoveryAttempted)
}

func TestHandle_AuthenticationIsNeverRecovered(t *testing.T) {
	h := New(testConfig(), nil)
	rec := h.Handle(context.Background(), errors.New("invalid token"), ErrorContext{}, "connect")

	assert.Equal(t, TypeAuthenticationFailed, rec.Type)
	assert.Equal(t, SeverityCritical, rec.Severity)
	assert.Equal(t, CategoryAuthentication, rec.Category)
	assert.True(t, rec.RecoveryAttempted)
	assert.False(t, rec.RecoverySuccessful)
	assert.Contains(t, rec.RecoveryError, ErrNoStrategy.Error())
}

type recovererFunc func(ctx context.Context, sessionID string) error

func (f recovererFunc) RecoverConnection(ctx context.Context, sessionID string) error {
	return f(ctx, sessionID)
}

func TestHandle_ConnectionTimeoutUsesRecoverer(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()

	rec := h.Handle(ctx, ErrConnectionTimeout, ErrorContext{SessionID: "s1"}, "heartbeat")
	assert.True(t, rec.RecoveryAttempted)
	assert.False(t, rec.RecoverySuccessful)
	assert.Equal(t, ErrNoRecoverer.Error(), rec.RecoveryError)

	var got string
	h.SetConnectionRecoverer(recovererFunc(func(_ context.Context, sid string) error {
		got = sid
		return nil
	}))
	rec = h.Handle(ctx, fmt.Errorf("ping: %w", ErrConnectionTimeout), ErrorContext{SessionID: "s1"}, "heartbeat")
	assert.True(t, rec.RecoverySuccessful)
	assert.Equal(t, "s1", got)
}

func TestHandle_SerializationFallbackIsDelivered(t *testing.T) {
	h := New(testConfig(), nil)

	var delivered []byte
	payload := map[string]any{"bad": make(chan int)}
	_, encErr := json.Marshal(payload)
	require.Error(t, encErr)

	rec := h.Handle(context.Background(), encErr, ErrorContext{
		Payload: payload,
		Deliver: func(_ context.Context, data []byte) error {
			delivered = data
			return nil
		},
	}, "send_message")

	assert.Equal(t, TypeSerializationFailure, rec.Type)
	assert.True(t, rec.RecoverySuccessful)

	var env fallbackEnvelope
	require.NoError(t, json.Unmarshal(delivered, &env))
	assert.Equal(t, "serialization_fallback", env.Type)
}

func TestHandle_NetworkRetryIsBounded(t *testing.T) {
	h := New(testConfig(), nil)

	calls := 0
	rec := h.Handle(context.Background(), errNetwork, ErrorContext{
		Retry: func(context.Context) error {
			calls++
			return errNetwork
		},
	}, "send_message")

	assert.True(t, rec.RecoveryAttempted)
	assert.False(t, rec.RecoverySuccessful)
	assert.Equal(t, 3, calls)
}

func TestHandle_StrategyPanicIsContained(t *testing.T) {
	h := New(testConfig(), nil, WithStrategy(TypeUnknown, func(context.Context, error, ErrorContext) error {
		panic("boom")
	}))

	rec := h.Handle(context.Background(), errors.New("strange"), ErrorContext{}, "op")
	assert.True(t, rec.RecoveryAttempted)
	assert.False(t, rec.RecoverySuccessful)
	assert.Contains(t, rec.RecoveryError, "boom")
}

type alertFunc func(ctx context.Context, rec Record) error

func (f alertFunc) Alert(ctx context.Context, rec Record) error { return f(ctx, rec) }

func TestAlertHook_FiresForCriticalOnly(t *testing.T) {
	alerts := make(chan Record, 4)
	h := New(testConfig(), nil, WithAlerter(alertFunc(func(_ context.Context, rec Record) error {
		alerts <- rec
		return nil
	})))
	ctx := context.Background()

	h.Handle(ctx, errNetwork, ErrorContext{}, "op")
	critical := h.Handle(ctx, errors.New("boom"), ErrorContext{SecuritySensitive: true}, "op")
	require.NoError(t, h.Close(ctx))

	require.Len(t, alerts, 1)
	got := <-alerts
	assert.Equal(t, critical.ID, got.ID)
	assert.Equal(t, CategorySecurity, got.Category)
	assert.Equal(t, int64(1), h.Metrics().AlertsSent)
}

func TestAlertHook_FailuresDoNotPropagate(t *testing.T) {
	h := New(testConfig(), nil, WithAlerter(alertFunc(func(context.Context, Record) error {
		panic("alert exploded")
	})))
	ctx := context.Background()

	assert.NotPanics(t, func() {
		h.Handle(ctx, errors.New("unauthorized"), ErrorContext{}, "op")
	})
	require.NoError(t, h.Close(ctx))
	assert.Zero(t, h.Metrics().AlertsSent)
}

func TestAlertHook_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.AlertBurst = 2
	cfg.AlertRate = 0.001
	var sent sync.WaitGroup
	sent.Add(2)
	h := New(cfg, nil, WithAlerter(alertFunc(func(context.Context, Record) error {
		sent.Done()
		return nil
	})))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Handle(ctx, errors.New("forbidden"), ErrorContext{}, fmt.Sprintf("op-%d", i))
	}
	sent.Wait()
	require.NoError(t, h.Close(ctx))

	m := h.Metrics()
	assert.Equal(t, int64(2), m.AlertsSent)
	assert.Equal(t, int64(3), m.AlertsDropped)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	h := New(cfg, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.Handle(ctx, fmt.Errorf("err %d", i), ErrorContext{}, fmt.Sprintf("op-%d", i)).ID)
	}

	hist := h.History(0)
	require.Len(t, hist, 3)
	assert.Equal(t, ids[2:], []string{hist[0].ID, hist[1].ID, hist[2].ID})
	assert.Len(t, h.History(2), 2)
	assert.Equal(t, int64(5), h.Metrics().Total)
}

type memSink struct {
	mu   sync.Mutex
	recs []Record
}

func (s *memSink) Enqueue(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func TestSinkAndExport(t *testing.T) {
	sink := &memSink{}
	h := New(testConfig(), nil, WithSink(sink))
	ctx := context.Background()

	h.Handle(ctx, errNetwork, ErrorContext{}, "a")
	h.Handle(ctx, errNetwork, ErrorContext{}, "b")
	assert.Len(t, sink.recs, 2)

	assert.Equal(t, 2, h.Export(ctx))
	assert.Len(t, sink.recs, 4)
}

func TestMetrics(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()

	h.Handle(ctx, errNetwork, ErrorContext{Retry: func(context.Context) error { return nil }}, "a")
	h.Handle(ctx, errNetwork, ErrorContext{}, "a")
	h.Handle(ctx, errors.New("token expired"), ErrorContext{}, "b")

	m := h.Metrics()
	assert.Equal(t, int64(3), m.Total)
	assert.Equal(t, int64(2), m.ByType[TypeNetworkError])
	assert.Equal(t, int64(1), m.BySeverity["critical"])
	assert.Equal(t, int64(2), m.ByCategory[CategoryConnection])
	assert.Equal(t, int64(3), m.RecoveryAttempts)
	assert.Equal(t, int64(1), m.RecoverySuccesses)
	assert.InDelta(t, 1.0/3, m.RecoverySuccessRate, 0.001)
	assert.Equal(t, 1, m.RecentCritical)
}

func TestRecordIDsAreUniqueAndSortable(t *testing.T) {
	h := New(testConfig(), nil)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 50; i++ {
		id := h.Handle(ctx, errNetwork, ErrorContext{}, "op").ID
		assert.Len(t, id, 26)
		assert.Greater(t, id, prev)
		prev = id
	}
}
