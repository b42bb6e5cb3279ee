// Package errhandler classifies errors, attempts recovery and gates
// repeatedly failing operations behind per-operation circuit breakers.
package errhandler

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/rickgao/realtime-core/internal/ring"
)

// Config holds error handler configuration.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
	HistorySize      int

	// Network retry strategy.
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Alert hook.
	AlertRate    float64 // alerts per second
	AlertBurst   int
	AlertTimeout time.Duration

	// CriticalWindow bounds Metrics().RecentCritical.
	CriticalWindow time.Duration
	CaptureStack   bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    5 * time.Minute,
		RecoveryTimeout:  60 * time.Second,
		HistorySize:      1000,
		RetryAttempts:    3,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    2 * time.Second,
		AlertRate:        1,
		AlertBurst:       5,
		AlertTimeout:     5 * time.Second,
		CriticalWindow:   5 * time.Minute,
		CaptureStack:     true,
	}
}

// Option customizes a Handler.
type Option func(*Handler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithAlerter sets the hook that receives Critical records.
func WithAlerter(a Alerter) Option {
	return func(h *Handler) { h.alerter = a }
}

// WithSink adds an export sink.
func WithSink(s Sink) Option {
	return func(h *Handler) { h.sinks = append(h.sinks, s) }
}

// WithStrategy registers or replaces the recovery strategy for typ.
// A nil strategy disables recovery for typ.
func WithStrategy(typ ErrorType, s Strategy) Option {
	return func(h *Handler) {
		if s == nil {
			delete(h.strategies, typ)
			return
		}
		h.strategies[typ] = s
	}
}

// WithClassifier adds a rule consulted before the built-in classification.
func WithClassifier(c Classifier) Option {
	return func(h *Handler) { h.classifiers = append(h.classifiers, c) }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// Handler is the error classification and recovery engine. A Handler is
// safe for concurrent use; each instance owns its breakers and history.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	strategies  map[ErrorType]Strategy
	classifiers []Classifier
	alerter     Alerter
	sinks       []Sink
	recorder    Recorder
	limiter     *rate.Limiter

	mu        sync.Mutex
	breakers  map[string]*breaker
	recoverer ConnectionRecoverer
	stats     counters

	history *ring.Log[Record]

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	alerts sync.WaitGroup
}

// counters are guarded by Handler.mu.
type counters struct {
	total          int64
	byType         map[ErrorType]int64
	bySeverity     map[Severity]int64
	byCategory     map[Category]int64
	attempts       int64
	successes      int64
	shortCircuited int64
	alertsSent     int64
	alertsDropped  int64
}

// New creates a Handler.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.AlertRate <= 0 {
		cfg.AlertRate = def.AlertRate
	}
	if cfg.AlertBurst <= 0 {
		cfg.AlertBurst = def.AlertBurst
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = def.AlertTimeout
	}
	if cfg.CriticalWindow <= 0 {
		cfg.CriticalWindow = def.CriticalWindow
	}

	h := &Handler{
		cfg:      cfg,
		logger:   logger.With("component", "errhandler"),
		now:      time.Now,
		recorder: nopRecorder{},
		limiter:  rate.NewLimiter(rate.Limit(cfg.AlertRate), cfg.AlertBurst),
		breakers: make(map[string]*breaker),
		stats: counters{
			byType:     make(map[ErrorType]int64),
			bySeverity: make(map[Severity]int64),
			byCategory: make(map[Category]int64),
		},
		history: ring.NewLog[Record](cfg.HistorySize),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	h.strategies = h.defaultStrategies()

	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetConnectionRecoverer attaches the component that recovers sessions
// after connection timeouts. The registry is built after the handler, so
// this is a setter rather than an option.
func (h *Handler) SetConnectionRecoverer(r ConnectionRecoverer) {
	h.mu.Lock()
	h.recoverer = r
	h.mu.Unlock()
}

// Handle classifies err, attempts recovery unless the operation's breaker
// is open, updates the breaker and records the outcome. A type without a
// strategy still counts as an attempted recovery that failed. An empty operation
// is treated as GlobalOperation. Handle never returns an error: failures of
// recovery and alerting are captured in the record.
func (h *Handler) Handle(ctx context.Context, err error, ec ErrorContext, operation string) Record {
	if operation == "" {
		operation = GlobalOperation
	}
	if ec.Operation == "" {
		ec.Operation = operation
	}
	now := h.now()

	typ := h.classify(err)
	sev, cat := assess(typ, ec)

	rec := Record{
		ID:        h.newID(now),
		Type:      typ,
		Severity:  sev,
		Category:  cat,
		Operation: operation,
		Context:   ec,
		Timestamp: now,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	if h.cfg.CaptureStack && sev >= SeverityHigh {
		rec.StackTrace = string(debug.Stack())
	}

	adm := h.admit(operation, now, ec.Trial)
	if adm != AdmitDenied {
		rec.RecoveryAttempted = true
		rerr := fmt.Errorf("%w: %s", ErrNoStrategy, typ)
		if strategy, ok := h.strategies[typ]; ok {
			rerr = h.runStrategy(ctx, strategy, err, ec)
		}
		rec.RecoverySuccessful = rerr == nil
		rec.RecoveryTime = h.now().Sub(now)
		if rerr != nil {
			rec.RecoveryError = rerr.Error()
		}
		h.settle(operation, adm, rec.RecoverySuccessful, h.now())
	}

	h.record(rec, adm == AdmitDenied)

	h.logger.Log(ctx, logLevel(sev), "error handled",
		"id", rec.ID,
		"operation", operation,
		"type", string(typ),
		"severity", sev.String(),
		"session_id", ec.SessionID,
		"recovery_attempted", rec.RecoveryAttempted,
		"recovery_successful", rec.RecoverySuccessful,
		"error", err,
	)

	if sev == SeverityCritical {
		h.alert(rec)
	}
	for _, s := range h.sinks {
		if !s.Enqueue(rec) {
			h.logger.Warn("error sink rejected record", "id", rec.ID)
		}
	}
	return rec
}

func (h *Handler) classify(err error) ErrorType {
	for _, c := range h.classifiers {
		if typ, ok := c(err); ok {
			return typ
		}
	}
	return Classify(err)
}

// runStrategy contains panics raised by a strategy.
func (h *Handler) runStrategy(ctx context.Context, s Strategy, err error, ec ErrorContext) (rerr error) {
	defer func() {
		if r := recover(); r != nil {
			rerr = fmt.Errorf("recovery strategy panic: %v", r)
		}
	}()
	return s(ctx, err, ec)
}

func (h *Handler) record(rec Record, shortCircuited bool) {
	h.history.Append(rec)

	h.mu.Lock()
	h.stats.total++
	h.stats.byType[rec.Type]++
	h.stats.bySeverity[rec.Severity]++
	h.stats.byCategory[rec.Category]++
	if rec.RecoveryAttempted {
		h.stats.attempts++
		if rec.RecoverySuccessful {
			h.stats.successes++
		}
	}
	if shortCircuited {
		h.stats.shortCircuited++
	}
	h.mu.Unlock()

	h.recorder.ObserveError(rec)
}

// alert fires the alert hook asynchronously. Hook errors and panics are
// logged and never reach the caller of Handle.
func (h *Handler) alert(rec Record) {
	if h.alerter == nil {
		return
	}
	if !h.limiter.Allow() {
		h.mu.Lock()
		h.stats.alertsDropped++
		h.mu.Unlock()
		h.logger.Warn("alert rate limited", "id", rec.ID)
		return
	}

	h.alerts.Add(1)
	go func() {
		defer h.alerts.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("alert hook panic", "id", rec.ID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AlertTimeout)
		defer cancel()

		if err := h.alerter.Alert(ctx, rec); err != nil {
			h.logger.Error("alert hook failed", "id", rec.ID, "error", err)
			return
		}
		h.mu.Lock()
		h.stats.alertsSent++
		h.mu.Unlock()
	}()
}

// Close waits for in-flight alerts or until ctx is done.
func (h *Handler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.alerts.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns up to limit of the most recent records, oldest first.
// A limit <= 0 returns the whole retained history.
func (h *Handler) History(limit int) []Record {
	return h.history.Last(limit)
}

// Export pushes the retained history to every sink and returns how many
// records were accepted.
func (h *Handler) Export(ctx context.Context) int {
	accepted := 0
	for _, rec := range h.history.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		for _, s := range h.sinks {
			if s.Enqueue(rec) {
				accepted++
			}
		}
	}
	return accepted
}

// Metrics returns aggregate counters.
func (h *Handler) Metrics() Metrics {
	cutoff := h.now().Add(-h.cfg.CriticalWindow)
	recent := 0
	for _, rec := range h.history.Snapshot() {
		if rec.Severity == SeverityCritical && !rec.Timestamp.Before(cutoff) {
			recent++
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m := Metrics{
		Total:             h.stats.total,
		ByType:            make(map[ErrorType]int64, len(h.stats.byType)),
		BySeverity:        make(map[string]int64, len(h.stats.bySeverity)),
		ByCategory:        make(map[Category]int64, len(h.stats.byCategory)),
		RecoveryAttempts:  h.stats.attempts,
		RecoverySuccesses: h.stats.successes,
		ShortCircuited:    h.stats.shortCircuited,
		AlertsSent:        h.stats.alertsSent,
		AlertsDropped:     h.stats.alertsDropped,
		RecentCritical:    recent,
	}
	for k, v := range h.stats.byType {
		m.ByType[k] = v
	}
	for k, v := range h.stats.bySeverity {
		m.BySeverity[k.String()] = v
	}
	for k, v := range h.stats.byCategory {
		m.ByCategory[k] = v
	}
	if m.RecoveryAttempts > 0 {
		m.RecoverySuccessRate = float64(m.RecoverySuccesses) / float64(m.RecoveryAttempts)
	}
	for _, b := range h.breakers {
		if b.state != StateClosed {
			m.OpenBreakers++
		}
	}
	return m
}

func (h *Handler) newID(t time.Time) string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), h.entropy).String()
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
