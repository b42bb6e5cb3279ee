// Package processor schedules messages onto a bounded, auto-scaled pool of
// workers through a four-level priority queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rickgao/realtime-core/internal/processor"

// Config holds processor configuration.
type Config struct {
	QueueSize         int
	MinWorkers        int
	MaxWorkers        int
	ProcessingTimeout time.Duration

	// Retry.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Fairness.
	AgingThreshold time.Duration
	FairnessWindow int

	// Auto-scaling.
	AutoScale     bool
	ScaleInterval time.Duration
	ScaleUpRatio  float64
	ScaleSamples  int

	ThroughputWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         10000,
		MinWorkers:        2,
		MaxWorkers:        20,
		ProcessingTimeout: 30 * time.Second,
		MaxAttempts:       3,
		RetryBaseDelay:    100 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		AgingThreshold:    5 * time.Second,
		FairnessWindow:    10,
		AutoScale:         true,
		ScaleInterval:     time.Second,
		ScaleUpRatio:      2,
		ScaleSamples:      3,
		ThroughputWindow:  time.Minute,
	}
}

// Option customizes a Processor.
type Option func(*Processor)

// WithReporter routes terminal failures to r and consults it for open circuits.
func WithReporter(r ErrorReporter) Option {
	return func(p *Processor) { p.reporter = r }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) { p.tracer = tp.Tracer(tracerName) }
}

// WithClock replaces time.Now for queue aging and metrics.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor accepts prioritized messages and runs them on a worker pool.
type Processor struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	reporter ErrorReporter
	recorder Recorder

	queue *Queue

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	workersMu    sync.Mutex
	workers      map[int]*worker
	nextWorkerID int

	statsMu     sync.Mutex
	stats       taskStats
	completions *throughput
}

type taskStats struct {
	total          int64
	completed      int64
	failed         int64
	retries        int64
	timeouts       int64
	canceled       int64
	processingTime time.Duration
}

// New creates a Processor. Call Start to launch workers.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = def.ScaleInterval
	}
	if cfg.ScaleUpRatio <= 0 {
		cfg.ScaleUpRatio = def.ScaleUpRatio
	}
	if cfg.ScaleSamples <= 0 {
		cfg.ScaleSamples = def.ScaleSamples
	}
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = def.ThroughputWindow
	}

	p := &Processor{
		cfg:         cfg,
		logger:      logger.With("component", "processor"),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
		reporter:    nopReporter{},
		recorder:    nopRecorder{},
		handlers:    make(map[string]HandlerFunc),
		workers:     make(map[int]*worker),
		completions: newThroughput(cfg.ThroughputWindow),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = NewQueue(QueueConfig{
		Capacity:       cfg.QueueSize,
		AgingThreshold: cfg.AgingThreshold,
		FairnessWindow: cfg.FairnessWindow,
	}, p.now)
	return p
}

// RegisterHandler installs the handler for msgType, replacing any previous one.
func (p *Processor) RegisterHandler(msgType string, h HandlerFunc) error {
	if msgType == "" {
		return fmt.Errorf("%w: empty message type", ErrInvalidHandler)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidHandler, msgType)
	}

	p.handlersMu.Lock()
	_, replaced := p.handlers[msgType]
	p.handlers[msgType] = h
	p.handlersMu.Unlock()

	p.logger.Debug("handler registered", "type", msgType, "replaced", replaced)
	return nil
}

// HandlerTypes returns the registered message types.
func (p *Processor) HandlerTypes() []string {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()

	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

func (p *Processor) handler(msgType string) (HandlerFunc, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[msgType]
	return h, ok
}

// QueueMessage enqueues msg without blocking and returns the task id.
// It fails with ErrQueueFull when the queue is at capacity.
func (p *Processor) QueueMessage(msg Message, sessionID, userID string, opts ...TaskOption) (string, error) {
	if msg.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if p.closed.Load() {
		return "", ErrShuttingDown
	}

	t := &Task{
		ID:         uuid.NewString(),
		Message:    msg,
		SessionID:  sessionID,
		UserID:     userID,
		Priority:   PriorityNormal,
		EnqueuedAt: p.now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if !t.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}

	if err := p.queue.Push(t); err != nil {
		return "", err
	}

	p.statsMu.Lock()
	p.stats.total++
	p.statsMu.Unlock()
	p.recorder.TaskQueued(t.Priority)

	return t.ID, nil
}

// Start launches the minimum number of workers and the auto-scaler.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnWorker()
	}
	if p.cfg.AutoScale && p.cfg.MaxWorkers > p.cfg.MinWorkers {
		p.wg.Add(1)
		go p.scaleLoop()
	}

	p.logger.Info("processor started",
		"workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers,
		"queue_size", p.cfg.QueueSize,
		"auto_scale", p.cfg.AutoScale,
	)
	return nil
}

// Stop stops accepting work and drains until the queue is idle or ctx is
// done. Tasks still queued afterwards fail with ErrShuttingDown, in-flight
// handlers are cancelled and workers exit.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("stopping processor", "queued", p.queue.Len())
	start := time.Now()

	drained := p.waitIdle(ctx)
	p.queue.Close()
	if p.cancel != nil {
		p.cancel()
	}

	canceled := p.queue.Drain()
	for _, t := range canceled {
		p.finish(nil, t, nil, ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	wait := ctx
	if ctx.Err() != nil {
		// In-flight invocations return as soon as they observe cancellation.
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
	}

	select {
	case <-done:
		p.logger.Info("processor stopped",
			"drained", drained,
			"canceled", len(canceled),
			"duration", time.Since(start),
		)
		return nil
	case <-wait.Done():
		p.logger.Warn("processor stop timeout", "canceled", len(canceled))
		return wait.Err()
	}
}

// waitIdle polls until the queue is idle or ctx is done.
func (p *Processor) waitIdle(ctx context.Context) bool {
	if !p.started.Load() {
		return p.queue.Idle()
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.queue.Idle() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// WaitIdle blocks until nothing is queued or in flight, or ctx is done.
func (p *Processor) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for !p.queue.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Running reports whether the processor has started and not stopped.
func (p *Processor) Running() bool {
	return p.started.Load() && !p.closed.Load()
}

func isShutdown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}
