package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/realtime-core/internal/health"
)

// Source produces health snapshots. *health.Checker satisfies it.
type Source interface {
	Check(ctx context.Context) health.Status
}

// Handler receives snapshots.
type Handler interface {
	HandleSnapshot(st health.Status) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(health.Status) error

func (f HandlerFunc) HandleSnapshot(st health.Status) error {
	return f(st)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 1m)
	Timeout  time.Duration // Per-check timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Timeout:  5 * time.Second,
	}
}

// Stats holds poller counters.
type Stats struct {
	Polls       int64 `json:"polls"`
	Transitions int64 `json:"transitions"`
	Errors      int64 `json:"errors"`
}

// Poller periodically snapshots system health.
type Poller struct {
	cfg     Config
	source  Source
	handler Handler
	logger  *slog.Logger

	mu   sync.RWMutex
	last health.Status

	polls       atomic.Int64
	transitions atomic.Int64
	errors      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. handler may be nil when snapshots are only logged.
func New(cfg Config, source Source, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  logger.With("component", "snapshot"),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("health snapshot poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("health snapshot poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Last returns the most recent snapshot.
func (p *Poller) Last() health.Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Stats returns poller counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Polls:       p.polls.Load(),
		Transitions: p.transitions.Load(),
		Errors:      p.errors.Load(),
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll(p.ctx)
		}
	}
}

// poll takes one snapshot.
func (p *Poller) poll(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	st := p.source.Check(cctx)
	cancel()

	p.polls.Add(1)

	p.mu.Lock()
	prev := p.last
	p.last = st
	p.mu.Unlock()

	if prev.Status != "" && prev.Status != st.Status {
		p.transitions.Add(1)
		level := slog.LevelWarn
		if st.IsHealthy() {
			level = slog.LevelInfo
		}
		p.logger.Log(ctx, level, "health changed",
			"from", prev.Status,
			"to", st.Status,
			"unhealthy", failing(st),
		)
	}

	if p.handler == nil {
		return
	}
	if err := p.handler.HandleSnapshot(st); err != nil {
		p.errors.Add(1)
		p.logger.Warn("snapshot handler failed", "error", err)
	}
}

// failing lists the sub-components that are not healthy.
func failing(st health.Status) []string {
	var out []string
	for _, sub := range st.SubStatuses {
		if !sub.IsHealthy() {
			out = append(out, sub.Component)
		}
	}
	return out
}
