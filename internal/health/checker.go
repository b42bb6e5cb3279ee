package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/processor"
)

// Component names used in sub-statuses.
const (
	ComponentSystem      = "realtime"
	ComponentConnections = "connections"
	ComponentProcessor   = "processor"
	ComponentErrors      = "errors"
	ComponentDatabase    = "database"
)

// ConnectionSource reports registry state. *connection.Registry satisfies it.
type ConnectionSource interface {
	Stats() connection.Stats
}

// ProcessorSource reports processor state. *processor.Processor satisfies it.
type ProcessorSource interface {
	Metrics() processor.Metrics
	QueueStatus() processor.QueueStatus
	Running() bool
}

// ErrorSource reports error handler state. *errhandler.Handler satisfies it.
type ErrorSource interface {
	Metrics() errhandler.Metrics
}

// Pinger checks a dependency. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the thresholds a Checker applies.
type Config struct {
	ConnectionsDegraded float64 // fraction of capacity in use
	QueueDegraded       float64 // queue utilization
	QueueUnhealthy      float64
	CriticalDegraded    int // Critical errors within the error handler's window
	CriticalUnhealthy   int
	PingTimeout         time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionsDegraded: 0.9,
		QueueDegraded:       0.8,
		QueueUnhealthy:      0.95,
		CriticalDegraded:    1,
		CriticalUnhealthy:   10,
		PingTimeout:         2 * time.Second,
	}
}

// Checker builds the composite status from whichever sources are attached.
type Checker struct {
	cfg         Config
	connections ConnectionSource
	processor   ProcessorSource
	errors      ErrorSource
	database    Pinger
	startedAt   time.Time
}

// Option attaches a source to a Checker.
type Option func(*Checker)

// WithConnections attaches the connection registry.
func WithConnections(s ConnectionSource) Option {
	return func(c *Checker) { c.connections = s }
}

// WithProcessor attaches the task processor.
func WithProcessor(s ProcessorSource) Option {
	return func(c *Checker) { c.processor = s }
}

// WithErrors attaches the error handler.
func WithErrors(s ErrorSource) Option {
	return func(c *Checker) { c.errors = s }
}

// WithDatabase attaches the export database.
func WithDatabase(p Pinger) Option {
	return func(c *Checker) { c.database = p }
}

// NewChecker creates a checker.
func NewChecker(cfg Config, opts ...Option) *Checker {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultConfig().PingTimeout
	}
	c := &Checker{cfg: cfg, startedAt: time.Now()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check evaluates every attached source.
func (c *Checker) Check(ctx context.Context) Status {
	var subs []Status
	if c.connections != nil {
		subs = append(subs, c.checkConnections())
	}
	if c.processor != nil {
		subs = append(subs, c.checkProcessor())
	}
	if c.errors != nil {
		subs = append(subs, c.checkErrors())
	}
	if c.database != nil {
		subs = append(subs, c.checkDatabase(ctx))
	}

	st := Aggregate(ComponentSystem, subs)
	return st.with(map[string]any{"uptime_seconds": int64(time.Since(c.startedAt).Seconds())})
}

func (c *Checker) checkConnections() Status {
	s := c.connections.Stats()
	details := map[string]any{
		"total":        s.Total,
		"connected":    s.Connected,
		"reconnecting": s.Reconnecting,
		"users":        s.Users,
		"capacity":     s.Capacity,
	}

	if s.Capacity > 0 {
		used := float64(s.Total) / float64(s.Capacity)
		if used >= c.cfg.ConnectionsDegraded {
			msg := fmt.Sprintf("%d of %d connection slots in use", s.Total, s.Capacity)
			return NewDegraded(ComponentConnections, msg).with(details)
		}
	}
	return NewHealthy(ComponentConnections, fmt.Sprintf("%d sessions connected", s.Connected)).with(details)
}

func (c *Checker) checkProcessor() Status {
	m := c.processor.Metrics()
	q := c.processor.QueueStatus()
	details := map[string]any{
		"queue_depth":       q.Depth,
		"queue_utilization": q.Utilization,
		"workers":           m.Workers,
		"busy_workers":      m.BusyWorkers,
		"completed":         m.CompletedTasks,
		"failed":            m.FailedTasks,
		"throughput":        m.Throughput,
	}

	switch {
	case !c.processor.Running():
		return NewUnhealthy(ComponentProcessor, "processor not running").with(details)
	case m.Workers == 0:
		return NewUnhealthy(ComponentProcessor, "no workers").with(details)
	case q.Utilization >= c.cfg.QueueUnhealthy:
		return NewUnhealthy(ComponentProcessor, fmt.Sprintf("queue %.0f%% full", q.Utilization*100)).with(details)
	case q.Utilization >= c.cfg.QueueDegraded:
		return NewDegraded(ComponentProcessor, fmt.Sprintf("queue %.0f%% full", q.Utilization*100)).with(details)
	}
	return NewHealthy(ComponentProcessor, fmt.Sprintf("%d workers", m.Workers)).with(details)
}

func (c *Checker) checkErrors() Status {
	m := c.errors.Metrics()
	details := map[string]any{
		"total":                 m.Total,
		"open_breakers":         m.OpenBreakers,
		"recent_critical":       m.RecentCritical,
		"recovery_success_rate": m.RecoverySuccessRate,
	}

	switch {
	case c.cfg.CriticalUnhealthy > 0 && m.RecentCritical >= c.cfg.CriticalUnhealthy:
		return NewUnhealthy(ComponentErrors, fmt.Sprintf("%d recent critical errors", m.RecentCritical)).with(details)
	case c.cfg.CriticalDegraded > 0 && m.RecentCritical >= c.cfg.CriticalDegraded:
		return NewDegraded(ComponentErrors, fmt.Sprintf("%d recent critical errors", m.RecentCritical)).with(details)
	case m.OpenBreakers > 0:
		return NewDegraded(ComponentErrors, fmt.Sprintf("%d circuit breakers open", m.OpenBreakers)).with(details)
	}
	return NewHealthy(ComponentErrors, "no open breakers").with(details)
}

// checkDatabase treats an unreachable database as degraded; it only backs exports.
func (c *Checker) checkDatabase(ctx context.Context) Status {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	start := time.Now()
	if err := c.database.Ping(pctx); err != nil {
		return NewDegraded(ComponentDatabase, "database unreachable").with(map[string]any{"error": sanitize(err.Error())})
	}
	return NewHealthy(ComponentDatabase, "database reachable").with(map[string]any{"latency_ms": time.Since(start).Milliseconds()})
}
