package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/processor"
)

const namespace = "realtime"

var (
	_ processor.Recorder  = (*Collector)(nil)
	_ errhandler.Recorder = (*Collector)(nil)
	_ connection.Recorder = (*Collector)(nil)
	_ dispatch.Recorder   = (*Collector)(nil)
)

// Collector implements the recorder interfaces of the processor, error
// handler, connection registry and dispatcher on top of Prometheus.
type Collector struct {
	mu sync.Mutex

	tasksQueued       *prometheus.CounterVec
	tasksFinished     *prometheus.CounterVec
	taskRetries       *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	workers           prometheus.Gauge

	errorsTotal  *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	connectionEvents *prometheus.CounterVec

	messagesSent   *prometheus.CounterVec
	messageBytes   *prometheus.CounterVec
	messagesFailed *prometheus.CounterVec

	state *stateCollector

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer:    registerer,
		tasksQueued:   newCounterVec("processor", "tasks_queued_total", "Tasks accepted into the queue", []string{"priority"}),
		tasksFinished: newCounterVec("processor", "tasks_finished_total", "Tasks that reached a terminal state", []string{"type", "status"}),
		taskRetries:   newCounterVec("processor", "task_retries_total", "Handler attempts beyond the first", []string{"type"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "processing_seconds",
			Help:      "Time from first handler invocation to terminal state",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"type"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "workers",
			Help:      "Active workers",
		}),
		errorsTotal: newCounterVec("errors", "handled_total", "Errors handled by type and severity", []string{"type", "severity"}),
		recoveries:  newCounterVec("errors", "recoveries_total", "Recovery attempts by type and result", []string{"type", "result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 open, 2 half-open)",
		}, []string{"operation"}),
		connectionEvents: newCounterVec("connections", "events_total", "Connection lifecycle events", []string{"event"}),
		messagesSent:     newCounterVec("dispatch", "messages_sent_total", "Messages written to clients", []string{"type"}),
		messageBytes:     newCounterVec("dispatch", "bytes_sent_total", "Encoded bytes written to clients", []string{"type"}),
		messagesFailed:   newCounterVec("dispatch", "messages_failed_total", "Messages that could not be delivered", []string{"type", "reason"}),
		state:            newStateCollector(),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.tasksQueued,
		c.tasksFinished,
		c.taskRetries,
		c.processingSeconds,
		c.workers,
		c.errorsTotal,
		c.recoveries,
		c.breakerState,
		c.connectionEvents,
		c.messagesSent,
		c.messageBytes,
		c.messagesFailed,
		c.state,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			// Already registered is not an error
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// TaskQueued implements processor.Recorder.
func (c *Collector) TaskQueued(p processor.Priority) {
	c.tasksQueued.WithLabelValues(p.String()).Inc()
}

// TaskFinished implements processor.Recorder.
func (c *Collector) TaskFinished(msgType string, status processor.Status, processingTime time.Duration) {
	c.tasksFinished.WithLabelValues(msgType, status.String()).Inc()
	c.processingSeconds.WithLabelValues(msgType).Observe(processingTime.Seconds())
}

// TaskRetried implements processor.Recorder.
func (c *Collector) TaskRetried(msgType string) {
	c.taskRetries.WithLabelValues(msgType).Inc()
}

// WorkerCount implements processor.Recorder.
func (c *Collector) WorkerCount(n int) {
	c.workers.Set(float64(n))
}

// ObserveError implements errhandler.Recorder.
func (c *Collector) ObserveError(rec errhandler.Record) {
	c.errorsTotal.WithLabelValues(string(rec.Type), rec.Severity.String()).Inc()
	if !rec.RecoveryAttempted {
		return
	}
	result := "failure"
	if rec.RecoverySuccessful {
		result = "success"
	}
	c.recoveries.WithLabelValues(string(rec.Type), result).Inc()
}

// ObserveBreaker implements errhandler.Recorder.
func (c *Collector) ObserveBreaker(operation string, state errhandler.BreakerState) {
	c.breakerState.WithLabelValues(operation).Set(float64(state))
}

// ConnectionEvent implements connection.Recorder.
func (c *Collector) ConnectionEvent(event string) {
	c.connectionEvents.WithLabelValues(event).Inc()
}

// MessageSent implements dispatch.Recorder.
func (c *Collector) MessageSent(msgType string, bytes int) {
	c.messagesSent.WithLabelValues(msgType).Inc()
	c.messageBytes.WithLabelValues(msgType).Add(float64(bytes))
}

// MessageFailed implements dispatch.Recorder.
func (c *Collector) MessageFailed(msgType, reason string) {
	c.messagesFailed.WithLabelValues(msgType, reason).Inc()
}

// WatchQueue samples queue depth at scrape time.
func (c *Collector) WatchQueue(fn func() processor.QueueStatus) {
	c.state.setQueue(fn)
}

// WatchConnections samples session counts at scrape time.
func (c *Collector) WatchConnections(fn func() connection.Stats) {
	c.state.setConnections(fn)
}
