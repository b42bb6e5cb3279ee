package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/processor"
)

// stateCollector reports gauges read from live components at scrape time.
type stateCollector struct {
	mu          sync.RWMutex
	queue       func() processor.QueueStatus
	connections func() connection.Stats

	queueDepth       *prometheus.Desc
	queueUtilization *prometheus.Desc
	queueInFlight    *prometheus.Desc
	sessions         *prometheus.Desc
	users            *prometheus.Desc
}

func newStateCollector() *stateCollector {
	return &stateCollector{
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "processor", "queue_depth"),
			"Queued tasks per priority", []string{"priority"}, nil),
		queueUtilization: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "processor", "queue_utilization"),
			"Queued tasks as a fraction of capacity", nil, nil),
		queueInFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "processor", "tasks_in_flight"),
			"Tasks currently held by workers", nil, nil),
		sessions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connections", "sessions"),
			"Registered sessions by state", []string{"state"}, nil),
		users: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connections", "users"),
			"Distinct users with at least one session", nil, nil),
	}
}

func (s *stateCollector) setQueue(fn func() processor.QueueStatus) {
	s.mu.Lock()
	s.queue = fn
	s.mu.Unlock()
}

func (s *stateCollector) setConnections(fn func() connection.Stats) {
	s.mu.Lock()
	s.connections = fn
	s.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (s *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.queueDepth
	ch <- s.queueUtilization
	ch <- s.queueInFlight
	ch <- s.sessions
	ch <- s.users
}

// Collect implements prometheus.Collector.
func (s *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	queue, conns := s.queue, s.connections
	s.mu.RUnlock()

	if queue != nil {
		st := queue()
		for priority, n := range st.Depth {
			ch <- prometheus.MustNewConstMetric(s.queueDepth, prometheus.GaugeValue, float64(n), priority)
		}
		ch <- prometheus.MustNewConstMetric(s.queueUtilization, prometheus.GaugeValue, st.Utilization)
		ch <- prometheus.MustNewConstMetric(s.queueInFlight, prometheus.GaugeValue, float64(st.InFlight))
	}

	if conns != nil {
		st := conns()
		ch <- prometheus.MustNewConstMetric(s.sessions, prometheus.GaugeValue, float64(st.Connected), connection.StateConnected.String())
		ch <- prometheus.MustNewConstMetric(s.sessions, prometheus.GaugeValue, float64(st.Reconnecting), connection.StateReconnecting.String())
		ch <- prometheus.MustNewConstMetric(s.users, prometheus.GaugeValue, float64(st.Users))
	}
}
