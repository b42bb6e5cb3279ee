package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/processor"
)

func TestCollector_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NoError(t, c.Register())
	require.NoError(t, c.Register())

	// a second collector on the same registry sees AlreadyRegistered and tolerates it
	require.NoError(t, New(reg).Register())
}

func TestCollector_Tasks(t *testing.T) {
	c := New(prometheus.NewRegistry())
	require.NoError(t, c.Register())

	c.TaskQueued(processor.PriorityHigh)
	c.TaskQueued(processor.PriorityHigh)
	c.TaskQueued(processor.PriorityLow)
	c.TaskFinished("echo", processor.StatusCompleted, 20*time.Millisecond)
	c.TaskFinished("echo", processor.StatusFailed, time.Second)
	c.TaskRetried("echo")
	c.WorkerCount(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksQueued.WithLabelValues("high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksQueued.WithLabelValues("low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("echo", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("echo", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskRetries.WithLabelValues("echo")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.workers))
	assert.Equal(t, 1, testutil.CollectAndCount(c.processingSeconds))
}

func TestCollector_Errors(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveError(errhandler.Record{Type: errhandler.TypeNetworkError, Severity: errhandler.SeverityHigh, RecoveryAttempted: true, RecoverySuccessful: true})
	c.ObserveError(errhandler.Record{Type: errhandler.TypeNetworkError, Severity: errhandler.SeverityHigh, RecoveryAttempted: true})
	c.ObserveError(errhandler.Record{Type: errhandler.TypeAuthenticationFailed, Severity: errhandler.SeverityCritical})
	c.ObserveBreaker("send_message", errhandler.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.errorsTotal.WithLabelValues("network_error", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorsTotal.WithLabelValues("authentication_failed", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries.WithLabelValues("network_error", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries.WithLabelValues("network_error", "failure")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.recoveries), "unattempted recoveries are not counted")
	assert.Equal(t, float64(errhandler.StateOpen), testutil.ToFloat64(c.breakerState.WithLabelValues("send_message")))
}

func TestCollector_ConnectionsAndDispatch(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ConnectionEvent(connection.EventConnected)
	c.ConnectionEvent(connection.EventConnected)
	c.ConnectionEvent(connection.EventTimedOut)
	c.MessageSent("chat", 120)
	c.MessageSent("chat", 80)
	c.MessageFailed("chat", "transport")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionEvents.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionEvents.WithLabelValues("timed_out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("chat")))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.messageBytes.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesFailed.WithLabelValues("chat", "transport")))
}

func TestCollector_StateSampledAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NoError(t, c.Register())

	assert.Equal(t, 0, testutil.CollectAndCount(c.state), "nothing is reported before sources are attached")

	depth := 3
	c.WatchQueue(func() processor.QueueStatus {
		return processor.QueueStatus{
			Depth:       map[string]int{"critical": 0, "high": depth, "normal": 0, "low": 1},
			Utilization: 0.4,
			InFlight:    2,
		}
	})
	c.WatchConnections(func() connection.Stats {
		return connection.Stats{Connected: 5, Reconnecting: 1, Users: 3}
	})

	// 4 depth series, utilization, in flight, 2 session series, users
	assert.Equal(t, 9, testutil.CollectAndCount(c.state))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "realtime_processor_queue_depth" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetLabel()[0].GetValue() == "high" {
				found = true
				assert.Equal(t, 3.0, m.GetGauge().GetValue())
			}
		}
	}
	assert.True(t, found)
}
