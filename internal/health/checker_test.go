package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/processor"
)

type stubConnections connection.Stats

func (s stubConnections) Stats() connection.Stats { return connection.Stats(s) }

type stubProcessor struct {
	metrics processor.Metrics
	queue   processor.QueueStatus
	running bool
}

func (s stubProcessor) Metrics() processor.Metrics         { return s.metrics }
func (s stubProcessor) QueueStatus() processor.QueueStatus { return s.queue }
func (s stubProcessor) Running() bool                      { return s.running }

type stubErrors errhandler.Metrics

func (s stubErrors) Metrics() errhandler.Metrics { return errhandler.Metrics(s) }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func healthyProcessor() stubProcessor {
	return stubProcessor{
		metrics: processor.Metrics{Workers: 2},
		queue:   processor.QueueStatus{Utilization: 0.1},
		running: true,
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, tt.want == StatusHealthy, st.Healthy)
			assert.Len(t, st.SubStatuses, len(tt.subs))
		})
	}
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(DefaultConfig(),
		WithConnections(stubConnections{Total: 3, Connected: 3, Capacity: 100}),
		WithProcessor(healthyProcessor()),
		WithErrors(stubErrors{}),
		WithDatabase(stubPinger{}),
	)

	st := c.Check(context.Background())
	assert.True(t, st.IsHealthy())
	require.Len(t, st.SubStatuses, 4)
	names := []string{}
	for _, s := range st.SubStatuses {
		names = append(names, s.Component)
	}
	assert.Equal(t, []string{ComponentConnections, ComponentProcessor, ComponentErrors, ComponentDatabase}, names)
}

func TestChecker_Connections(t *testing.T) {
	c := NewChecker(DefaultConfig(), WithConnections(stubConnections{Total: 95, Connected: 95, Capacity: 100}))

	st := c.Check(context.Background())
	assert.True(t, st.IsDegraded())
	assert.Equal(t, 95, st.SubStatuses[0].Details["total"])
}

func TestChecker_Processor(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*stubProcessor)
		want   string
	}{
		{"healthy", func(*stubProcessor) {}, StatusHealthy},
		{"stopped", func(p *stubProcessor) { p.running = false }, StatusUnhealthy},
		{"no workers", func(p *stubProcessor) { p.metrics.Workers = 0 }, StatusUnhealthy},
		{"queue filling", func(p *stubProcessor) { p.queue.Utilization = 0.85 }, StatusDegraded},
		{"queue full", func(p *stubProcessor) { p.queue.Utilization = 0.99 }, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := healthyProcessor()
			tt.mutate(&p)
			st := NewChecker(DefaultConfig(), WithProcessor(p)).Check(context.Background())
			assert.Equal(t, tt.want, st.SubStatuses[0].Status)
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestChecker_Errors(t *testing.T) {
	tests := []struct {
		name    string
		metrics stubErrors
		want    string
	}{
		{"quiet", stubErrors{Total: 40}, StatusHealthy},
		{"open breaker", stubErrors{OpenBreakers: 1}, StatusDegraded},
		{"some critical", stubErrors{RecentCritical: 2}, StatusDegraded},
		{"critical storm", stubErrors{RecentCritical: 10}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewChecker(DefaultConfig(), WithErrors(tt.metrics)).Check(context.Background())
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestChecker_DatabaseDegradesAndSanitizes(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.5:5432: connect: connection refused password=hunter2")
	st := NewChecker(DefaultConfig(), WithDatabase(stubPinger{err: err})).Check(context.Background())

	assert.True(t, st.IsDegraded())
	msg := st.SubStatuses[0].Details["error"].(string)
	assert.NotContains(t, msg, "10.0.0.5")
	assert.NotContains(t, msg, "hunter2")
	assert.Contains(t, msg, "connection refused")
}
