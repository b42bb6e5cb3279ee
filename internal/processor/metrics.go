package processor

import (
	"sort"
	"sync"
	"time"
)

// Metrics is an aggregate view of task processing.
type Metrics struct {
	TotalTasks            int64         `json:"total_tasks"`
	QueuedTasks           int           `json:"queued_tasks"`
	InFlightTasks         int           `json:"in_flight_tasks"`
	CompletedTasks        int64         `json:"completed_tasks"`
	FailedTasks           int64         `json:"failed_tasks"`
	Retries               int64         `json:"retries"`
	TimedOutTasks         int64         `json:"timed_out_tasks"`
	CanceledTasks         int64         `json:"canceled_tasks"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	Throughput            float64       `json:"throughput"` // terminal tasks per second over ThroughputWindow
	Workers               int           `json:"workers"`
	BusyWorkers           int           `json:"busy_workers"`
}

// WorkerMetrics describes one worker.
type WorkerMetrics struct {
	ID                    int           `json:"id"`
	State                 WorkerState   `json:"state"`
	TasksProcessed        int64         `json:"tasks_processed"`
	TasksFailed           int64         `json:"tasks_failed"`
	TotalProcessingTime   time.Duration `json:"total_processing_time"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	Retiring              bool          `json:"retiring"`
	StartedAt             time.Time     `json:"started_at"`
	LastActive            time.Time     `json:"last_active,omitzero"`
}

// Metrics returns aggregate counters.
func (p *Processor) Metrics() Metrics {
	qs := p.queue.Status()
	workers, busy := p.workerCounts()

	recent := p.completions.Count(p.now())

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	m := Metrics{
		TotalTasks:     p.stats.total,
		QueuedTasks:    qs.Total,
		InFlightTasks:  qs.InFlight,
		CompletedTasks: p.stats.completed,
		FailedTasks:    p.stats.failed,
		Retries:        p.stats.retries,
		TimedOutTasks:  p.stats.timeouts,
		CanceledTasks:  p.stats.canceled,
		Throughput:     float64(recent) / p.cfg.ThroughputWindow.Seconds(),
		Workers:        workers,
		BusyWorkers:    busy,
	}
	if done := p.stats.completed + p.stats.failed; done > 0 {
		m.AverageProcessingTime = p.stats.processingTime / time.Duration(done)
	}
	return m
}

// WorkerMetrics returns per-worker metrics ordered by id.
func (p *Processor) WorkerMetrics() []WorkerMetrics {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	out := make([]WorkerMetrics, 0, len(p.workers))
	for _, w := range p.workers {
		w.mu.Lock()
		wm := WorkerMetrics{
			ID:                  w.id,
			State:               WorkerState(w.state.Load()),
			TasksProcessed:      w.processed.Load(),
			TasksFailed:         w.failed.Load(),
			TotalProcessingTime: time.Duration(w.busyTime.Load()),
			Retiring:            w.retiring,
			StartedAt:           w.startedAt,
			LastActive:          w.lastActive,
		}
		w.mu.Unlock()
		if wm.TasksProcessed > 0 {
			wm.AverageProcessingTime = wm.TotalProcessingTime / time.Duration(wm.TasksProcessed)
		}
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueueStatus returns per-priority depths, capacity and oldest waits.
func (p *Processor) QueueStatus() QueueStatus {
	return p.queue.Status()
}

// throughput counts terminal tasks in one-second buckets covering the
// throughput window.
type throughput struct {
	mu     sync.Mutex
	counts []int64
	stamps []int64 // unix second each bucket was last reset for
}

func newThroughput(window time.Duration) *throughput {
	n := int((window + time.Second - 1) / time.Second)
	if n < 1 {
		n = 1
	}
	return &throughput{counts: make([]int64, n), stamps: make([]int64, n)}
}

// Record counts one completion at now.
func (t *throughput) Record(now time.Time) {
	sec := now.Unix()
	i := int(sec % int64(len(t.counts)))

	t.mu.Lock()
	if t.stamps[i] != sec {
		t.stamps[i] = sec
		t.counts[i] = 0
	}
	t.counts[i]++
	t.mu.Unlock()
}

// Count returns the completions recorded in the window ending at now.
func (t *throughput) Count(now time.Time) int64 {
	sec := now.Unix()
	oldest := sec - int64(len(t.counts))

	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for i, stamp := range t.stamps {
		if stamp > oldest && stamp <= sec {
			n += t.counts[i]
		}
	}
	return n
}
