package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/realtime-core/internal/ring"
)

// QueueConfig holds queue configuration.
type QueueConfig struct {
	// Capacity bounds the total depth across all priorities.
	Capacity int

	// AgingThreshold promotes a High, Normal or Low head that has waited at
	// least this long ahead of fresher higher-priority work. Zero disables.
	AgingThreshold time.Duration

	// FairnessWindow guarantees Low one dispatch after this many consecutive
	// dispatches from higher levels while Low is waiting. Zero disables.
	FairnessWindow int
}

// Queue is a bounded four-level priority queue. FIFO within a level.
//
// Dispatch order for each Pop:
//  1. Low, if the fairness window is exhausted.
//  2. Critical, if non-empty.
//  3. The oldest aged head among High, Normal and Low.
//  4. High, then Normal, then Low.
type Queue struct {
	cfg QueueConfig
	now func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	levels   [numPriorities]*ring.Buffer[*Task]
	depth    int
	inflight int
	sinceLow int
	closed   bool

	aged     int64
	fairness int64
}

// NewQueue creates a queue.
func NewQueue(cfg QueueConfig, now func() time.Time) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	q := &Queue{cfg: cfg, now: now}
	q.cond = sync.NewCond(&q.mu)
	for i := range q.levels {
		q.levels[i] = ring.NewBuffer[*Task](64)
	}
	return q
}

// Push enqueues t without blocking.
func (q *Queue) Push(t *Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, t.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	if q.depth >= q.cfg.Capacity {
		return ErrQueueFull
	}
	q.levels[t.Priority].Push(t)
	q.depth++
	q.cond.Signal()
	return nil
}

// Pop blocks until a task is available, ctx is done or the queue is
// closed and empty. A popped task counts as in flight until Done.
func (q *Queue) Pop(ctx context.Context) (*Task, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.depth > 0 {
			t := q.next()
			q.inflight++
			return t, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}
}

// TryPop is Pop without blocking.
func (q *Queue) TryPop() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depth == 0 {
		return nil, false
	}
	t := q.next()
	q.inflight++
	return t, true
}

// Done marks a popped task as no longer in flight.
func (q *Queue) Done() {
	q.mu.Lock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.mu.Unlock()
}

// next removes the task chosen by the dispatch order. Must be called
// with lock held and depth > 0.
func (q *Queue) next() *Task {
	low := q.levels[PriorityLow]

	level := PriorityLow
	switch {
	case q.cfg.FairnessWindow > 0 && q.sinceLow >= q.cfg.FairnessWindow && low.Len() > 0:
		q.fairness++
	case q.levels[PriorityCritical].Len() > 0:
		level = PriorityCritical
	default:
		if aged, ok := q.oldestAged(); ok {
			level = aged
			if q.headOutranked(aged) {
				q.aged++
			}
			break
		}
		for p := PriorityHigh; p >= PriorityLow; p-- {
			if q.levels[p].Len() > 0 {
				level = p
				break
			}
		}
	}

	t, _ := q.levels[level].TryPop()
	q.depth--
	if level == PriorityLow {
		q.sinceLow = 0
	} else if low.Len() > 0 {
		q.sinceLow++
	}
	return t
}

// oldestAged returns the level below Critical whose head has waited at
// least the aging threshold the longest.
func (q *Queue) oldestAged() (Priority, bool) {
	if q.cfg.AgingThreshold <= 0 {
		return 0, false
	}
	now := q.now()

	var (
		best   Priority
		oldest time.Time
		found  bool
	)
	for p := PriorityHigh; p >= PriorityLow; p-- {
		head, ok := q.levels[p].Peek()
		if !ok || now.Sub(head.EnqueuedAt) < q.cfg.AgingThreshold {
			continue
		}
		if !found || head.EnqueuedAt.Before(oldest) {
			best, oldest, found = p, head.EnqueuedAt, true
		}
	}
	return best, found
}

// headOutranked reports whether a higher level than p has work waiting.
func (q *Queue) headOutranked(p Priority) bool {
	for hp := p + 1; hp < numPriorities; hp++ {
		if q.levels[hp].Len() > 0 {
			return true
		}
	}
	return false
}

// Close stops the queue accepting work and wakes all waiters. Queued
// tasks remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain removes every queued task, highest priority first.
func (q *Queue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Task
	for p := PriorityCritical; p >= PriorityLow; p-- {
		out = append(out, q.levels[p].Drain(0)...)
	}
	q.depth = 0
	return out
}

// Len returns the total queued depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth == 0 && q.inflight == 0
}

// QueueStatus is a read-only view of the queue.
type QueueStatus struct {
	Depth              map[string]int           `json:"depth"`
	OldestWait         map[string]time.Duration `json:"oldest_wait"`
	Total              int                      `json:"total"`
	Capacity           int                      `json:"capacity"`
	Utilization        float64                  `json:"utilization"`
	InFlight           int                      `json:"in_flight"`
	AgedDispatches     int64                    `json:"aged_dispatches"`
	FairnessDispatches int64                    `json:"fairness_dispatches"`
}

// Status returns a snapshot of depths and waits per priority.
func (q *Queue) Status() QueueStatus {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	st := QueueStatus{
		Depth:              make(map[string]int, numPriorities),
		OldestWait:         make(map[string]time.Duration, numPriorities),
		Total:              q.depth,
		Capacity:           q.cfg.Capacity,
		Utilization:        float64(q.depth) / float64(q.cfg.Capacity),
		InFlight:           q.inflight,
		AgedDispatches:     q.aged,
		FairnessDispatches: q.fairness,
	}
	for p := PriorityLow; p <= PriorityCritical; p++ {
		name := p.String()
		st.Depth[name] = q.levels[p].Len()
		if head, ok := q.levels[p].Peek(); ok {
			st.OldestWait[name] = now.Sub(head.EnqueuedAt)
		}
	}
	return st
}
