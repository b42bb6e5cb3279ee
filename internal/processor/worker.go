package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	busyTime  atomic.Int64 // nanoseconds

	mu         sync.Mutex
	retiring   bool
	startedAt  time.Time
	lastActive time.Time
}

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// spawnWorker starts a worker unless MaxWorkers are already active.
func (p *Processor) spawnWorker() bool {
	p.workersMu.Lock()
	if p.activeWorkersLocked() >= p.cfg.MaxWorkers {
		p.workersMu.Unlock()
		return false
	}
	p.nextWorkerID++
	w := &worker{id: p.nextWorkerID, startedAt: p.now()}
	w.ctx, w.cancel = context.WithCancel(p.ctx)
	p.workers[w.id] = w
	n := p.activeWorkersLocked()
	p.workersMu.Unlock()

	p.recorder.WorkerCount(n)
	p.wg.Add(1)
	go p.runWorker(w)
	return true
}

// retireWorker signals one worker to exit after its current task, never
// going below MinWorkers. Idle workers are retired first.
func (p *Processor) retireWorker() bool {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	if p.activeWorkersLocked() <= p.cfg.MinWorkers {
		return false
	}

	var pick *worker
	for _, w := range p.workers {
		w.mu.Lock()
		retiring := w.retiring
		w.mu.Unlock()
		if retiring {
			continue
		}
		if pick == nil || (WorkerState(w.state.Load()) == WorkerIdle && WorkerState(pick.state.Load()) != WorkerIdle) {
			pick = w
		}
	}
	if pick == nil {
		return false
	}

	pick.mu.Lock()
	pick.retiring = true
	pick.mu.Unlock()
	pick.cancel()

	p.recorder.WorkerCount(p.activeWorkersLocked())
	return true
}

// activeWorkersLocked counts workers not being retired. Must be called
// with workersMu held.
func (p *Processor) activeWorkersLocked() int {
	n := 0
	for _, w := range p.workers {
		w.mu.Lock()
		if !w.retiring {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

func (p *Processor) runWorker(w *worker) {
	defer p.wg.Done()
	defer func() {
		p.workersMu.Lock()
		delete(p.workers, w.id)
		p.workersMu.Unlock()
		w.cancel()
		p.logger.Debug("worker exited", "worker", w.id, "processed", w.processed.Load())
	}()

	for {
		task, err := p.queue.Pop(w.ctx)
		if err != nil {
			return
		}
		p.process(w, task)
		p.queue.Done()
	}
}

// process runs task to a terminal state, retrying failed attempts with
// exponential backoff.
func (p *Processor) process(w *worker, t *Task) {
	w.setState(WorkerBusy)
	t.status.Store(int32(StatusProcessing))
	t.mu.Lock()
	t.startedAt = p.now()
	t.mu.Unlock()

	op := t.Message.Type
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.cfg.RetryMaxDelay,
	}
	b.Reset()

	var (
		result any
		err    error
	)
	for {
		attempt := int(t.attempts.Add(1))

		h, ok := p.handler(op)
		if !ok {
			err = fmt.Errorf("%w: %q", ErrHandlerNotFound, op)
			break
		}
		if !t.trial {
			adm := p.reporter.Admit(op)
			if adm == errhandler.AdmitDenied {
				err = fmt.Errorf("%w: %s", errhandler.ErrCircuitOpen, op)
				break
			}
			t.trial = adm == errhandler.AdmitTrial
		}

		result, err = p.invoke(h, t, attempt)
		if err == nil || p.terminal(err) || attempt >= p.cfg.MaxAttempts {
			break
		}

		p.statsMu.Lock()
		p.stats.retries++
		p.statsMu.Unlock()
		p.recorder.TaskRetried(op)

		delay := b.NextBackOff()
		p.logger.Debug("retrying task",
			"task", t.ID,
			"type", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			continue
		case <-p.ctx.Done():
			timer.Stop()
			err = ErrShuttingDown
		}
		break
	}

	p.finish(w, t, result, err)

	if errors.Is(err, ErrHandlerPanic) {
		w.setState(WorkerError)
	} else {
		w.setState(WorkerIdle)
	}
}

// terminal reports whether err must not be retried.
func (p *Processor) terminal(err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm),
		errors.Is(err, ErrProcessingTimeout),
		errors.Is(err, ErrHandlerNotFound),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, errhandler.ErrCircuitOpen):
		return true
	}
	return errhandler.Classify(err) == errhandler.TypeAuthenticationFailed
}

type outcome struct {
	result any
	err    error
}

// invoke runs one handler attempt under the processing timeout. The
// handler runs in its own goroutine so a handler that ignores ctx is
// abandoned rather than holding the worker.
func (p *Processor) invoke(h HandlerFunc, t *Task, attempt int) (any, error) {
	ctx, span := p.tracer.Start(p.ctx, "processor.handle",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("message.type", t.Message.Type),
			attribute.String("task.priority", t.Priority.String()),
			attribute.Int("task.attempt", attempt),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
			}
		}()
		res, err := h(ctx, t.Message, t.SessionID, t.UserID)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}

	if o.err != nil && ctx.Err() != nil && errors.Is(o.err, ctx.Err()) {
		if p.ctx.Err() != nil {
			o = outcome{err: ErrShuttingDown}
		} else {
			o = outcome{err: fmt.Errorf("%w after %s", ErrProcessingTimeout, p.cfg.ProcessingTimeout)}
		}
	}

	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	}
	return o.result, o.err
}

// finish moves t to its terminal state exactly once, updates counters,
// reports failures and fires the callback. w is nil for tasks that never
// reached a worker.
func (p *Processor) finish(w *worker, t *Task, result any, err error) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	now := p.now()

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		err = &TaskError{TaskID: t.ID, Type: t.Message.Type, Attempts: t.Attempts(), Err: err}
	}

	t.mu.Lock()
	var processing time.Duration
	if !t.startedAt.IsZero() {
		processing = now.Sub(t.startedAt)
	}
	t.result = result
	t.err = err
	t.mu.Unlock()
	t.status.Store(int32(status))

	p.statsMu.Lock()
	if status == StatusCompleted {
		p.stats.completed++
	} else {
		p.stats.failed++
		if errors.Is(err, ErrProcessingTimeout) {
			p.stats.timeouts++
		}
		if isShutdown(err) {
			p.stats.canceled++
		}
	}
	p.stats.processingTime += processing
	p.statsMu.Unlock()
	p.completions.Record(now)

	if w != nil {
		w.processed.Add(1)
		w.busyTime.Add(int64(processing))
		if status == StatusFailed {
			w.failed.Add(1)
		}
		w.mu.Lock()
		w.lastActive = now
		w.mu.Unlock()
	}

	p.recorder.TaskFinished(t.Message.Type, status, processing)

	switch {
	case status == StatusCompleted:
		p.reporter.RecordSuccess(t.Message.Type)
	case !isShutdown(err):
		p.logger.Warn("task failed",
			"task", t.ID,
			"type", t.Message.Type,
			"session_id", t.SessionID,
			"attempts", t.Attempts(),
			"error", err,
		)
		p.reporter.Handle(context.Background(), err, errhandler.ErrorContext{
			SessionID:   t.SessionID,
			UserID:      t.UserID,
			MessageType: t.Message.Type,
			Trial:       t.trial,
		}, t.Message.Type)
	}

	if t.callback != nil {
		p.runCallback(t, processing)
	}
}

func (p *Processor) runCallback(t *Task, processing time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task callback panic", "task", t.ID, "panic", r)
		}
	}()
	t.callback(t, processing)
}
