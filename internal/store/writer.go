package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime-core/internal/ring"
)

// batchWriter buffers rows and inserts them in batches.
type batchWriter[T any] struct {
	name   string
	cfg    Config
	logger *slog.Logger
	db     BatchSender

	// queue appends the insert statement for one row
	queue func(b *pgx.Batch, row T)

	input *ring.Buffer[T]

	batch   []T
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Stats
}

func newBatchWriter[T any](name string, cfg Config, db BatchSender, logger *slog.Logger, queue func(*pgx.Batch, T)) *batchWriter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &batchWriter[T]{
		name:   name,
		cfg:    cfg,
		logger: logger.With("writer", name),
		db:     db,
		queue:  queue,
		input:  ring.NewBuffer[T](min(cfg.QueueSize, 1024)),
		batch:  make([]T, 0, cfg.BatchSize),
	}
}

// enqueue hands a row to the consumer. It never blocks; rows beyond
// QueueSize are dropped.
func (w *batchWriter[T]) enqueue(row T) bool {
	if w.input.Len() >= w.cfg.QueueSize || !w.input.Push(row) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return false
	}
	return true
}

// Start begins consuming rows and writing to the database.
func (w *batchWriter[T]) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered rows and performs a final flush.
func (w *batchWriter[T]) Stop(ctx context.Context) error {
	w.logger.Info("stopping writer")

	if w.cancel != nil {
		w.cancel()
	}
	w.input.Close()

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("writer stopped")
	case <-ctx.Done():
		w.logger.Warn("writer stop timed out")
	}

	// Final flush
	for _, row := range w.input.Drain(0) {
		w.add(row)
	}
	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *batchWriter[T]) Stats() Stats {
	in := w.input.Stats()

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	st := w.metrics
	st.Buffered = in.Count
	st.BufferCapacity = in.Capacity
	st.BufferResizes = in.ResizeCount
	return st
}

// consumeLoop moves rows from the input buffer into batches until the
// buffer is closed and empty.
func (w *batchWriter[T]) consumeLoop() {
	defer w.wg.Done()

	for {
		row, ok := w.input.Pop()
		if !ok {
			return
		}
		if w.add(row) {
			w.flush()
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *batchWriter[T]) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// add appends row and reports whether the batch is full.
func (w *batchWriter[T]) add(row T) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// flush writes the current batch to the database.
func (w *batchWriter[T]) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]T, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed rows",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert sends rows as one pgx.Batch and counts rows skipped by ON CONFLICT.
// It uses its own deadline so the final flush still runs after Stop cancels.
func (w *batchWriter[T]) batchInsert(rows []T) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		w.queue(batch, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
