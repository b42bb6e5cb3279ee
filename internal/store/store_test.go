package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/health"
)

// fakeDB records queued statements. Rows whose first argument is in
// conflicts report zero rows affected.
type fakeDB struct {
	mu        sync.Mutex
	batches   [][]*pgx.QueuedQuery
	conflicts map[any]bool
	err       error
	execSQL   []string
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b.QueuedQueries)
	return &fakeResults{queries: b.QueuedQueries, conflicts: db.conflicts, err: db.err}
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execSQL = append(db.execSQL, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), db.err
}

func (db *fakeDB) rows() []*pgx.QueuedQuery {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*pgx.QueuedQuery
	for _, b := range db.batches {
		out = append(out, b...)
	}
	return out
}

type fakeResults struct {
	queries   []*pgx.QueuedQuery
	conflicts map[any]bool
	err       error
	i         int
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	q := r.queries[r.i]
	r.i++
	if r.conflicts[q.Arguments[0]] {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not supported") }
func (r *fakeResults) QueryRow() pgx.Row         { return nil }
func (r *fakeResults) Close() error              { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(id string) errhandler.Record {
	return errhandler.Record{
		ID:                id,
		Type:              errhandler.TypeNetworkError,
		Severity:          errhandler.SeverityHigh,
		Category:          errhandler.CategoryConnection,
		Operation:         "send_message",
		Message:           "broken pipe",
		Context:           errhandler.ErrorContext{SessionID: "s1"},
		RecoveryAttempted: true,
		RecoveryTime:      1500 * time.Microsecond,
		Timestamp:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTransformRecord(t *testing.T) {
	row := transformRecord(record("01A"))

	assert.Equal(t, "01A", row.ID)
	assert.Equal(t, "network_error", row.ErrorType)
	assert.Equal(t, "high", row.Severity)
	assert.Equal(t, "connection", row.Category)
	require.NotNil(t, row.SessionID)
	assert.Equal(t, "s1", *row.SessionID)
	assert.Nil(t, row.UserID)
	assert.Nil(t, row.StackTrace)
	assert.InDelta(t, 1.5, row.RecoveryMs, 1e-9)
	assert.True(t, row.RecoveryAttempted)
}

func TestErrorWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{conflicts: map[any]bool{"dup": true}}
	cfg := Config{BatchSize: 3, FlushInterval: time.Hour}
	w := NewErrorWriter(cfg, db, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	for _, id := range []string{"a", "dup", "c"} {
		require.True(t, w.Enqueue(record(id)))
	}

	require.Eventually(t, func() bool { return w.Stats().Flushes == 1 }, time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.Equal(t, int64(2), stats.Inserts)
	assert.Equal(t, int64(1), stats.Conflicts)

	rows := db.rows()
	require.Len(t, rows, 3)
	assert.Contains(t, rows[0].SQL, "INSERT INTO error_records")
	assert.Contains(t, rows[0].SQL, "ON CONFLICT (id) DO NOTHING")
	assert.Len(t, rows[0].Arguments, 14)

	require.NoError(t, w.Stop(context.Background()))
}

func TestErrorWriter_StopFlushesRemainder(t *testing.T) {
	db := &fakeDB{}
	w := NewErrorWriter(Config{BatchSize: 100, FlushInterval: time.Hour}, db, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	w.Enqueue(record("a"))
	w.Enqueue(record("b"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	assert.Len(t, db.rows(), 2)
	assert.Equal(t, int64(2), w.Stats().Inserts)
}

func TestErrorWriter_InsertErrorCounted(t *testing.T) {
	db := &fakeDB{err: errors.New("relation \"error_records\" does not exist")}
	w := NewErrorWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	w.Enqueue(record("a"))
	require.Eventually(t, func() bool { return w.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Stats().Inserts)

	require.NoError(t, w.Stop(context.Background()))
}

func TestErrorWriter_DropsWhenFull(t *testing.T) {
	w := NewErrorWriter(Config{QueueSize: 2}, &fakeDB{}, quietLogger())

	// not started: nothing consumes the buffer
	assert.True(t, w.Enqueue(record("a")))
	assert.True(t, w.Enqueue(record("b")))
	assert.False(t, w.Enqueue(record("c")))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Buffered)
	assert.GreaterOrEqual(t, stats.BufferCapacity, 2)
	assert.Positive(t, stats.BufferResizes)
}

func TestErrorWriter_AsHandlerSink(t *testing.T) {
	db := &fakeDB{}
	w := NewErrorWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, quietLogger())
	require.NoError(t, w.Start(context.Background()))

	h := errhandler.New(errhandler.DefaultConfig(), quietLogger(), errhandler.WithSink(w))
	rec := h.Handle(context.Background(), errors.New("something odd"), errhandler.ErrorContext{}, "")

	require.Eventually(t, func() bool { return len(db.rows()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, rec.ID, db.rows()[0].Arguments[0])

	require.NoError(t, w.Stop(context.Background()))
}

func TestSnapshotWriter(t *testing.T) {
	db := &fakeDB{}
	w := NewSnapshotWriter(Config{BatchSize: 1, FlushInterval: time.Hour}, db, "relay-1", quietLogger())
	require.NoError(t, w.Start(context.Background()))

	st := health.Aggregate("realtime", []health.Status{health.NewDegraded("processor", "queue 85% full")})
	require.True(t, w.Enqueue(st))

	require.Eventually(t, func() bool { return len(db.rows()) == 1 }, time.Second, 5*time.Millisecond)
	q := db.rows()[0]
	assert.Contains(t, q.SQL, "INSERT INTO health_snapshots")
	assert.Equal(t, "relay-1", q.Arguments[0])
	assert.Equal(t, "degraded", q.Arguments[2])
	assert.Equal(t, false, q.Arguments[3])

	var detail health.Status
	require.NoError(t, json.Unmarshal(q.Arguments[4].([]byte), &detail))
	require.Len(t, detail.SubStatuses, 1)
	assert.Equal(t, "processor", detail.SubStatuses[0].Component)

	require.NoError(t, w.Stop(context.Background()))
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, Migrate(context.Background(), db))
	require.Len(t, db.execSQL, 1)
	assert.Contains(t, db.execSQL[0], "CREATE TABLE IF NOT EXISTS error_records")
	assert.Contains(t, db.execSQL[0], "CREATE TABLE IF NOT EXISTS health_snapshots")

	db.err = errors.New("permission denied")
	assert.ErrorContains(t, Migrate(context.Background(), db), "create export schema")
}
