package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// BatchSender executes a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds configuration for writers.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int           // rows buffered before Enqueue starts dropping
	WriteTimeout  time.Duration // per batch
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		QueueSize:     10000,
		WriteTimeout:  10 * time.Second,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`

	// Input buffer occupancy.
	Buffered       int `json:"buffered"`
	BufferCapacity int `json:"buffer_capacity"`
	BufferResizes  int `json:"buffer_resizes"`
}
