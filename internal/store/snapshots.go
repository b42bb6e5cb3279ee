package store

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime-core/internal/health"
)

const insertHealthSnapshot = `
	INSERT INTO health_snapshots (instance, taken_at, status, healthy, detail)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (instance, taken_at) DO NOTHING
`

// snapshotRow is one health_snapshots row. Detail is the full status as JSON.
type snapshotRow struct {
	Instance string
	TakenAt  time.Time
	Status   string
	Healthy  bool
	Detail   []byte
}

// SnapshotWriter exports health snapshots.
type SnapshotWriter struct {
	*batchWriter[snapshotRow]
	instance string
}

// NewSnapshotWriter creates a writer for the health_snapshots table.
// instance distinguishes rows written by different processes.
func NewSnapshotWriter(cfg Config, db BatchSender, instance string, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		instance: instance,
		batchWriter: newBatchWriter("health_snapshots", cfg, db, logger, func(b *pgx.Batch, r snapshotRow) {
			b.Queue(insertHealthSnapshot, r.Instance, r.TakenAt, r.Status, r.Healthy, r.Detail)
		}),
	}
}

// Enqueue buffers st for export.
func (w *SnapshotWriter) Enqueue(st health.Status) bool {
	row, err := w.transform(st)
	if err != nil {
		w.logger.Warn("snapshot not encodable", "error", err)
		return false
	}
	return w.enqueue(row)
}

func (w *SnapshotWriter) transform(st health.Status) (snapshotRow, error) {
	detail, err := json.Marshal(st)
	if err != nil {
		return snapshotRow{}, err
	}
	return snapshotRow{
		Instance: w.instance,
		TakenAt:  st.Timestamp.UTC().Truncate(time.Millisecond),
		Status:   st.Status,
		Healthy:  st.Healthy,
		Detail:   detail,
	}, nil
}
