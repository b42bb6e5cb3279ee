package store

import (
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime-core/internal/errhandler"
)

const insertErrorRecord = `
	INSERT INTO error_records (
		id, occurred_at, error_type, severity, category, operation,
		session_id, user_id, message_type, message,
		recovery_attempted, recovery_successful, recovery_ms, stack_trace
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO NOTHING
`

// errorRow is one error_records row.
type errorRow struct {
	ID                 string
	OccurredAt         time.Time
	ErrorType          string
	Severity           string
	Category           string
	Operation          string
	SessionID          *string
	UserID             *string
	MessageType        *string
	Message            string
	RecoveryAttempted  bool
	RecoverySuccessful bool
	RecoveryMs         float64
	StackTrace         *string
}

// ErrorWriter exports error records. It implements errhandler.Sink.
type ErrorWriter struct {
	*batchWriter[errorRow]
}

var _ errhandler.Sink = (*ErrorWriter)(nil)

// NewErrorWriter creates a writer for the error_records table.
func NewErrorWriter(cfg Config, db BatchSender, logger *slog.Logger) *ErrorWriter {
	return &ErrorWriter{
		batchWriter: newBatchWriter("error_records", cfg, db, logger, func(b *pgx.Batch, r errorRow) {
			b.Queue(insertErrorRecord,
				r.ID, r.OccurredAt, r.ErrorType, r.Severity, r.Category, r.Operation,
				r.SessionID, r.UserID, r.MessageType, r.Message,
				r.RecoveryAttempted, r.RecoverySuccessful, r.RecoveryMs, r.StackTrace,
			)
		}),
	}
}

// Enqueue buffers rec for export. It returns false when the buffer is full.
func (w *ErrorWriter) Enqueue(rec errhandler.Record) bool {
	return w.enqueue(transformRecord(rec))
}

func transformRecord(rec errhandler.Record) errorRow {
	return errorRow{
		ID:                 rec.ID,
		OccurredAt:         rec.Timestamp.UTC(),
		ErrorType:          string(rec.Type),
		Severity:           rec.Severity.String(),
		Category:           string(rec.Category),
		Operation:          rec.Operation,
		SessionID:          nullable(rec.Context.SessionID),
		UserID:             nullable(rec.Context.UserID),
		MessageType:        nullable(rec.Context.MessageType),
		Message:            rec.Message,
		RecoveryAttempted:  rec.RecoveryAttempted,
		RecoverySuccessful: rec.RecoverySuccessful,
		RecoveryMs:         float64(rec.RecoveryTime.Microseconds()) / 1000,
		StackTrace:         nullable(rec.StackTrace),
	}
}

// nullable maps "" to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
