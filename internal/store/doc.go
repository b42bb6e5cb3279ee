// Package store exports error records and health snapshots to PostgreSQL.
//
// Writers:
//   - Error record writer (error_records)
//   - Health snapshot writer (health_snapshots)
//
// Both buffer rows in memory and insert them in pgx batches, either when a
// batch fills or on a flush interval. Inserts are idempotent
// (ON CONFLICT DO NOTHING), so re-exported history is harmless.
package store
