// Package database provides the PostgreSQL connection pool used to export
// error records and health snapshots.
//
// The pool is optional. When no database is configured the relay runs
// without exports and the health check omits the database component.
package database
