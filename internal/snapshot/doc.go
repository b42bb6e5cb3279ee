// Package snapshot implements the health snapshot poller.
//
// The poller:
//   - Evaluates the composite health check on a fixed interval
//   - Logs transitions between healthy, degraded and unhealthy
//   - Hands every snapshot to a handler, typically the export writer
package snapshot
