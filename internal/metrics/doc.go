// Package metrics exports Prometheus metrics for the realtime core.
//
// Key metrics:
//   - Task throughput, retries and processing latency per message type
//   - Queue depth per priority and worker count
//   - Errors by type and severity, recovery outcomes, breaker state
//   - Connection lifecycle events and sessions by state
//   - Outbound message counts, bytes and failures
package metrics
