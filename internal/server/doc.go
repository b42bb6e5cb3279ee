// Package server hosts the relay's HTTP surface.
//
// Routes:
//   - /ws upgrades to a WebSocket session registered with the connection registry
//   - /health serves the composite health status, 503 when unhealthy
//   - /metrics serves Prometheus metrics when a gatherer is attached
//   - /debug/ exposes breaker, queue and session state when enabled
//
// Inbound frames are JSON envelopes. ping, subscribe and unsubscribe are
// answered directly; every other type is queued on the task processor and
// its outcome is sent back to the session as a result message.
package server
