// Package connection implements the connection registry.
//
// The registry:
//   - Tracks one Connection per session id, indexed by session and by user
//   - Enforces the connection limit and token validation on connect
//   - Runs the heartbeat sweep that pings live sessions and reclaims silent ones
//   - Drives the Reconnecting state machine for sessions whose transport failed
//
// Transports are pluggable; WSTransport adapts a gorilla websocket connection.
package connection
