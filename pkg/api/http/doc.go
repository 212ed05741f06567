// Package http provides the local status server.
//
// The server exposes endpoints for:
//   - Session state (client id, connection state, polling)
//   - Prompt submission and interruption
//   - Health checks
//   - Prometheus metrics
//   - The websocket event relay
package http
