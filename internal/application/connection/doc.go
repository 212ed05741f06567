// Package connection owns the realtime channel to the compute server.
//
// The Manager opens a single websocket, decodes every inbound frame and
// hands the result to the event dispatcher. When an open channel is lost
// it publishes a null status and a reconnecting event, then retries after
// a fixed delay, forever. If the very first attempt fails before opening,
// it falls back to polling the status endpoint instead.
//
// State machine:
//
//	Disconnected -> Connecting -> Open
//	Open -> Reconnecting -> Connecting -> Open
//	Connecting (first attempt, never opened) -> polling fallback
package connection
