// Package websocket relays dispatched events to local websocket clients.
//
// Clients connect to /api/v1/events/ws and receive every event in the
// realtime wire format: previews as binary frames, everything else as
// {type, data} text frames carrying the dispatched payload.
package websocket
