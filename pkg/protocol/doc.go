// Package protocol defines the realtime message kinds exchanged with the
// compute server and decodes raw socket frames into typed messages.
//
// Two frame shapes exist on the wire:
//   - binary: a big-endian uint32 frame type followed by a type-specific
//     payload (type 1 is a preview image prefixed by a uint32 image subtype)
//   - text: a JSON object {"type": <kind>, "data": <payload>}
//
// Decoding is pure: no I/O, no state beyond constant lookup tables.
package protocol
