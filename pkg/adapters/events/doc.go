// Package events provides event dispatch implementations.
//
// Implementations:
//   - memory: synchronous in-process dispatcher (the client's pub/sub surface)
//   - redis: Redis Streams mirror so other processes can follow a session
package events
