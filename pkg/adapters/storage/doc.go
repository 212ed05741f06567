// Package storage provides key/value stores used to persist the realtime
// session identifier.
//
// Implementations:
//   - redis: Redis with namespaced keys and TTL, survives process restarts
//   - memory: In-memory, lives as long as the process
package storage
