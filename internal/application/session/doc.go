// Package session tracks the realtime session identifier assigned by the
// compute server and persists it so a restarted or duplicated client
// resumes the same logical session.
//
// The identifier is written to two stores: a page-scoped name, which is
// sent back to the server when reconnecting, and a tab-scoped store, read
// once at startup to recover the initial identifier.
package session
