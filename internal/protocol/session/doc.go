// Package session owns the GRASP session handle cache.
//
// Ownership boundary:
// - session id issuance and collision detection
// - binding of connections and discovery response queues to sessions
// - relay bookkeeping (relayed flag)
// - retry/backoff primitives shared by transports
package session
