// Package registry holds the identity and objective registries.
//
// Ownership boundary:
// - agent names and opaque handles
// - registered objectives, owner sets and overlap
// - listener, inbound queue and responder bookkeeping per objective
//
// Network endpoints are opened by the caller and handed in as io.Closer.
package registry
