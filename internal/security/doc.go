// Package security decides how much of GRASP may run given the state of the
// secure substrate.
//
// Ownership boundary:
// - the Provider abstraction over the channel-security collaborator
// - mode evaluation and per-operation admission
// - the periodic watcher for substrate status and address changes
package security
