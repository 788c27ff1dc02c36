// Package mcast is the link-local substrate under the GRASP engine.
//
// Ownership boundary:
// - interface inventory
// - multicast send and receive on the GRASP group
// - TCP endpoints: discovery response listeners, objective listeners, dialing
package mcast
