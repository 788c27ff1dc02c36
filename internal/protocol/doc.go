// Package protocol owns the GRASP wire contract.
//
// Ownership boundary:
// - message, option and objective model
// - CBOR encode/decode with strict and lenient validation
// - embedded value (tag 24) and IP prefix (tags 52/54) helpers
//
// Transport concerns live below in frame/ and session state in session/.
package protocol
