package protocol

import "github.com/fxamacker/cbor/v2"

// Message is one decoded GRASP message. Only the fields used by Type are
// set:
//   - Initiator: discovery, response, flood
//   - TTL: response and flood lifetime, wait timeout (milliseconds)
//   - Objective: discovery, requests, negotiate, synch, rapid response
//   - Options: response options, the single end option
//   - Flood: flood entries
//   - Info: invalid diagnostic payload
type Message struct {
	Type      MessageType
	SessionID uint32
	Initiator []byte
	TTL       uint64
	Objective *Objective
	Options   []Option
	Flood     []FloodEntry
	Info      cbor.RawMessage
}

// FloodEntry pairs a flooded objective with its optional source locator.
type FloodEntry struct {
	Objective Objective
	Locator   *Option
}
