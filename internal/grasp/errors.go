package grasp

import (
	"errors"
	"fmt"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/registry"
	"github.com/danmuck/graspd/internal/security"
)

// Code is a GRASP API result. Every non-OK code is an error usable with
// errors.Is.
type Code int

const (
	OK Code = iota
	Declined
	NoReply
	Unspec
	ASAFull
	DupASA
	NoASA
	NotYourASA
	NotBoth
	NotDry
	NotOverlap
	ObjFull
	ObjReg
	NotYourObj
	NotObj
	NotNeg
	NoSecurity
	NoDiscReply
	SockErrNegRq
	NoSession
	NoSocket
	LoopExhausted
	SockErrNegStep
	NoPeer
	CBORFail
	InvalidNeg
	InvalidEnd
	NoNegReply
	NoValidStep
	SockErrWait
	SockErrEnd
	IDClash
	NotSynch
	NotFloodDisc
	SockErrSynRq
	NoListener
	NoSynchReply
	NoValidSynch
	InvalidLoc
)

var codeText = [...]string{
	OK:             "OK",
	Declined:       "Declined",
	NoReply:        "No reply",
	Unspec:         "Unspecified error",
	ASAFull:        "ASA registry full",
	DupASA:         "Duplicate ASA name",
	NoASA:          "ASA not registered",
	NotYourASA:     "ASA registered but not by you",
	NotBoth:        "Objective cannot support both negotiation and synchronization",
	NotDry:         "Dry-run allowed only with negotiation",
	NotOverlap:     "Overlap not supported by this implementation",
	ObjFull:        "Objective registry full",
	ObjReg:         "Objective already registered",
	NotYourObj:     "Objective not registered by this ASA",
	NotObj:         "Objective not found",
	NotNeg:         "Objective not negotiable",
	NoSecurity:     "No security",
	NoDiscReply:    "No reply to discovery",
	SockErrNegRq:   "Socket error sending negotiation request",
	NoSession:      "No session",
	NoSocket:       "No socket",
	LoopExhausted:  "Loop count exhausted",
	SockErrNegStep: "Socket error sending negotiation step",
	NoPeer:         "Negotiation peer not listening",
	CBORFail:       "CBOR decode failure",
	InvalidNeg:     "Invalid Negotiate message",
	InvalidEnd:     "Invalid end message",
	NoNegReply:     "No reply to negotiation step",
	NoValidStep:    "No valid reply to negotiation step",
	SockErrWait:    "Socket error sending wait message",
	SockErrEnd:     "Socket error sending end message",
	IDClash:        "Incoming request Session ID clash",
	NotSynch:       "Not a synchronization objective",
	NotFloodDisc:   "Not flooded and no reply to discovery",
	SockErrSynRq:   "Socket error sending synch request",
	NoListener:     "Synchronization peer not listening",
	NoSynchReply:   "No reply to synchronization request",
	NoValidSynch:   "No valid reply to synchronization request",
	InvalidLoc:     "Invalid locator",
}

func (c Code) Error() string {
	if c >= 0 && int(c) < len(codeText) {
		return codeText[c]
	}
	return fmt.Sprintf("grasp error %d", int(c))
}

func (c Code) String() string { return c.Error() }

// DeclinedError is returned when the peer ends a negotiation with a decline.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	if e.Reason == "" {
		return Declined.Error()
	}
	return Declined.Error() + ": " + e.Reason
}

func (e *DeclinedError) Is(target error) bool {
	return target == Declined
}

// CodeOf maps err to its result code; nil is OK and foreign errors are
// Unspec.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var d *DeclinedError
	if errors.As(err, &d) {
		return Declined
	}
	return Unspec
}

// registryCode translates registry and gate errors into result codes.
func registryCode(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrAgentFull):
		return ASAFull
	case errors.Is(err, registry.ErrDupAgent):
		return DupASA
	case errors.Is(err, registry.ErrNoAgent):
		return NoASA
	case errors.Is(err, registry.ErrNotYourAgent):
		return NotYourASA
	case errors.Is(err, registry.ErrObjFull):
		return ObjFull
	case errors.Is(err, registry.ErrObjReg):
		return ObjReg
	case errors.Is(err, registry.ErrNotObj):
		return NotObj
	case errors.Is(err, registry.ErrNotYourObj):
		return NotYourObj
	case errors.Is(err, protocol.ErrNegAndSynch):
		return NotBoth
	case errors.Is(err, protocol.ErrDryNotNeg):
		return NotDry
	case errors.Is(err, security.ErrNoSecurity):
		return NoSecurity
	case errors.Is(err, session.ErrClash):
		return IDClash
	}
	return fmt.Errorf("%w: %v", Unspec, err)
}
