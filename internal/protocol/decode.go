package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed wraps input that is not well-formed CBOR.
var ErrMalformed = errors.New("protocol: malformed cbor")

// Decode parses one message. Strict mode rejects trailing items and unknown
// options; lenient mode skips them but still type-checks every field it uses.
func Decode(b []byte, strict bool) (Message, error) {
	if len(b) > MaxSize {
		return Message{}, ErrTooLarge
	}
	if err := cbor.Wellformed(b); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	items, err := readArray(b)
	if err != nil {
		return Message{}, ErrNotArray
	}
	if len(items) == 0 {
		return Message{}, ErrEmptyMessage
	}
	code, err := readUint(items[0])
	if err != nil || code > math.MaxUint8 {
		return Message{}, ErrUnknownType
	}
	m := Message{Type: MessageType(code)}
	if err := checkArity(m.Type, len(items), strict); err != nil {
		return Message{}, err
	}
	if m.Type == MessageNoop {
		return m, nil
	}
	sid, err := readUint(items[1])
	if err != nil {
		return Message{}, err
	}
	if sid > math.MaxUint32 {
		return Message{}, ErrSessionID
	}
	m.SessionID = uint32(sid)

	switch m.Type {
	case MessageDiscovery:
		if m.Initiator, err = readBytes(items[2]); err != nil {
			return Message{}, err
		}
		obj, err := parseObjective(items[3], strict)
		if err != nil {
			return Message{}, err
		}
		m.Objective = &obj
	case MessageResponse:
		if err := decodeResponse(&m, items, strict); err != nil {
			return Message{}, err
		}
	case MessageReqNeg, MessageReqSyn, MessageNegotiate, MessageSynch:
		obj, err := parseObjective(items[2], strict)
		if err != nil {
			return Message{}, err
		}
		m.Objective = &obj
	case MessageEnd:
		opt, ok, err := parseOption(items[2], strict, 0)
		if err != nil {
			return Message{}, err
		}
		if !ok || (opt.Type != OptionAccept && opt.Type != OptionDecline) {
			return Message{}, ErrInvalidOption
		}
		m.Options = []Option{opt}
	case MessageWait:
		if m.TTL, err = readUint(items[2]); err != nil {
			return Message{}, err
		}
	case MessageFlood:
		if err := decodeFlood(&m, items, strict); err != nil {
			return Message{}, err
		}
	case MessageInvalid:
		if !isNull(items[2]) {
			m.Info = items[2]
		}
	}
	return m, nil
}

func decodeResponse(m *Message, items []cbor.RawMessage, strict bool) error {
	var err error
	if m.Initiator, err = readBytes(items[2]); err != nil {
		return err
	}
	if m.TTL, err = readUint(items[3]); err != nil {
		return err
	}
	rest := items[4:]
	for i, raw := range rest {
		inner, err := readArray(raw)
		if err != nil || len(inner) == 0 {
			return ErrInvalidOption
		}
		if isMajor(inner[0], majorText) {
			// rapid mode objective closes the message
			if i == 0 || (strict && i != len(rest)-1) {
				return ErrInvalidOption
			}
			obj, err := parseObjective(raw, strict)
			if err != nil {
				return err
			}
			m.Objective = &obj
			break
		}
		opt, ok, err := parseOption(raw, strict, 0)
		if err != nil {
			return err
		}
		if ok {
			m.Options = append(m.Options, opt)
		}
	}
	return nil
}

func decodeFlood(m *Message, items []cbor.RawMessage, strict bool) error {
	var err error
	if m.Initiator, err = readBytes(items[2]); err != nil {
		return err
	}
	if m.TTL, err = readUint(items[3]); err != nil {
		return err
	}
	for _, raw := range items[4:] {
		pair, err := readArray(raw)
		if err != nil || len(pair) < 2 || (strict && len(pair) != 2) {
			return ErrInvalidFlood
		}
		obj, err := parseObjective(pair[0], strict)
		if err != nil {
			return err
		}
		fe := FloodEntry{Objective: obj}
		loc, err := readArray(pair[1])
		if err != nil {
			return ErrInvalidFlood
		}
		if len(loc) > 0 {
			opt, ok, err := parseOption(pair[1], strict, 0)
			if err != nil {
				return err
			}
			if ok {
				if !opt.Type.IsLocator() {
					return ErrInvalidFlood
				}
				fe.Locator = &opt
			}
		}
		m.Flood = append(m.Flood, fe)
	}
	return nil
}
