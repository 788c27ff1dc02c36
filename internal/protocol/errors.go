package protocol

import "errors"

var (
	ErrNotArray          = errors.New("protocol: message is not an array")
	ErrEmptyMessage      = errors.New("protocol: empty message")
	ErrUnknownType       = errors.New("protocol: unknown message type")
	ErrInvalidLength     = errors.New("protocol: invalid length")
	ErrFieldTypeMismatch = errors.New("protocol: field type mismatch")
	ErrInvalidObjective  = errors.New("protocol: invalid objective")
	ErrInvalidOption     = errors.New("protocol: invalid option")
	ErrInvalidFlood      = errors.New("protocol: invalid flood entry")
	ErrSessionID         = errors.New("protocol: session id out of range")
	ErrTooLarge          = errors.New("protocol: message exceeds maximum size")
	ErrCovertBits        = errors.New("protocol: covert bits in prefix")
	ErrWrongTag          = errors.New("protocol: wrong tag")
)
