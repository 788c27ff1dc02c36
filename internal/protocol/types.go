package protocol

import "fmt"

// MessageType is the leading item of every GRASP message.
type MessageType uint8

const (
	MessageNoop      MessageType = 0
	MessageDiscovery MessageType = 1
	MessageResponse  MessageType = 2
	MessageReqNeg    MessageType = 3
	MessageReqSyn    MessageType = 4
	MessageNegotiate MessageType = 5
	MessageEnd       MessageType = 6
	MessageWait      MessageType = 7
	MessageSynch     MessageType = 8
	MessageFlood     MessageType = 9
	MessageInvalid   MessageType = 99
)

func (t MessageType) String() string {
	switch t {
	case MessageNoop:
		return "noop"
	case MessageDiscovery:
		return "discovery"
	case MessageResponse:
		return "response"
	case MessageReqNeg:
		return "req_neg"
	case MessageReqSyn:
		return "req_syn"
	case MessageNegotiate:
		return "negotiate"
	case MessageEnd:
		return "end"
	case MessageWait:
		return "wait"
	case MessageSynch:
		return "synch"
	case MessageFlood:
		return "flood"
	case MessageInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// OptionType identifies an option array.
type OptionType uint8

const (
	OptionDivert      OptionType = 100
	OptionAccept      OptionType = 101
	OptionDecline     OptionType = 102
	OptionIPv6Locator OptionType = 103
	OptionIPv4Locator OptionType = 104
	OptionFQDNLocator OptionType = 105
	OptionURILocator  OptionType = 106
)

// IsLocator reports whether t is one of the four locator options.
func (t OptionType) IsLocator() bool {
	return t >= OptionIPv6Locator && t <= OptionURILocator
}

// IsIPLocator reports whether t carries a packed IP address.
func (t OptionType) IsIPLocator() bool {
	return t == OptionIPv6Locator || t == OptionIPv4Locator
}

// Objective flag bits.
const (
	FlagDiscovery uint = 1 << 0
	FlagNeg       uint = 1 << 1
	FlagSynch     uint = 1 << 2
	FlagDry       uint = 1 << 3
)

// Transport protocol numbers carried in locator options.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

const (
	// Port is the well-known GRASP port for multicast and listeners.
	Port = 7017
	// MaxSize bounds any single encoded message.
	MaxSize = 2048
	// DefaultTimeout is the default negotiation and wait timeout in milliseconds.
	DefaultTimeout = 60000
	// DefaultLoopCount is the default loop count for new objectives.
	DefaultLoopCount = 6
	// maxEmbedded bounds byte strings eligible for tag 24 wrapping.
	maxEmbedded = 65536
)

// Tags used by the codec.
const (
	TagEmbeddedCBOR uint64 = 24
	TagIPv4         uint64 = 52
	TagIPv6         uint64 = 54
)
