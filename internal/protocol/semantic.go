package protocol

// fixedArity is the exact item count of fixed-layout messages.
var fixedArity = map[MessageType]int{
	MessageNoop:      1,
	MessageDiscovery: 4,
	MessageReqNeg:    3,
	MessageReqSyn:    3,
	MessageNegotiate: 3,
	MessageSynch:     3,
	MessageEnd:       3,
	MessageWait:      3,
	MessageInvalid:   3,
}

// minArity is the minimum item count of variable-layout messages.
var minArity = map[MessageType]int{
	MessageResponse: 5,
	MessageFlood:    5,
}

func checkArity(t MessageType, n int, strict bool) error {
	if want, ok := fixedArity[t]; ok {
		if n < want || (strict && n != want) {
			return ErrInvalidLength
		}
		return nil
	}
	if want, ok := minArity[t]; ok {
		if n < want {
			return ErrInvalidLength
		}
		return nil
	}
	return ErrUnknownType
}

// Validate checks that m is complete enough to be encoded.
func Validate(m Message) error {
	switch m.Type {
	case MessageNoop, MessageWait, MessageInvalid:
		return nil
	case MessageDiscovery:
		if m.Objective == nil || len(m.Initiator) == 0 {
			return ErrInvalidLength
		}
	case MessageResponse:
		if len(m.Initiator) == 0 || len(m.Options) == 0 {
			return ErrInvalidLength
		}
	case MessageReqNeg, MessageReqSyn, MessageNegotiate, MessageSynch:
		if m.Objective == nil {
			return ErrInvalidLength
		}
	case MessageEnd:
		if len(m.Options) != 1 {
			return ErrInvalidLength
		}
		if t := m.Options[0].Type; t != OptionAccept && t != OptionDecline {
			return ErrInvalidOption
		}
	case MessageFlood:
		if len(m.Initiator) == 0 || len(m.Flood) == 0 {
			return ErrInvalidLength
		}
		for _, fe := range m.Flood {
			if fe.Locator != nil && !fe.Locator.Type.IsLocator() {
				return ErrInvalidFlood
			}
		}
	default:
		return ErrUnknownType
	}
	if m.Objective != nil && m.Objective.Name == "" {
		return ErrInvalidObjective
	}
	return nil
}
