package protocol

// Encode assembles m into its CBOR wire form.
func Encode(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	out := []any{uint(m.Type)}
	if m.Type != MessageNoop {
		out = append(out, m.SessionID)
	}
	switch m.Type {
	case MessageDiscovery:
		out = append(out, m.Initiator, m.Objective.wire())
	case MessageResponse:
		out = append(out, m.Initiator, m.TTL)
		for _, opt := range m.Options {
			w, err := opt.wire(0)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		if m.Objective != nil {
			out = append(out, m.Objective.wire())
		}
	case MessageReqNeg, MessageReqSyn, MessageNegotiate, MessageSynch:
		out = append(out, m.Objective.wire())
	case MessageEnd:
		w, err := m.Options[0].wire(0)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	case MessageWait:
		out = append(out, m.TTL)
	case MessageFlood:
		out = append(out, m.Initiator, m.TTL)
		for _, fe := range m.Flood {
			var loc any = []any{}
			if fe.Locator != nil {
				w, err := fe.Locator.wire(0)
				if err != nil {
					return nil, err
				}
				loc = w
			}
			out = append(out, []any{fe.Objective.wire(), loc})
		}
	case MessageInvalid:
		if len(m.Info) > 0 {
			out = append(out, m.Info)
		} else {
			out = append(out, nil)
		}
	}
	b, err := encMode.Marshal(out)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxSize {
		return nil, ErrTooLarge
	}
	return b, nil
}
