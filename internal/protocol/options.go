package protocol

import (
	"net/netip"

	"github.com/fxamacker/cbor/v2"
)

// maxDivertDepth bounds nested divert options.
const maxDivertDepth = 8

// Option is one option array. Only the fields relevant to Type are set.
type Option struct {
	Type OptionType
	// Addr is set for IPv6 and IPv4 locators.
	Addr netip.Addr
	// Name is the FQDN or URI text.
	Name     string
	Protocol int
	Port     int
	// Reason is the optional decline reason.
	Reason string
	// Divert holds the embedded options of a divert.
	Divert []Option
}

func Accept() Option {
	return Option{Type: OptionAccept}
}

func Decline(reason string) Option {
	return Option{Type: OptionDecline, Reason: reason}
}

// IPLocator selects the IPv4 or IPv6 locator form from addr.
func IPLocator(addr netip.Addr, proto, port int) Option {
	t := OptionIPv6Locator
	if addr.Is4() {
		t = OptionIPv4Locator
	}
	return Option{Type: t, Addr: addr, Protocol: proto, Port: port}
}

func FQDNLocator(name string, proto, port int) Option {
	return Option{Type: OptionFQDNLocator, Name: name, Protocol: proto, Port: port}
}

func URILocator(uri string, proto, port int) Option {
	return Option{Type: OptionURILocator, Name: uri, Protocol: proto, Port: port}
}

func Divert(opts ...Option) Option {
	return Option{Type: OptionDivert, Divert: opts}
}

func (o Option) wire(depth int) (any, error) {
	switch o.Type {
	case OptionAccept:
		return []any{uint(o.Type)}, nil
	case OptionDecline:
		if o.Reason == "" {
			return []any{uint(o.Type)}, nil
		}
		return []any{uint(o.Type), o.Reason}, nil
	case OptionIPv6Locator:
		if !o.Addr.Is6() {
			return nil, ErrInvalidOption
		}
		a := o.Addr.As16()
		return []any{uint(o.Type), a[:], o.Protocol, o.Port}, nil
	case OptionIPv4Locator:
		if !o.Addr.Is4() {
			return nil, ErrInvalidOption
		}
		a := o.Addr.As4()
		return []any{uint(o.Type), a[:], o.Protocol, o.Port}, nil
	case OptionFQDNLocator, OptionURILocator:
		return []any{uint(o.Type), o.Name, optionalInt(o.Protocol), optionalInt(o.Port)}, nil
	case OptionDivert:
		if depth >= maxDivertDepth {
			return nil, ErrInvalidOption
		}
		out := []any{uint(o.Type)}
		for _, inner := range o.Divert {
			w, err := inner.wire(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	default:
		return nil, ErrInvalidOption
	}
}

func optionalInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// parseOption decodes one option array. ok is false for an unknown option
// type tolerated in lenient mode.
func parseOption(raw cbor.RawMessage, strict bool, depth int) (Option, bool, error) {
	items, err := readArray(raw)
	if err != nil || len(items) == 0 {
		return Option{}, false, ErrInvalidOption
	}
	code, err := readUint(items[0])
	if err != nil {
		return Option{}, false, ErrInvalidOption
	}
	t := OptionType(code)
	if code > 255 {
		t = 0
	}
	switch t {
	case OptionAccept:
		if strict && len(items) != 1 {
			return Option{}, false, ErrInvalidOption
		}
		return Accept(), true, nil
	case OptionDecline:
		switch {
		case len(items) == 1:
			return Decline(""), true, nil
		case len(items) == 2 || !strict:
			reason, err := readText(items[1])
			if err != nil {
				return Option{}, false, ErrInvalidOption
			}
			return Decline(reason), true, nil
		default:
			return Option{}, false, ErrInvalidOption
		}
	case OptionIPv6Locator, OptionIPv4Locator:
		if len(items) < 4 || (strict && len(items) != 4) {
			return Option{}, false, ErrInvalidOption
		}
		b, err := readBytes(items[1])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		want := 16
		if t == OptionIPv4Locator {
			want = 4
		}
		if len(b) != want {
			return Option{}, false, ErrInvalidOption
		}
		addr, _ := netip.AddrFromSlice(b)
		proto, err := readSmallInt(items[2])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		port, err := readSmallInt(items[3])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		return Option{Type: t, Addr: addr, Protocol: proto, Port: port}, true, nil
	case OptionFQDNLocator, OptionURILocator:
		if len(items) < 4 || (strict && len(items) != 4) {
			return Option{}, false, ErrInvalidOption
		}
		name, err := readText(items[1])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		proto, err := readOptionalInt(items[2])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		port, err := readOptionalInt(items[3])
		if err != nil {
			return Option{}, false, ErrInvalidOption
		}
		return Option{Type: t, Name: name, Protocol: proto, Port: port}, true, nil
	case OptionDivert:
		if depth >= maxDivertDepth {
			return Option{}, false, ErrInvalidOption
		}
		div := Option{Type: OptionDivert}
		for _, inner := range items[1:] {
			opt, ok, err := parseOption(inner, strict, depth+1)
			if err != nil {
				return Option{}, false, err
			}
			if ok {
				div.Divert = append(div.Divert, opt)
			}
		}
		return div, true, nil
	default:
		if strict {
			return Option{}, false, ErrInvalidOption
		}
		return Option{}, false, nil
	}
}

// Equal compares two options recursively.
func (o Option) Equal(other Option) bool {
	if o.Type != other.Type || o.Addr != other.Addr || o.Name != other.Name ||
		o.Protocol != other.Protocol || o.Port != other.Port || o.Reason != other.Reason ||
		len(o.Divert) != len(other.Divert) {
		return false
	}
	for i := range o.Divert {
		if !o.Divert[i].Equal(other.Divert[i]) {
			return false
		}
	}
	return true
}
