package protocol

import (
	"net/netip"

	"github.com/fxamacker/cbor/v2"
)

func prefixMask(bits int) byte {
	return byte(0xff << (8 - bits))
}

func addrTag(a netip.Addr) uint64 {
	if a.Is4() {
		return TagIPv4
	}
	return TagIPv6
}

// EncodeAddress builds tag 54 (IPv6) or tag 52 (IPv4) carrying a bare address.
func EncodeAddress(a netip.Addr) (cbor.RawMessage, error) {
	if !a.IsValid() {
		return nil, ErrInvalidLength
	}
	return encMode.Marshal(cbor.Tag{Number: addrTag(a), Content: a.AsSlice()})
}

// EncodePrefix builds the [length, prefix] form with trailing zero bytes
// removed. Host bits set past the prefix length are rejected.
func EncodePrefix(p netip.Prefix) (cbor.RawMessage, error) {
	if !p.IsValid() {
		return nil, ErrInvalidLength
	}
	bits := p.Bits()
	raw := p.Addr().AsSlice()
	prefix := raw[:(bits+7)/8]
	if bits%8 != 0 {
		last := prefix[len(prefix)-1]
		if last&prefixMask(bits%8) != last {
			return nil, ErrCovertBits
		}
	}
	for _, b := range raw[len(prefix):] {
		if b != 0 {
			return nil, ErrCovertBits
		}
	}
	return encMode.Marshal(cbor.Tag{Number: addrTag(p.Addr()), Content: []any{bits, prefix}})
}

// EncodeInterface builds the [address, length] interface form.
func EncodeInterface(p netip.Prefix) (cbor.RawMessage, error) {
	if !p.IsValid() || p.Bits() == 0 {
		return nil, ErrInvalidLength
	}
	return encMode.Marshal(cbor.Tag{Number: addrTag(p.Addr()), Content: []any{p.Addr().AsSlice(), p.Bits()}})
}

// DecodePrefix validates tag 52 or 54 and returns the carried prefix. A bare
// address decodes as a full-length prefix.
func DecodePrefix(raw cbor.RawMessage) (netip.Prefix, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(raw, &tag); err != nil {
		return netip.Prefix{}, ErrWrongTag
	}
	size := 16
	switch tag.Number {
	case TagIPv6:
	case TagIPv4:
		size = 4
	default:
		return netip.Prefix{}, ErrWrongTag
	}

	if isMajor(tag.Content, majorBytes) {
		b, err := readBytes(tag.Content)
		if err != nil || len(b) != size {
			return netip.Prefix{}, ErrInvalidLength
		}
		a, _ := netip.AddrFromSlice(b)
		return netip.PrefixFrom(a, size*8), nil
	}

	items, err := readArray(tag.Content)
	if err != nil || len(items) != 2 {
		return netip.Prefix{}, ErrInvalidLength
	}
	if isMajor(items[0], majorUint) {
		bits, err := readSmallInt(items[0])
		if err != nil || bits > size*8 {
			return netip.Prefix{}, ErrInvalidLength
		}
		prefix, err := readBytes(items[1])
		if err != nil || len(prefix) > size {
			return netip.Prefix{}, ErrInvalidLength
		}
		if bits%8 != 0 && len(prefix) > bits/8 {
			b := prefix[bits/8]
			if b&prefixMask(bits%8) != b {
				return netip.Prefix{}, ErrCovertBits
			}
		}
		full := make([]byte, size)
		copy(full, prefix)
		a, _ := netip.AddrFromSlice(full)
		return netip.PrefixFrom(a, bits), nil
	}

	b, err := readBytes(items[0])
	if err != nil || len(b) != size {
		return netip.Prefix{}, ErrInvalidLength
	}
	bits, err := readSmallInt(items[1])
	if err != nil || bits <= 0 || bits > size*8 {
		return netip.Prefix{}, ErrInvalidLength
	}
	a, _ := netip.AddrFromSlice(b)
	return netip.PrefixFrom(a, bits), nil
}
