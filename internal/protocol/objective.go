package protocol

import (
	"bytes"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrNegAndSynch = errors.New("protocol: objective cannot be both negotiable and synchronizable")
	ErrDryNotNeg   = errors.New("protocol: dry-run objective must be negotiable")
	ErrNoValue     = errors.New("protocol: objective has no value")
	ErrNotEmbedded = errors.New("protocol: value is not embedded cbor")
)

// Objective is the unit of shared state. Value holds the CBOR encoding of the
// objective value and is opaque to the engine; nil means the value is absent.
type Objective struct {
	Name      string
	Neg       bool
	Synch     bool
	Dry       bool
	LoopCount int
	Value     cbor.RawMessage
}

// NewObjective returns an objective carrying the default loop count.
func NewObjective(name string) Objective {
	return Objective{Name: name, LoopCount: DefaultLoopCount}
}

// Flags returns the wire flag word; the discovery bit is always set.
func (o Objective) Flags() uint {
	f := FlagDiscovery
	if o.Neg {
		f |= FlagNeg
	}
	if o.Synch {
		f |= FlagSynch
	}
	if o.Dry {
		f |= FlagDry
	}
	return f
}

// SetFlags applies a wire flag word.
func (o *Objective) SetFlags(f uint) {
	o.Neg = f&FlagNeg != 0
	o.Synch = f&FlagSynch != 0
	o.Dry = f&FlagDry != 0
}

// ConnectionOriented reports whether the objective needs a TCP listener.
func (o Objective) ConnectionOriented() bool {
	return o.Neg || o.Synch || o.Dry
}

// Validate checks the flag combination invariants.
func (o Objective) Validate() error {
	if o.Name == "" {
		return ErrInvalidObjective
	}
	if o.Synch && (o.Neg || o.Dry) {
		return ErrNegAndSynch
	}
	if o.Dry && !o.Neg {
		return ErrDryNotNeg
	}
	return nil
}

// SetValue encodes v as the objective value.
func (o *Objective) SetValue(v any) error {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	o.Value = raw
	return nil
}

// DecodeValue decodes the objective value into out.
func (o Objective) DecodeValue(out any) error {
	if len(o.Value) == 0 {
		return ErrNoValue
	}
	return decMode.Unmarshal(o.Value, out)
}

// Diagnostic renders the value in CBOR diagnostic notation; an absent value
// renders as the empty string.
func (o Objective) Diagnostic() string {
	if len(o.Value) == 0 {
		return ""
	}
	d, err := cbor.Diagnose(o.Value)
	if err != nil {
		return "<malformed>"
	}
	return d
}

// SetEmbedded stores already-encoded CBOR as a byte string value. It is
// carried under tag 24 on the wire.
func (o *Objective) SetEmbedded(item []byte) error {
	if err := cbor.Wellformed(item); err != nil {
		return ErrNotEmbedded
	}
	raw, err := encMode.Marshal(item)
	if err != nil {
		return err
	}
	o.Value = raw
	return nil
}

// Embedded returns the CBOR item carried in a byte string value.
func (o Objective) Embedded() ([]byte, error) {
	b, err := readBytes(o.Value)
	if err != nil {
		return nil, ErrNotEmbedded
	}
	if err := cbor.Wellformed(b); err != nil {
		return nil, ErrNotEmbedded
	}
	return b, nil
}

// Clone returns a deep copy.
func (o Objective) Clone() Objective {
	if o.Value != nil {
		o.Value = append(cbor.RawMessage(nil), o.Value...)
	}
	return o
}

// Equal compares every field, including the encoded value.
func (o Objective) Equal(other Objective) bool {
	return o.Name == other.Name &&
		o.Flags() == other.Flags() &&
		o.LoopCount == other.LoopCount &&
		bytes.Equal(o.Value, other.Value)
}

// SameCapability reports whether other carries the same name and
// negotiation/synchronization capability. Dry marks a request, not a
// capability, and is not compared.
func (o Objective) SameCapability(other Objective) bool {
	return o.Name == other.Name && o.Neg == other.Neg && o.Synch == other.Synch
}

func (o Objective) wire() []any {
	out := []any{o.Name, o.Flags(), o.LoopCount}
	if len(o.Value) > 0 {
		out = append(out, wrapEmbedded(o.Value))
	}
	return out
}

// wrapEmbedded tags a byte-string value under tag 24 when its content is
// itself well-formed CBOR.
func wrapEmbedded(v cbor.RawMessage) any {
	if !isMajor(v, majorBytes) {
		return v
	}
	b, err := readBytes(v)
	if err != nil || len(b) >= maxEmbedded || cbor.Wellformed(b) != nil {
		return v
	}
	return cbor.RawTag{Number: TagEmbeddedCBOR, Content: v}
}

// unwrapEmbedded strips tag 24 from a value. Applying it twice is a no-op.
func unwrapEmbedded(v cbor.RawMessage) cbor.RawMessage {
	if !isMajor(v, majorTag) {
		return v
	}
	var tag cbor.RawTag
	if err := decMode.Unmarshal(v, &tag); err != nil {
		return v
	}
	if tag.Number != TagEmbeddedCBOR || !isMajor(tag.Content, majorBytes) {
		return v
	}
	return append(cbor.RawMessage(nil), tag.Content...)
}

// UnwrapEmbedded strips tag 24 from an encoded value.
func UnwrapEmbedded(v cbor.RawMessage) cbor.RawMessage {
	return unwrapEmbedded(v)
}

func parseObjective(raw cbor.RawMessage, strict bool) (Objective, error) {
	items, err := readArray(raw)
	if err != nil {
		return Objective{}, ErrInvalidObjective
	}
	if len(items) < 3 || (strict && len(items) > 4) {
		return Objective{}, ErrInvalidObjective
	}
	name, err := readText(items[0])
	if err != nil {
		return Objective{}, ErrInvalidObjective
	}
	flags, err := readUint(items[1])
	if err != nil {
		return Objective{}, ErrInvalidObjective
	}
	loop, err := readSmallInt(items[2])
	if err != nil {
		return Objective{}, ErrInvalidObjective
	}
	obj := Objective{Name: name, LoopCount: loop}
	obj.SetFlags(uint(flags))
	if len(items) > 3 {
		obj.Value = unwrapEmbedded(items[3])
	}
	return obj, nil
}
