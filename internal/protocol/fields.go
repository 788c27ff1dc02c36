package protocol

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// CBOR major types as they appear in the high three bits of the initial byte.
const (
	majorUint   byte = 0
	majorNegInt byte = 1
	majorBytes  byte = 2
	majorText   byte = 3
	majorArray  byte = 4
	majorMap    byte = 5
	majorTag    byte = 6
	majorSimple byte = 7
)

const cborNull byte = 0xf6

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: MaxSize,
		MaxMapPairs:      MaxSize,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor dec mode: %v", err))
	}
}

// Marshal encodes v with the codec's canonical encoding options.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v with the codec's bounded decoding options.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func majorOf(raw cbor.RawMessage) (byte, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	return raw[0] >> 5, true
}

func isMajor(raw cbor.RawMessage, major byte) bool {
	got, ok := majorOf(raw)
	return ok && got == major
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 1 && raw[0] == cborNull
}

func readUint(raw cbor.RawMessage) (uint64, error) {
	if !isMajor(raw, majorUint) {
		return 0, ErrFieldTypeMismatch
	}
	var v uint64
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	return v, nil
}

func readInt(raw cbor.RawMessage) (int64, error) {
	if !isMajor(raw, majorUint) && !isMajor(raw, majorNegInt) {
		return 0, ErrFieldTypeMismatch
	}
	var v int64
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	return v, nil
}

func readSmallInt(raw cbor.RawMessage) (int, error) {
	v, err := readInt(raw)
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, ErrFieldTypeMismatch
	}
	return int(v), nil
}

func readText(raw cbor.RawMessage) (string, error) {
	if !isMajor(raw, majorText) {
		return "", ErrFieldTypeMismatch
	}
	var v string
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	return v, nil
}

func readBytes(raw cbor.RawMessage) ([]byte, error) {
	if !isMajor(raw, majorBytes) {
		return nil, ErrFieldTypeMismatch
	}
	var v []byte
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	return v, nil
}

func readArray(raw cbor.RawMessage) ([]cbor.RawMessage, error) {
	if !isMajor(raw, majorArray) {
		return nil, ErrFieldTypeMismatch
	}
	var v []cbor.RawMessage
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFieldTypeMismatch, err)
	}
	return v, nil
}

// readOptionalInt accepts an integer or null; null reads as zero.
func readOptionalInt(raw cbor.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, nil
	}
	return readSmallInt(raw)
}
