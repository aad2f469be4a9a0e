package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"
)

// Kind identifies the concrete type held by a Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMap
)

// Value is a tagged union over the scalar and nested-mapping types a
// payload may carry. Using an explicit union instead of interface{}
// keeps encode/decode failures local and typed.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	m    Payload
}

// Payload is the structured key/value data attached to an event.
type Payload map[string]Value

// String creates a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int creates an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float creates a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool creates a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map creates a nested-mapping Value.
func Map(p Payload) Value { return Value{kind: KindMap, m: p} }

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string held by the value, or "" for other kinds.
func (v Value) Str() string { return v.str }

// Int64 returns the integer held by the value, or 0 for other kinds.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the float held by the value. Integer values are
// widened so numeric payload fields read uniformly.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// IsTrue returns the boolean held by the value, or false for other kinds.
func (v Value) IsTrue() bool { return v.b }

// Nested returns the nested payload held by the value, or nil.
func (v Value) Nested() Payload { return v.m }

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedValue, v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Arrays and nulls are not
// part of the payload model and fail decoding.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrUnsupportedValue)
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '{':
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*v = Map(p)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '[', 'n':
		return fmt.Errorf("%w: %s", ErrUnsupportedValue, string(data[0]))
	default:
		s := string(data)
		if !strings.ContainsAny(s, ".eE") {
			i, err := strconv.ParseInt(s, 10, 64)
			if err == nil {
				*v = Int(i)
				return nil
			}
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrUnsupportedValue, s)
		}
		*v = Float(f)
		return nil
	}
}

// EncodePayload serializes a payload to its at-rest form: JSON encoded,
// Snappy compressed, with a Murmur3 checksum over the compressed blob.
// A nil or empty payload encodes to a nil blob with a zero checksum.
func EncodePayload(p Payload) ([]byte, uint32, error) {
	if len(p) == 0 {
		return nil, 0, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, 0, fmt.Errorf("types: failed to marshal payload: %w", err)
	}
	blob := snappy.Encode(nil, raw)
	return blob, murmur3.Sum32(blob), nil
}

// DecodePayload reverses EncodePayload, verifying the checksum first so
// a corrupt blob is detected before decompression.
func DecodePayload(blob []byte, sum uint32) (Payload, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if murmur3.Sum32(blob) != sum {
		return nil, ErrPayloadChecksum
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("types: failed to decompress payload: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("types: failed to unmarshal payload: %w", err)
	}
	return p, nil
}
