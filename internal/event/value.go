package event

import (
	"bytes"
	"encoding/json"
)

// Value is the structural, self-describing "any JSON" type used for
// old_value/new_value/args/data/body fields (spec §9: "model as a
// structural value type ... preserved verbatim through the pipeline");
// metadata tags are a plain map[string]string instead. The analysis engine
// never interprets a Value; it only carries it through.
type Value struct {
	raw json.RawMessage
}

// NewValue wraps an already-decoded Go value (map, slice, string, number,
// bool, nil) as a Value.
func NewValue(v any) Value {
	if v == nil {
		return Value{raw: json.RawMessage("null")}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Value{raw: json.RawMessage("null")}
	}
	return Value{raw: b}
}

// IsZero reports whether the value was never set (absent from the wire
// payload, as opposed to an explicit JSON null).
func (v Value) IsZero() bool {
	return v.raw == nil
}

// Raw returns the underlying JSON bytes verbatim.
func (v Value) Raw() json.RawMessage {
	return v.raw
}

// Equal compares two values by their canonicalized JSON representation.
func (v Value) Equal(other Value) bool {
	if v.IsZero() && other.IsZero() {
		return true
	}
	if v.IsZero() || other.IsZero() {
		return false
	}
	var a, b any
	if err := json.Unmarshal(v.raw, &a); err != nil {
		return bytes.Equal(bytes.TrimSpace(v.raw), bytes.TrimSpace(other.raw))
	}
	if err := json.Unmarshal(other.raw, &b); err != nil {
		return false
	}
	canonA, errA := json.Marshal(a)
	canonB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(canonA, canonB)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler, storing the payload verbatim.
func (v *Value) UnmarshalJSON(data []byte) error {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	v.raw = cp
	return nil
}

// Decode unmarshals the value into dst, for callers that do need the typed
// shape (e.g. the HTTP facade rendering a response).
func (v Value) Decode(dst any) error {
	if v.IsZero() {
		return nil
	}
	return json.Unmarshal(v.raw, dst)
}
