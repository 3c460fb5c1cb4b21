package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is the correlation id of a request. The wire allows either a
// JSON string or a JSON number; numeric values normalize at construction so
// equal ids compare equal regardless of the Go type they arrived as.
type RequestID struct {
	value any
}

// NewRequestID builds an id from a string or numeric value. Integers
// normalize to int64 and floats to float64. Any other type yields the nil
// id, which serializes as JSON null.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int8:
		return &RequestID{value: int64(v)}
	case int16:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	case uint:
		return &RequestID{value: int64(v)}
	case uint8:
		return &RequestID{value: int64(v)}
	case uint16:
		return &RequestID{value: int64(v)}
	case uint32:
		return &RequestID{value: int64(v)}
	case uint64:
		return &RequestID{value: int64(v)}
	case float32:
		return &RequestID{value: float64(v)}
	case float64:
		return &RequestID{value: v}
	default:
		return &RequestID{}
	}
}

// String renders the id for logging and correlation keys. Nil ids render as
// the empty string.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Value exposes the normalized underlying value: string, int64, float64, or
// nil.
func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

// IsNil reports whether the id carries no value.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// Equal reports whether two ids carry the same value. Two nil ids are equal.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return id.value == other.value
}

// MarshalJSON emits the id as it arrived: a string, a number, or null for
// the nil id.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON accepts a JSON string or number. Integral numbers decode to
// int64 so large ids round-trip without float truncation or a trailing ".0".
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		if i, err := num.Int64(); err == nil {
			id.value = i
			return nil
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("request id number out of range: %s", num)
		}
		id.value = f
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("request id must be a string or number, got: %s", string(data))
}
