package types

import (
	"encoding/json"
	"strconv"
)

// Value is a numeric reading that may be unknown. Hardware query tools report
// "N/A" or "[Not Supported]" for fields a device does not expose; those parse
// to an unknown Value, which is distinct from a known reading of zero.
type Value struct {
	v     float64
	known bool
}

// Unknown is the Value for a reading that was missing or not supported.
var Unknown = Value{}

// Known wraps a measured reading.
func Known(v float64) Value {
	return Value{v: v, known: true}
}

// Get returns the reading and whether it is known.
func (v Value) Get() (float64, bool) {
	return v.v, v.known
}

// IsKnown reports whether the reading was measured.
func (v Value) IsKnown() bool {
	return v.known
}

// Or returns the reading, or def when it is unknown.
func (v Value) Or(def float64) float64 {
	if !v.known {
		return def
	}
	return v.v
}

// Scale multiplies a known reading by factor. Unknown stays unknown.
func (v Value) Scale(factor float64) Value {
	if !v.known {
		return v
	}
	return Known(v.v * factor)
}

func (v Value) String() string {
	if !v.known {
		return "unknown"
	}
	return strconv.FormatFloat(v.v, 'f', -1, 64)
}

// MarshalJSON encodes an unknown reading as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.known {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON decodes null as Unknown.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Unknown
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Known(f)
	return nil
}
