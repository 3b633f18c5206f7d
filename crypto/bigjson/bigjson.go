// Package bigjson encodes arbitrary-precision integers as JSON strings of
// decimal digits, the format used by every envelope exchanged with the
// sequencer and the key service.
package bigjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
)

// Decimal is a big.Int that marshals as a quoted base-10 string and accepts
// either a quoted string or a bare JSON number when unmarshalling.
type Decimal big.Int

// New returns x as a *Decimal without copying. A nil x stays nil.
func New(x *big.Int) *Decimal {
	return (*Decimal)(x)
}

// Int returns the value as a *big.Int without copying.
func (d *Decimal) Int() *big.Int {
	return (*big.Int)(d)
}

// MarshalJSON implements json.Marshaler.
func (d *Decimal) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal((*big.Int)(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	x, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return fmt.Errorf("bigjson: invalid decimal integer %q", data)
	}
	(*big.Int)(d).Set(x)
	return nil
}

// Parse parses a base-10 string.
func Parse(s string) (*big.Int, error) {
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bigjson: invalid decimal integer %q", s)
	}
	return x, nil
}
