package rpcclient

import (
	"encoding/json"
	"fmt"
)

// Params maps a call's arguments to the JSON-RPC "params" member. Every
// request goes through this single adapter: Named encodes one value as a
// JSON object, Positional encodes a JSON array.
type Params interface {
	encode() (json.RawMessage, error)
}

type named struct{ v any }

func (n named) encode() (json.RawMessage, error) {
	b, err := json.Marshal(n.v)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("rpcclient: named params must encode as an object, got %.32s", b)
	}
	return b, nil
}

// Named sends v, which must marshal to a JSON object, as by-name params.
func Named(v any) Params { return named{v} }

type positional []any

func (p positional) encode() (json.RawMessage, error) {
	if p == nil {
		p = positional{}
	}
	return json.Marshal([]any(p))
}

// Positional sends args as a by-position array. Arguments that are already
// json.RawMessage are embedded verbatim.
func Positional(args ...any) Params { return positional(args) }

// Raw sends pre-encoded params verbatim. It is used for pass-through calls
// where the inbound params are forwarded untouched.
func Raw(msg json.RawMessage) Params { return raw(msg) }

type raw json.RawMessage

func (r raw) encode() (json.RawMessage, error) {
	if len(r) == 0 {
		return nil, nil
	}
	if !json.Valid(r) {
		return nil, fmt.Errorf("rpcclient: invalid raw params")
	}
	return json.RawMessage(r), nil
}

func encodeParams(p Params) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	return p.encode()
}
