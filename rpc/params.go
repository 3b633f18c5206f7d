package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// paramsDecoder maps a request's params onto a struct. A JSON object is
// decoded by field name; a JSON array is assigned to the struct's json
// fields in declaration order, so ["0x.."] and {"raw_transaction": "0x.."}
// reach a handler the same way. Missing trailing positions leave fields at
// their zero value.
type paramsDecoder struct {
	raw json.RawMessage
}

func (d paramsDecoder) decode(dst any) error {
	raw := bytes.TrimSpace(d.raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '{':
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return assignPositional(elems, dst)
	default:
		return fmt.Errorf("%w: params must be an object or an array", ErrInvalidParams)
	}
}

func assignPositional(elems []json.RawMessage, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		panic("rpc: params destination must be a pointer to a struct")
	}
	v = v.Elem()
	fields := jsonFields(v.Type())
	if len(elems) > len(fields) {
		return fmt.Errorf("%w: expected at most %d params, got %d", ErrInvalidParams, len(fields), len(elems))
	}
	for i, elem := range elems {
		f := fields[i]
		if err := json.Unmarshal(elem, v.Field(f.index).Addr().Interface()); err != nil {
			return fmt.Errorf("%w: param %d (%s): %v", ErrInvalidParams, i, f.name, err)
		}
	}
	return nil
}

type jsonField struct {
	index int
	name  string
}

func jsonFields(t reflect.Type) []jsonField {
	var out []jsonField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		out = append(out, jsonField{index: i, name: name})
	}
	return out
}

// positional returns the params as an array for forwarding. An object is
// rejected because the forwarded eth_ methods are positional only.
func (d paramsDecoder) positional() ([]json.RawMessage, error) {
	raw := bytes.TrimSpace(d.raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("%w: positional params expected", ErrInvalidParams)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return elems, nil
}
