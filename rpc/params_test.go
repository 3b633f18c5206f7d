package rpc

import (
	"encoding/json"
	"errors"
	"testing"
)

type twoParams struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
	skip  int
	Extra string `json:"-"`
}

func TestParamsDecoder_Decode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want twoParams
	}{
		{"object", `{"name":"a","count":2}`, twoParams{Name: "a", Count: 2}},
		{"array", `["a", 2]`, twoParams{Name: "a", Count: 2}},
		{"short array", `["a"]`, twoParams{Name: "a"}},
		{"empty", ``, twoParams{}},
		{"null", `null`, twoParams{}},
		{"whitespace", "  [\"b\"] ", twoParams{Name: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got twoParams
			if err := (paramsDecoder{json.RawMessage(tt.raw)}).decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParamsDecoder_DecodeErrors(t *testing.T) {
	for _, raw := range []string{
		`"scalar"`,
		`["a", 2, "extra"]`,
		`[1]`,
		`{"name": 1}`,
		`[`,
	} {
		var got twoParams
		err := (paramsDecoder{json.RawMessage(raw)}).decode(&got)
		if !errors.Is(err, ErrInvalidParams) {
			t.Errorf("decode(%s) error = %v, want ErrInvalidParams", raw, err)
		}
	}
}

func TestParamsDecoder_Positional(t *testing.T) {
	elems, err := (paramsDecoder{json.RawMessage(`["0x1", true]`)}).positional()
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	if len(elems) != 2 || string(elems[0]) != `"0x1"` || string(elems[1]) != "true" {
		t.Fatalf("positional = %s, want [\"0x1\" true]", elems)
	}

	if elems, err := (paramsDecoder{nil}).positional(); err != nil || elems != nil {
		t.Fatalf("positional(nil) = %v, %v; want nil, nil", elems, err)
	}
	if _, err := (paramsDecoder{json.RawMessage(`{"a":1}`)}).positional(); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("positional(object) error = %v, want ErrInvalidParams", err)
	}
}
