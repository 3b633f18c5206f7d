package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func echoRegistry(t *testing.T) *MethodRegistry {
	t.Helper()
	reg := NewMethodRegistry()
	err := reg.RegisterBatch([]MethodInfo{
		{Name: "test_echo", Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			var p struct {
				Value string `json:"value"`
			}
			if err := (paramsDecoder{params}).decode(&p); err != nil {
				return nil, err
			}
			return p.Value, nil
		}},
		{Name: "test_fail", Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		}},
	})
	if err != nil {
		t.Fatalf("RegisterBatch: %v", err)
	}
	return reg
}

func TestBatchHandler_SetParallelism(t *testing.T) {
	bh := NewBatchHandler(NewMethodRegistry())
	if bh.parallelism != DefaultParallelism {
		t.Fatalf("parallelism = %d, want %d", bh.parallelism, DefaultParallelism)
	}
	bh.SetParallelism(0)
	if bh.parallelism != 1 {
		t.Fatalf("parallelism = %d, want 1", bh.parallelism)
	}
}

func TestBatchHandler_HandleBatch_MultipleRequests(t *testing.T) {
	bh := NewBatchHandler(echoRegistry(t))
	body := `[
		{"jsonrpc":"2.0","method":"test_echo","params":["a"],"id":1},
		{"jsonrpc":"2.0","method":"test_echo","params":{"value":"b"},"id":"two"},
		{"jsonrpc":"2.0","method":"test_echo","params":["c"],"id":null}
	]`

	resps, err := bh.HandleBatch(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("HandleBatch error: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("responses = %d, want 3", len(resps))
	}
	wantIDs := []string{"1", `"two"`, "null"}
	wantResults := []string{"a", "b", "c"}
	for i, r := range resps {
		if r.Error != nil {
			t.Fatalf("resp[%d] error: %v", i, r.Error)
		}
		if string(r.ID) != wantIDs[i] {
			t.Fatalf("resp[%d] id = %s, want %s", i, r.ID, wantIDs[i])
		}
		if r.Result != wantResults[i] {
			t.Fatalf("resp[%d] result = %v, want %s", i, r.Result, wantResults[i])
		}
	}
}

func TestBatchHandler_HandleBatch_MixedSuccess(t *testing.T) {
	bh := NewBatchHandler(echoRegistry(t))
	body := `[
		{"jsonrpc":"2.0","method":"test_echo","params":["ok"],"id":1},
		{"jsonrpc":"2.0","method":"test_fail","id":2},
		{"jsonrpc":"2.0","method":"no_such","id":3},
		{"jsonrpc":"1.0","method":"test_echo","id":4},
		{"jsonrpc":"2.0","method":"","id":5},
		{"jsonrpc":"2.0","method":"test_echo","params":"bad","id":6}
	]`

	resps, err := bh.HandleBatch(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("HandleBatch error: %v", err)
	}
	wantCodes := []int{0, ErrCodeInternal, ErrCodeMethodNotFound, ErrCodeInvalidRequest, ErrCodeInvalidRequest, ErrCodeInvalidParams}
	for i, r := range resps {
		code := 0
		if r.Error != nil {
			code = r.Error.Code
		}
		if code != wantCodes[i] {
			t.Fatalf("resp[%d] code = %d, want %d", i, code, wantCodes[i])
		}
	}
	if resps[1].Error.Message != "internal error" {
		t.Fatalf("internal error message = %q, want redacted", resps[1].Error.Message)
	}
}

func TestBatchHandler_HandlerPanic(t *testing.T) {
	reg := echoRegistry(t)
	reg.Register(MethodInfo{Name: "test_panic", Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
		var b []byte
		return b[3], nil
	}})
	bh := NewBatchHandler(reg)
	body := `[
		{"jsonrpc":"2.0","method":"test_panic","id":1},
		{"jsonrpc":"2.0","method":"test_echo","params":["still here"],"id":2}
	]`

	resps, err := bh.HandleBatch(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("HandleBatch error: %v", err)
	}
	if resps[0].Error == nil || resps[0].Error.Code != ErrCodeInternal {
		t.Fatalf("resp[0] = %+v, want internal error", resps[0])
	}
	if resps[1].Error != nil || resps[1].Result != "still here" {
		t.Fatalf("resp[1] = %+v, want echo result", resps[1])
	}
}

func TestBatchHandler_HandleBatch_Errors(t *testing.T) {
	bh := NewBatchHandler(echoRegistry(t))
	tooLarge := "[" + strings.TrimSuffix(strings.Repeat(`{"jsonrpc":"2.0","method":"test_echo","id":1},`, MaxBatchSize+1), ",") + "]"

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not array", `{"jsonrpc":"2.0"}`, ErrNotBatch},
		{"empty", `[]`, ErrBatchEmpty},
		{"too large", tooLarge, ErrBatchTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bh.HandleBatch(context.Background(), []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("HandleBatch error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := bh.HandleBatch(context.Background(), []byte(`[{"jsonrpc":`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestBatchHandler_ExecuteParallel_ConcurrencyBound(t *testing.T) {
	reg := NewMethodRegistry()
	var inFlight, peak atomic.Int32
	reg.Register(MethodInfo{Name: "test_slow", Handler: func(ctx context.Context, params json.RawMessage) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}})

	bh := NewBatchHandler(reg)
	bh.SetParallelism(3)

	reqs := make([]Request, 20)
	for i := range reqs {
		reqs[i] = Request{JSONRPC: "2.0", Method: "test_slow", ID: json.RawMessage(fmt.Sprint(i))}
	}
	resps := bh.ExecuteParallel(context.Background(), reqs)

	for i, r := range resps {
		if string(r.ID) != fmt.Sprint(i) {
			t.Fatalf("resp[%d] id = %s, order not preserved", i, r.ID)
		}
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestIsBatchRequest(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`[]`, true},
		{"  \n\t[{}]", true},
		{`{}`, false},
		{``, false},
		{`   `, false},
	}
	for _, tt := range tests {
		if got := IsBatchRequest([]byte(tt.body)); got != tt.want {
			t.Errorf("IsBatchRequest(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}
