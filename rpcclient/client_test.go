package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radiusxyz/secure-rpc/errclass"
)

type echoServer struct {
	calls atomic.Int32
	last  atomic.Value // json.RawMessage
}

func (s *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     string          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.last.Store(req.Params)
	w.Header().Set("Content-Type", "application/json")
	if req.Method == "fail" {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32000, "message": "unknown key id"},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Method})
}

func failing(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Interval: time.Millisecond, Timeout: time.Second}
}

func TestCall_Success(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c, err := New([]string{ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	var got string
	if err := c.Call(context.Background(), "get_latest_encryption_key", Named(struct{}{}), &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "get_latest_encryption_key" {
		t.Fatalf("result = %q", got)
	}
	if p := srv.last.Load().(json.RawMessage); string(p) != "{}" {
		t.Fatalf("params = %s, want {}", p)
	}
}

func TestCall_ParamsShapes(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c, _ := New([]string{ts.URL})

	cases := []struct {
		params Params
		want   string
	}{
		{Named(map[string]uint64{"key_id": 7}), `{"key_id":7}`},
		{Positional("0x1", true), `["0x1",true]`},
		{Positional(), `[]`},
		{Raw(json.RawMessage(`["latest"]`)), `["latest"]`},
	}
	for _, tc := range cases {
		if err := c.Call(context.Background(), "m", tc.params, nil); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if got := string(srv.last.Load().(json.RawMessage)); got != tc.want {
			t.Fatalf("params = %s, want %s", got, tc.want)
		}
	}
	if err := c.Call(context.Background(), "m", Named([]int{1}), nil); !errclass.Is(err, errclass.Input) {
		t.Fatalf("non-object named params: err = %v, want input error", err)
	}
}

func TestCall_RotatesPastFailingEndpoints(t *testing.T) {
	var bad1, bad2 atomic.Int32
	f1 := httptest.NewServer(failing(&bad1))
	defer f1.Close()
	f2 := httptest.NewServer(failing(&bad2))
	defer f2.Close()
	good := &echoServer{}
	g := httptest.NewServer(good)
	defer g.Close()

	endpoints := []string{f1.URL, f2.URL, g.URL}
	var attempts []Attempt
	c, _ := New(endpoints, WithRetryPolicy(fastPolicy(3)), WithAttemptHook(func(a Attempt) {
		attempts = append(attempts, a)
	}))
	var got string
	if err := c.Call(context.Background(), "send_raw_transaction", Named(struct{}{}), &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(attempts) != 3 || attempts[2].Endpoint != g.URL || attempts[2].Err != nil {
		t.Fatalf("attempts = %+v", attempts)
	}
	if bad1.Load() != 1 || bad2.Load() != 1 || good.calls.Load() != 1 {
		t.Fatalf("calls = %d/%d/%d, want 1/1/1", bad1.Load(), bad2.Load(), good.calls.Load())
	}
}

func TestCall_BudgetExhausted(t *testing.T) {
	var bad1, bad2 atomic.Int32
	f1 := httptest.NewServer(failing(&bad1))
	defer f1.Close()
	f2 := httptest.NewServer(failing(&bad2))
	defer f2.Close()
	good := &echoServer{}
	g := httptest.NewServer(good)
	defer g.Close()

	c, _ := New([]string{f1.URL, f2.URL, g.URL}, WithRetryPolicy(fastPolicy(2)))
	err := c.Call(context.Background(), "send_raw_transaction", nil, nil)
	if !errclass.Is(err, errclass.Transport) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if good.calls.Load() != 0 {
		t.Fatal("healthy endpoint reached beyond the attempt budget")
	}
}

func TestCall_RPCErrorNotRetried(t *testing.T) {
	srv := &echoServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c, _ := New([]string{ts.URL, ts.URL}, WithRetryPolicy(fastPolicy(5)))

	err := c.Call(context.Background(), "fail", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32000 {
		t.Fatalf("err = %v, want *Error -32000", err)
	}
	if !errclass.Is(err, errclass.Downstream) {
		t.Fatalf("kind = %v, want downstream", errclass.KindOf(err))
	}
	if srv.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", srv.calls.Load())
	}
}

func TestCall_PerAttemptTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	good := &echoServer{}
	g := httptest.NewServer(good)
	defer g.Close()

	policy := RetryPolicy{MaxAttempts: 2, Interval: time.Millisecond, Timeout: 50 * time.Millisecond}
	c, _ := New([]string{slow.URL, g.URL}, WithRetryPolicy(policy))
	start := time.Now()
	if err := c.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout was not applied per attempt")
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	var bad atomic.Int32
	f := httptest.NewServer(failing(&bad))
	defer f.Close()
	c, _ := New([]string{f.URL}, WithRetryPolicy(RetryPolicy{MaxAttempts: 100, Interval: 10 * time.Millisecond, Timeout: time.Second}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, "ping", nil, nil); err == nil {
		t.Fatal("expected error after cancellation")
	}
	if bad.Load() >= 100 {
		t.Fatal("retries continued after cancellation")
	}
}

func TestNew_NoEndpoints(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoEndpoints) {
		t.Fatalf("err = %v, want ErrNoEndpoints", err)
	}
}

func TestParseSelection(t *testing.T) {
	for in, want := range map[string]Selection{"": RoundRobin, "round_robin": RoundRobin, "random": Random} {
		got, err := ParseSelection(in)
		if err != nil || got != want {
			t.Fatalf("ParseSelection(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSelection("sticky"); err == nil {
		t.Fatal("expected error")
	}
}
