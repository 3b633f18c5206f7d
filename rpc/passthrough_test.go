package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// mockRollup answers a few eth_ methods the way a rollup node would.
func mockRollup(t *testing.T) (*httptest.Server, *[]json.RawMessage) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []json.RawMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		seen = append(seen, req.Params)
		mu.Unlock()

		switch req.Method {
		case "eth_blockNumber":
			writeJSON(w, newResponse(req.ID, "0x2a", nil))
		case "eth_getTransactionByHash":
			writeJSON(w, newResponse(req.ID, json.RawMessage("null"), nil))
		case "eth_call":
			writeJSON(w, newResponse(req.ID, nil, &RPCError{Code: 3, Message: "execution reverted", Data: "0x08c379a0"}))
		default:
			writeJSON(w, newResponse(req.ID, nil, &RPCError{Code: ErrCodeMethodNotFound, Message: "the method does not exist"}))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func passthroughGateway(t *testing.T, rollupURL string) string {
	t.Helper()
	p, client, err := DialPassthrough(context.Background(), rollupURL)
	if err != nil {
		t.Fatalf("DialPassthrough: %v", err)
	}
	t.Cleanup(client.Close)
	reg := NewMethodRegistry()
	if err := reg.RegisterBatch(p.Methods()); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(reg).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestPassthrough_RegistersEveryForwardedMethod(t *testing.T) {
	reg := NewMethodRegistry()
	if err := reg.RegisterBatch(NewPassthrough(nil).Methods()); err != nil {
		t.Fatal(err)
	}
	for _, m := range ForwardedMethods {
		if !reg.HasMethod(m) {
			t.Fatalf("%s not registered", m)
		}
	}
	if got := len(reg.MethodsByRoute(RouteForwarded)); got != len(ForwardedMethods) {
		t.Fatalf("forwarded = %d methods, want %d", got, len(ForwardedMethods))
	}
	if got := reg.MethodsByRoute(RouteLocal); len(got) != 0 {
		t.Fatalf("local methods = %v, want none", got)
	}
}

func TestPassthrough_Forwards(t *testing.T) {
	rollup, seen := mockRollup(t)
	url := passthroughGateway(t, rollup.URL)

	reply := call(t, url, "eth_blockNumber", []any{})
	if reply.Error != nil || string(reply.Result) != `"0x2a"` {
		t.Fatalf("eth_blockNumber = %s, %v; want \"0x2a\"", reply.Result, reply.Error)
	}

	hash := "0x" + "ab"
	reply = call(t, url, "eth_getTransactionByHash", []string{hash})
	if reply.Error != nil || string(reply.Result) != "null" {
		t.Fatalf("eth_getTransactionByHash = %s, %v; want null", reply.Result, reply.Error)
	}
	if got := string((*seen)[len(*seen)-1]); got != `["0xab"]` {
		t.Fatalf("forwarded params = %s, want [\"0xab\"]", got)
	}
}

func TestPassthrough_PreservesErrorCodes(t *testing.T) {
	rollup, _ := mockRollup(t)
	url := passthroughGateway(t, rollup.URL)

	reply := call(t, url, "eth_call", []any{map[string]string{"to": "0x01"}, "latest"})
	if reply.Error == nil {
		t.Fatal("expected error")
	}
	if reply.Error.Code != 3 || reply.Error.Message != "execution reverted" {
		t.Fatalf("error = %+v, want code 3 execution reverted", reply.Error)
	}
	if reply.Error.Data != "0x08c379a0" {
		t.Fatalf("error data = %v, want 0x08c379a0", reply.Error.Data)
	}

	reply = call(t, url, "eth_chainId", map[string]string{"bad": "shape"})
	if reply.Error == nil || reply.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("named params error = %+v, want code %d", reply.Error, ErrCodeInvalidParams)
	}
}

func TestPassthrough_RollupDown(t *testing.T) {
	rollup, _ := mockRollup(t)
	url := passthroughGateway(t, rollup.URL)
	rollup.Close()

	reply := call(t, url, "eth_blockNumber", []any{})
	if reply.Error == nil || reply.Error.Code != ErrCodeTransport {
		t.Fatalf("error = %+v, want code %d", reply.Error, ErrCodeTransport)
	}
}
