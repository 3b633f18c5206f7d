// Package dkgtest runs an in-process key service for tests of packages that
// depend on the dkg client.
package dkgtest

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/radiusxyz/secure-rpc/crypto/skde"
	"github.com/radiusxyz/secure-rpc/dkg"
)

type keyPair struct {
	sk, pk   *big.Int
	released bool
}

// Service is a mock key service. Keys are generated on demand; each
// generation becomes the latest key.
type Service struct {
	t      testing.TB
	params *skde.Params
	server *httptest.Server

	mu     sync.Mutex
	keys   map[uint64]*keyPair
	latest uint64

	failNext atomic.Int32
	calls    sync.Map // method -> *atomic.Int32
}

// New starts a service with freshly generated small SKDE parameters and one
// released key. It is closed when the test ends.
func New(t testing.TB) *Service {
	t.Helper()
	params, err := skde.GenerateParams(nil, 512, 16, 2)
	if err != nil {
		t.Fatalf("dkgtest: generate params: %v", err)
	}
	s := &Service{t: t, params: params, keys: make(map[uint64]*keyPair)}
	s.Rotate(true)
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the service endpoint.
func (s *Service) URL() string { return s.server.URL }

// Params returns the SKDE parameters the service serves.
func (s *Service) Params() *skde.Params { return s.params }

// Rotate generates a new latest key and returns its id. Unreleased keys are
// refused by get_decryption_key until Release is called.
func (s *Service) Rotate(released bool) uint64 {
	sk, pk, err := skde.GenerateKeyPair(nil, s.params)
	if err != nil {
		s.t.Fatalf("dkgtest: generate key: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) > 0 {
		s.latest++
	}
	s.keys[s.latest] = &keyPair{sk: sk, pk: pk, released: released}
	return s.latest
}

// Release makes the decryption key for id available.
func (s *Service) Release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.released = true
	}
}

// FailNext makes the next n requests fail with HTTP 503.
func (s *Service) FailNext(n int) { s.failNext.Store(int32(n)) }

// Calls returns how many times method was served, failures included.
func (s *Service) Calls(method string) int {
	v, ok := s.calls.Load(method)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	counter, _ := s.calls.LoadOrStore(req.Method, new(atomic.Int32))
	counter.(*atomic.Int32).Add(1)

	if s.failNext.Load() > 0 && s.failNext.Add(-1) >= 0 {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	result, rpcErr := s.dispatch(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Service) dispatch(req rpcRequest) (any, *rpcError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p struct {
		KeyID uint64 `json:"key_id"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: -32602, Message: err.Error()}
		}
	}

	switch req.Method {
	case dkg.MethodGetLatestEncryptionKey:
		return dkg.EncryptionKey{KeyID: s.latest, EncryptionKey: s.keys[s.latest].pk.String()}, nil
	case dkg.MethodGetEncryptionKey:
		k, ok := s.keys[p.KeyID]
		if !ok {
			return nil, &rpcError{Code: -32000, Message: "key not found"}
		}
		return map[string]string{"encryption_key": k.pk.String()}, nil
	case dkg.MethodGetDecryptionKey:
		k, ok := s.keys[p.KeyID]
		if !ok || !k.released {
			return nil, &rpcError{Code: -32000, Message: "decryption key not available"}
		}
		return map[string]string{"decryption_key": k.sk.String()}, nil
	case dkg.MethodGetSkdeParams:
		return map[string]any{"skde_params": s.params}, nil
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}
