package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/metrics"
)

// DefaultMaxBodyBytes bounds the size of a request body.
const DefaultMaxBodyBytes = 5 << 20

func logger() *log.Logger { return log.Default().Module("rpc") }

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithCORS allows browser requests from the given origins.
func WithCORS(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// Server is a JSON-RPC HTTP server that dispatches requests to a method
// registry. It also serves Prometheus metrics at /metrics.
type Server struct {
	registry    *MethodRegistry
	batch       *BatchHandler
	limiter     *RateLimiter
	corsOrigins []string
	maxBody     int64
	handler     http.Handler
}

// NewServer creates a server over registry.
func NewServer(registry *MethodRegistry, opts ...ServerOption) *Server {
	s := &Server{
		registry: registry,
		batch:    NewBatchHandler(registry),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	rpcHandler := []HTTPMiddleware{LoggingMiddleware(), CORSMiddleware(s.corsOrigins)}
	if s.limiter != nil {
		rpcHandler = append(rpcHandler, s.limiter.Middleware())
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", MiddlewareChain(http.HandlerFunc(s.handleRPC), rpcHandler...))
	s.handler = mux
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the method registry the server dispatches to.
func (s *Server) Registry() *MethodRegistry {
	return s.registry
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, nil, ErrCodeParse, "failed to read request body")
		return
	}

	if IsBatchRequest(body) {
		responses, err := s.batch.HandleBatch(r.Context(), body)
		switch {
		case err == nil:
			writeJSON(w, responses)
		case errors.Is(err, ErrBatchEmpty), errors.Is(err, ErrBatchTooLarge):
			writeError(w, nil, ErrCodeInvalidRequest, err.Error())
		default:
			writeError(w, nil, ErrCodeParse, "invalid JSON")
		}
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, ErrCodeParse, "invalid JSON")
		return
	}
	writeJSON(w, dispatch(r.Context(), s.registry, &req))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Warn("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, newResponse(id, nil, &RPCError{Code: code, Message: message}))
}
