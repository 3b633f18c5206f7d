package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// Batch processing errors.
var (
	ErrBatchEmpty    = errors.New("rpc: empty batch")
	ErrBatchTooLarge = fmt.Errorf("rpc: batch exceeds maximum size of %d", MaxBatchSize)
	ErrNotBatch      = errors.New("rpc: request is not a JSON array")
)

// Batch processing constants.
const (
	// MaxBatchSize is the maximum number of requests in a single batch.
	MaxBatchSize = 100

	// DefaultParallelism is the default number of goroutines for parallel execution.
	DefaultParallelism = 16
)

// BatchHandler processes JSON-RPC batch requests. It parses a batch array,
// executes each request in parallel, and assembles the results in the
// original request order.
type BatchHandler struct {
	registry    *MethodRegistry
	parallelism int
}

// NewBatchHandler creates a new batch handler that dispatches to registry.
func NewBatchHandler(registry *MethodRegistry) *BatchHandler {
	return &BatchHandler{
		registry:    registry,
		parallelism: DefaultParallelism,
	}
}

// SetParallelism sets the maximum number of goroutines used for parallel
// batch execution. Must be at least 1.
func (bh *BatchHandler) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	bh.parallelism = n
}

// HandleBatch parses a raw JSON body as a batch request and executes it.
func (bh *BatchHandler) HandleBatch(ctx context.Context, body []byte) ([]*Response, error) {
	requests, err := parseBatchRequests(body)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, ErrBatchEmpty
	}
	if len(requests) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	return bh.ExecuteParallel(ctx, requests), nil
}

// ExecuteParallel executes requests with bounded concurrency. Results are
// returned in the same order as the input requests.
func (bh *BatchHandler) ExecuteParallel(ctx context.Context, requests []Request) []*Response {
	responses := make([]*Response, len(requests))

	var g errgroup.Group
	g.SetLimit(bh.parallelism)
	for i := range requests {
		g.Go(func() error {
			responses[i] = dispatch(ctx, bh.registry, &requests[i])
			return nil
		})
	}
	g.Wait()
	return responses
}

// dispatch validates one request and runs it through the registry. A
// panicking handler yields an internal error for its request only.
func dispatch(ctx context.Context, registry *MethodRegistry, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			logger().Error("rpc handler panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
			resp = newResponse(req.ID, nil, &RPCError{Code: ErrCodeInternal, Message: "internal error"})
		}
	}()
	if req.JSONRPC != "2.0" {
		return newResponse(req.ID, nil, &RPCError{Code: ErrCodeInvalidRequest, Message: "invalid jsonrpc version"})
	}
	if req.Method == "" {
		return newResponse(req.ID, nil, &RPCError{Code: ErrCodeInvalidRequest, Message: "method is required"})
	}
	result, err := registry.Call(ctx, req.Method, req.Params)
	if err != nil {
		return newResponse(req.ID, nil, toRPCError(req.Method, err))
	}
	return newResponse(req.ID, result, nil)
}

// parseBatchRequests parses a JSON byte slice as an array of requests.
func parseBatchRequests(body []byte) ([]Request, error) {
	if !IsBatchRequest(body) {
		return nil, ErrNotBatch
	}
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		return nil, fmt.Errorf("rpc: invalid JSON in batch: %w", err)
	}
	return requests, nil
}

// IsBatchRequest checks whether a JSON body is a batch request (starts with '[').
func IsBatchRequest(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
