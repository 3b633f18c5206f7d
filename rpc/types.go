// Package rpc is the gateway's JSON-RPC 2.0 surface: an HTTP server with a
// method registry, batch support and middleware, the transaction
// submission methods that route through the encryption engine, and the
// read-only eth_ methods forwarded to the rollup node.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request. Params stays raw until the handler
// decodes it, so both the by-name and the by-position form reach it.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes. The -320xx range is specific to the gateway.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	ErrCodeInvalidProof = -32010
	ErrCodeConfig       = -32011
	ErrCodeTransport    = -32012
	ErrCodeDownstream   = -32013
)

// OrderCommitment is the sequencer's acknowledgement of a submitted
// transaction. It is passed through unchanged.
type OrderCommitment struct {
	RollupBlockNumber uint64 `json:"rollup_block_number"`
	TransactionOrder  uint64 `json:"transaction_order"`
}

func newResponse(id json.RawMessage, result any, err *RPCError) *Response {
	return &Response{JSONRPC: "2.0", Result: result, Error: err, ID: id}
}
