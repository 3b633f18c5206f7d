package rpc

import (
	"encoding/json"
	"errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/rpcclient"
)

// ErrEncryptionDisabled is returned by the encrypted submission paths when
// the gateway runs with encryption turned off.
var ErrEncryptionDisabled = errors.New("rpc: encryption is not enabled")

// toRPCError maps a handler error to the JSON-RPC error sent to the client.
// Errors already carrying a JSON-RPC code (our own or one forwarded by the
// rollup node) keep it; everything else is mapped by its errclass kind.
func toRPCError(method string, err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return &RPCError{Code: ErrCodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		return &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	var coded gethrpc.Error
	if errors.As(err, &coded) {
		out := &RPCError{Code: coded.ErrorCode(), Message: coded.Error()}
		var withData gethrpc.DataError
		if errors.As(err, &withData) {
			out.Data = withData.ErrorData()
		}
		return out
	}

	switch errclass.KindOf(err) {
	case errclass.Input:
		return &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	case errclass.ProofInvalid:
		return &RPCError{Code: ErrCodeInvalidProof, Message: "invalid proof"}
	case errclass.Config:
		return &RPCError{Code: ErrCodeConfig, Message: err.Error()}
	case errclass.Transport:
		return &RPCError{Code: ErrCodeTransport, Message: err.Error()}
	case errclass.Downstream:
		var remote *rpcclient.Error
		if errors.As(err, &remote) {
			out := &RPCError{Code: ErrCodeDownstream, Message: remote.Message}
			if len(remote.Data) > 0 {
				out.Data = json.RawMessage(remote.Data)
			}
			return out
		}
		return &RPCError{Code: ErrCodeDownstream, Message: err.Error()}
	default:
		logger().Error("internal error", "method", method, "err", err)
		return &RPCError{Code: ErrCodeInternal, Message: "internal error"}
	}
}
