package rpc

import (
	"context"
	"encoding/json"
	"errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/radiusxyz/secure-rpc/errclass"
)

// ForwardedMethods are the read-only methods answered by the rollup node.
var ForwardedMethods = []string{
	"eth_blockNumber",
	"eth_call",
	"eth_chainId",
	"eth_estimateGas",
	"eth_feeHistory",
	"eth_gasPrice",
	"eth_getBalance",
	"eth_getBlockByHash",
	"eth_getBlockByNumber",
	"eth_getCode",
	"eth_getTransactionByHash",
	"eth_getTransactionCount",
	"eth_getTransactionReceipt",
	"net_version",
}

// RollupCaller is the subset of *gethrpc.Client used for forwarding.
type RollupCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Passthrough forwards read-only methods to the rollup node unchanged.
type Passthrough struct {
	rollup RollupCaller
}

// NewPassthrough creates a forwarder over an existing client.
func NewPassthrough(rollup RollupCaller) *Passthrough {
	return &Passthrough{rollup: rollup}
}

// DialPassthrough connects to the rollup node at url.
func DialPassthrough(ctx context.Context, url string) (*Passthrough, *gethrpc.Client, error) {
	c, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, nil, errclass.New(errclass.Config, "rpc.dial_rollup", err)
	}
	return NewPassthrough(c), c, nil
}

// Methods returns the registry entries for the forwarded methods.
func (p *Passthrough) Methods() []MethodInfo {
	infos := make([]MethodInfo, 0, len(ForwardedMethods))
	for _, name := range ForwardedMethods {
		infos = append(infos, MethodInfo{
			Name:        name,
			Handler:     p.forward(name),
			Description: "forwarded to the rollup node",
			Route:       RouteForwarded,
		})
	}
	return infos
}

func (p *Passthrough) forward(method string) MethodHandler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		elems, err := (paramsDecoder{params}).positional()
		if err != nil {
			return nil, err
		}
		args := make([]any, len(elems))
		for i, e := range elems {
			args[i] = e
		}
		var result json.RawMessage
		if err := p.rollup.CallContext(ctx, &result, method, args...); err != nil {
			var coded gethrpc.Error
			if errors.As(err, &coded) {
				return nil, err
			}
			return nil, errclass.New(errclass.Transport, "rpc."+method, err)
		}
		if result == nil {
			result = json.RawMessage("null")
		}
		return result, nil
	}
}
