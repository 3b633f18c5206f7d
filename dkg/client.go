// Package dkg is the client of the distributed key generation service,
// which publishes SKDE encryption keys and, once the delay has elapsed,
// the matching decryption keys.
package dkg

import (
	"context"
	"errors"

	"github.com/radiusxyz/secure-rpc/crypto/skde"
	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/rpcclient"
)

// Method names served by the key service.
const (
	MethodGetLatestEncryptionKey = "get_latest_encryption_key"
	MethodGetEncryptionKey       = "get_encryption_key"
	MethodGetDecryptionKey       = "get_decryption_key"
	MethodGetSkdeParams          = "get_skde_params"
)

// ErrUnknownKeyID is returned when the service has no decryption key for the
// requested id, either because the id is unknown or the key is not yet
// released.
var ErrUnknownKeyID = errors.New("dkg: unknown key id")

// EncryptionKey is a published SKDE public key and its id.
type EncryptionKey struct {
	KeyID         uint64 `json:"key_id"`
	EncryptionKey string `json:"encryption_key"`
}

type keyIDParams struct {
	KeyID uint64 `json:"key_id"`
}

type encryptionKeyResult struct {
	EncryptionKey string `json:"encryption_key"`
}

type decryptionKeyResult struct {
	DecryptionKey string `json:"decryption_key"`
}

type skdeParamsResult struct {
	SkdeParams *skde.Params `json:"skde_params"`
}

// Client talks to the key service.
type Client struct {
	rpc *rpcclient.Client
}

// New wraps an rpcclient pointed at the key service.
func New(rpc *rpcclient.Client) *Client {
	return &Client{rpc: rpc}
}

// Dial creates a client for url with the given options.
func Dial(url string, opts ...rpcclient.Option) (*Client, error) {
	rpc, err := rpcclient.New([]string{url}, opts...)
	if err != nil {
		return nil, err
	}
	return New(rpc), nil
}

// GetLatestEncryptionKey returns the key new transactions should be
// encrypted under.
func (c *Client) GetLatestEncryptionKey(ctx context.Context) (*EncryptionKey, error) {
	var out EncryptionKey
	if err := c.rpc.Call(ctx, MethodGetLatestEncryptionKey, rpcclient.Named(struct{}{}), &out); err != nil {
		return nil, err
	}
	if out.EncryptionKey == "" {
		return nil, errclass.Newf(errclass.Downstream, "dkg."+MethodGetLatestEncryptionKey, "empty encryption key")
	}
	return &out, nil
}

// GetEncryptionKey returns the encryption key published under id.
func (c *Client) GetEncryptionKey(ctx context.Context, id uint64) (string, error) {
	var out encryptionKeyResult
	if err := c.rpc.Call(ctx, MethodGetEncryptionKey, rpcclient.Named(keyIDParams{KeyID: id}), &out); err != nil {
		return "", err
	}
	return out.EncryptionKey, nil
}

// GetDecryptionKey returns the decryption key for id. A JSON-RPC error
// from the service is reported as ErrUnknownKeyID.
func (c *Client) GetDecryptionKey(ctx context.Context, id uint64) (string, error) {
	var out decryptionKeyResult
	err := c.rpc.Call(ctx, MethodGetDecryptionKey, rpcclient.Named(keyIDParams{KeyID: id}), &out)
	var rpcErr *rpcclient.Error
	switch {
	case errors.As(err, &rpcErr):
		return "", errclass.New(errclass.Downstream, "dkg."+MethodGetDecryptionKey, ErrUnknownKeyID)
	case err != nil:
		return "", err
	}
	if out.DecryptionKey == "" {
		return "", errclass.New(errclass.Downstream, "dkg."+MethodGetDecryptionKey, ErrUnknownKeyID)
	}
	return out.DecryptionKey, nil
}

// GetSkdeParams fetches the shared SKDE parameters.
func (c *Client) GetSkdeParams(ctx context.Context) (*skde.Params, error) {
	var out skdeParamsResult
	if err := c.rpc.Call(ctx, MethodGetSkdeParams, rpcclient.Named(struct{}{}), &out); err != nil {
		return nil, err
	}
	if err := out.SkdeParams.Validate(); err != nil {
		return nil, errclass.New(errclass.Downstream, "dkg."+MethodGetSkdeParams, err)
	}
	return out.SkdeParams, nil
}
