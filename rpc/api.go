package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/radiusxyz/secure-rpc/encryption"
	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/rpcclient"
	"github.com/radiusxyz/secure-rpc/txcodec"
)

// Sequencer-side method names.
const (
	MethodSendEncryptedTransaction = "send_encrypted_transaction"
	MethodSendRawTransaction       = "send_raw_transaction"
)

// Encryptor is the part of the encryption engine the gateway uses.
// *encryption.Engine implements it.
type Encryptor interface {
	Encrypt(ctx context.Context, raw txcodec.RawTransaction) (*encryption.EncryptedTransaction, error)
	Decrypt(ctx context.Context, env *encryption.EncryptedTransaction) (txcodec.RawTransaction, error)
}

// Sequencer submits transactions to the ordering layer. *rpcclient.Client
// implements it.
type Sequencer interface {
	Call(ctx context.Context, method string, params rpcclient.Params, result any) error
}

// API implements the transaction submission methods. A nil encryptor means
// the gateway forwards transactions in the clear.
type API struct {
	rollupID  string
	encryptor Encryptor
	sequencer Sequencer
}

// NewAPI creates the submission API for one rollup.
func NewAPI(rollupID string, encryptor Encryptor, sequencer Sequencer) *API {
	return &API{rollupID: rollupID, encryptor: encryptor, sequencer: sequencer}
}

// EncryptionEnabled reports whether submissions are encrypted.
func (api *API) EncryptionEnabled() bool { return api.encryptor != nil }

// Methods returns the registry entries for the submission API.
func (api *API) Methods() []MethodInfo {
	return []MethodInfo{
		{Name: "eth_sendRawTransaction", Handler: api.ethSendRawTransaction,
			Description: "submit a signed transaction, encrypted when enabled; returns the transaction hash"},
		{Name: "encrypt_transaction", Handler: api.encryptTransaction,
			Description: "encrypt a raw transaction without submitting it"},
		{Name: "decrypt_transaction", Handler: api.decryptTransaction,
			Description: "open an encrypted transaction envelope"},
		{Name: MethodSendEncryptedTransaction, Handler: api.sendEncryptedTransaction,
			Description: "encrypt and submit a raw transaction; returns the order commitment"},
		{Name: MethodSendRawTransaction, Handler: api.sendRawTransaction,
			Description: "submit a raw transaction in the clear; returns the order commitment"},
	}
}

// rawTransactionParam accepts either a RawTransaction object or a bare hex
// string holding one Ethereum transaction.
type rawTransactionParam struct {
	txcodec.RawTransaction
}

func (p *rawTransactionParam) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := txcodec.ParseEthHex(s)
		if err != nil {
			return err
		}
		p.RawTransaction = raw
		return nil
	}
	return json.Unmarshal(data, &p.RawTransaction)
}

type submitParams struct {
	RollupID       string              `json:"rollup_id"`
	RawTransaction *rawTransactionParam `json:"raw_transaction"`
}

type envelopeParams struct {
	EncryptedTransaction *encryption.EncryptedTransaction `json:"encrypted_transaction"`
}

type ethSendParams struct {
	RawTransaction string `json:"raw_transaction"`
}

// Downstream request bodies.
type sendEncryptedRequest struct {
	RollupID             string                           `json:"rollup_id"`
	EncryptedTransaction *encryption.EncryptedTransaction `json:"encrypted_transaction"`
}

type sendRawRequest struct {
	RollupID       string                 `json:"rollup_id"`
	RawTransaction txcodec.RawTransaction `json:"raw_transaction"`
}

func (api *API) decodeRaw(params json.RawMessage) (txcodec.RawTransaction, error) {
	var p submitParams
	if err := (paramsDecoder{params}).decode(&p); err != nil {
		return txcodec.RawTransaction{}, err
	}
	if p.RawTransaction == nil {
		return txcodec.RawTransaction{}, fmt.Errorf("%w: raw_transaction is required", ErrInvalidParams)
	}
	if p.RollupID != "" && p.RollupID != api.rollupID {
		return txcodec.RawTransaction{}, fmt.Errorf("%w: unknown rollup_id %q", ErrInvalidParams, p.RollupID)
	}
	return p.RawTransaction.RawTransaction, nil
}

func (api *API) ethSendRawTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	var p ethSendParams
	if err := (paramsDecoder{params}).decode(&p); err != nil {
		return nil, err
	}
	raw, err := txcodec.ParseEthHex(p.RawTransaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	hashes, err := txcodec.Hash(raw)
	if err != nil {
		return nil, errclass.New(errclass.Input, "rpc.eth_sendRawTransaction", err)
	}

	var commitment *OrderCommitment
	if api.EncryptionEnabled() {
		commitment, err = api.submitEncrypted(ctx, raw)
	} else {
		commitment, err = api.submitRaw(ctx, raw)
	}
	if err != nil {
		return nil, err
	}
	logger().Debug("transaction submitted", "hash", hashes[0],
		"block", commitment.RollupBlockNumber, "order", commitment.TransactionOrder)
	return hashes[0].Hex(), nil
}

func (api *API) encryptTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	if !api.EncryptionEnabled() {
		return nil, errclass.New(errclass.Config, "rpc.encrypt_transaction", ErrEncryptionDisabled)
	}
	raw, err := api.decodeRaw(params)
	if err != nil {
		return nil, err
	}
	env, err := api.encryptor.Encrypt(ctx, raw)
	if err != nil {
		return nil, err
	}
	return envelopeParams{EncryptedTransaction: env}, nil
}

func (api *API) decryptTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	if !api.EncryptionEnabled() {
		return nil, errclass.New(errclass.Config, "rpc.decrypt_transaction", ErrEncryptionDisabled)
	}
	var p envelopeParams
	if err := (paramsDecoder{params}).decode(&p); err != nil {
		return nil, err
	}
	if p.EncryptedTransaction == nil {
		return nil, fmt.Errorf("%w: encrypted_transaction is required", ErrInvalidParams)
	}
	raw, err := api.encryptor.Decrypt(ctx, p.EncryptedTransaction)
	if err != nil {
		return nil, err
	}
	return struct {
		RollupID       string                 `json:"rollup_id"`
		RawTransaction txcodec.RawTransaction `json:"raw_transaction"`
	}{api.rollupID, raw}, nil
}

func (api *API) sendEncryptedTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	if !api.EncryptionEnabled() {
		return nil, errclass.New(errclass.Config, "rpc.send_encrypted_transaction", ErrEncryptionDisabled)
	}
	raw, err := api.decodeRaw(params)
	if err != nil {
		return nil, err
	}
	return api.submitEncrypted(ctx, raw)
}

func (api *API) sendRawTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	raw, err := api.decodeRaw(params)
	if err != nil {
		return nil, err
	}
	return api.submitRaw(ctx, raw)
}

func (api *API) submitEncrypted(ctx context.Context, raw txcodec.RawTransaction) (*OrderCommitment, error) {
	env, err := api.encryptor.Encrypt(ctx, raw)
	if err != nil {
		return nil, err
	}
	var out OrderCommitment
	req := sendEncryptedRequest{RollupID: api.rollupID, EncryptedTransaction: env}
	if err := api.sequencer.Call(ctx, MethodSendEncryptedTransaction, rpcclient.Named(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (api *API) submitRaw(ctx context.Context, raw txcodec.RawTransaction) (*OrderCommitment, error) {
	var out OrderCommitment
	req := sendRawRequest{RollupID: api.rollupID, RawTransaction: raw}
	if err := api.sequencer.Call(ctx, MethodSendRawTransaction, rpcclient.Named(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}
