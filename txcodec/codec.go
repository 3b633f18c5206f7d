// Package txcodec splits signed Ethereum transactions into the fields that
// stay public while a transaction is encrypted (OpenData) and the fields
// that are hidden (PlainData), and merges them back. Reassembly is checked
// against the hash of the original transaction.
package txcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var (
	ErrDecodeFailed      = errors.New("txcodec: decode failed")
	ErrUnsupportedTxType = errors.New("txcodec: unsupported transaction type")
	ErrHashMismatch      = errors.New("txcodec: reassembled transaction hash mismatch")
	ErrMalformed         = errors.New("txcodec: malformed raw transaction")
	errEmptyBundle       = errors.New("txcodec: empty bundle")
	errOpenPlainMismatch = errors.New("txcodec: open data and plaintext disagree")
	errUnknownKind       = errors.New("txcodec: unknown transaction kind")
	errFieldOverflow     = errors.New("txcodec: field exceeds 256 bits")
	errMissingSignature  = errors.New("txcodec: missing signature values")
	errMissingChainID    = errors.New("txcodec: missing chain id")
	errMissingFeeFields  = errors.New("txcodec: missing fee fields")
)

// Kind tags a RawTransaction.
type Kind string

const (
	KindEth       Kind = "eth"
	KindEthBundle Kind = "eth_bundle"
)

// RawTransaction is a signed transaction in EIP-2718 binary form, or an
// ordered bundle of them.
type RawTransaction struct {
	Kind Kind
	Txs  []hexutil.Bytes
}

// NewEth wraps one encoded transaction.
func NewEth(b []byte) RawTransaction {
	return RawTransaction{Kind: KindEth, Txs: []hexutil.Bytes{b}}
}

// NewBundle wraps an ordered bundle.
func NewBundle(txs ...[]byte) RawTransaction {
	raw := RawTransaction{Kind: KindEthBundle, Txs: make([]hexutil.Bytes, len(txs))}
	for i, tx := range txs {
		raw.Txs[i] = tx
	}
	return raw
}

// ParseEthHex decodes a 0x-prefixed hex transaction as submitted to
// eth_sendRawTransaction.
func ParseEthHex(s string) (RawTransaction, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return RawTransaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(b) == 0 {
		return RawTransaction{}, fmt.Errorf("%w: empty transaction", ErrMalformed)
	}
	return NewEth(b), nil
}

// Hex returns the single transaction of an eth RawTransaction as 0x hex.
func (r RawTransaction) Hex() string {
	if len(r.Txs) == 0 {
		return "0x"
	}
	return r.Txs[0].String()
}

func (r RawTransaction) validate() error {
	switch r.Kind {
	case KindEth:
		if len(r.Txs) != 1 {
			return fmt.Errorf("%w: eth carries exactly one transaction", ErrMalformed)
		}
	case KindEthBundle:
		if len(r.Txs) == 0 {
			return errEmptyBundle
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, r.Kind)
	}
	for i, tx := range r.Txs {
		if len(tx) == 0 {
			return fmt.Errorf("%w: transaction %d is empty", ErrMalformed, i)
		}
	}
	return nil
}

type rawJSON struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (r RawTransaction) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if r.Kind == KindEth && len(r.Txs) == 1 {
		data, err = json.Marshal(r.Txs[0])
	} else {
		data, err = json.Marshal(r.Txs)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawJSON{Type: r.Kind, Data: data})
}

func (r *RawTransaction) UnmarshalJSON(b []byte) error {
	var dec rawJSON
	if err := json.Unmarshal(b, &dec); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := RawTransaction{Kind: dec.Type}
	switch dec.Type {
	case KindEth:
		var tx hexutil.Bytes
		if err := json.Unmarshal(dec.Data, &tx); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out.Txs = []hexutil.Bytes{tx}
	case KindEthBundle:
		if err := json.Unmarshal(dec.Data, &out.Txs); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownKind, dec.Type)
	}
	if err := out.validate(); err != nil {
		return err
	}
	*r = out
	return nil
}

// EthOpenData is the public part of one transaction: everything needed to
// order it and to recompute its hash once the hidden part is known.
type EthOpenData struct {
	TxType     hexutil.Uint64       `json:"tx_type"`
	ChainID    *hexutil.Big         `json:"chain_id,omitempty"`
	Nonce      hexutil.Uint64       `json:"nonce"`
	Gas        hexutil.Uint64       `json:"gas"`
	GasPrice   *hexutil.Big         `json:"gas_price,omitempty"`
	GasTipCap  *hexutil.Big         `json:"max_priority_fee_per_gas,omitempty"`
	GasFeeCap  *hexutil.Big         `json:"max_fee_per_gas,omitempty"`
	AccessList gethtypes.AccessList `json:"access_list,omitempty"`
	From       gethcommon.Address   `json:"from"`
	V          *hexutil.Big         `json:"v"`
	R          *hexutil.Big         `json:"r"`
	S          *hexutil.Big         `json:"s"`
	RawTxHash  gethcommon.Hash      `json:"raw_tx_hash"`
}

// OpenData is the public part of a RawTransaction.
type OpenData struct {
	Type         Kind          `json:"type"`
	Transactions []EthOpenData `json:"transactions"`
}

// Hashes returns the hash of every transaction in order.
func (o *OpenData) Hashes() []gethcommon.Hash {
	out := make([]gethcommon.Hash, len(o.Transactions))
	for i, tx := range o.Transactions {
		out[i] = tx.RawTxHash
	}
	return out
}

// PlainData holds the hidden fields of one transaction.
type PlainData struct {
	To    *gethcommon.Address `json:"to"`
	Value *hexutil.Big        `json:"value"`
	Input hexutil.Bytes       `json:"input"`
}

// Decode parses raw and returns its public part together with the JSON
// plaintext of the hidden fields: one PlainData object for an eth
// transaction, an array of them for a bundle.
func Decode(raw RawTransaction) (*OpenData, []byte, error) {
	if err := raw.validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	open := &OpenData{Type: raw.Kind, Transactions: make([]EthOpenData, len(raw.Txs))}
	plain := make([]PlainData, len(raw.Txs))
	for i, b := range raw.Txs {
		o, p, err := decodeOne(b)
		if err != nil {
			if len(raw.Txs) > 1 {
				err = fmt.Errorf("transaction %d: %w", i, err)
			}
			return nil, nil, err
		}
		open.Transactions[i], plain[i] = o, p
	}

	var (
		text []byte
		err  error
	)
	if raw.Kind == KindEth {
		text, err = json.Marshal(plain[0])
	} else {
		text, err = json.Marshal(plain)
	}
	if err != nil {
		return nil, nil, err
	}
	return open, text, nil
}

func decodeOne(b []byte) (EthOpenData, PlainData, error) {
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return EthOpenData{}, PlainData{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	switch tx.Type() {
	case gethtypes.LegacyTxType, gethtypes.AccessListTxType, gethtypes.DynamicFeeTxType:
	default:
		return EthOpenData{}, PlainData{}, fmt.Errorf("%w: %d", ErrUnsupportedTxType, tx.Type())
	}

	v, r, s := tx.RawSignatureValues()
	for _, x := range []*big.Int{tx.ChainId(), tx.GasPrice(), tx.GasTipCap(), tx.GasFeeCap(), tx.Value(), v, r, s} {
		if !fits256(x) {
			return EthOpenData{}, PlainData{}, fmt.Errorf("%w: %v", ErrDecodeFailed, errFieldOverflow)
		}
	}

	var signer gethtypes.Signer
	if tx.Type() == gethtypes.LegacyTxType && !tx.Protected() {
		signer = gethtypes.HomesteadSigner{}
	} else {
		signer = gethtypes.LatestSignerForChainID(tx.ChainId())
	}
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		return EthOpenData{}, PlainData{}, fmt.Errorf("%w: recover sender: %v", ErrDecodeFailed, err)
	}

	open := EthOpenData{
		TxType:    hexutil.Uint64(tx.Type()),
		Nonce:     hexutil.Uint64(tx.Nonce()),
		Gas:       hexutil.Uint64(tx.Gas()),
		From:      from,
		V:         (*hexutil.Big)(v),
		R:         (*hexutil.Big)(r),
		S:         (*hexutil.Big)(s),
		RawTxHash: tx.Hash(),
	}
	switch tx.Type() {
	case gethtypes.LegacyTxType:
		open.GasPrice = (*hexutil.Big)(tx.GasPrice())
		if tx.Protected() {
			open.ChainID = (*hexutil.Big)(tx.ChainId())
		}
	case gethtypes.AccessListTxType:
		open.ChainID = (*hexutil.Big)(tx.ChainId())
		open.GasPrice = (*hexutil.Big)(tx.GasPrice())
		open.AccessList = tx.AccessList()
	case gethtypes.DynamicFeeTxType:
		open.ChainID = (*hexutil.Big)(tx.ChainId())
		open.GasTipCap = (*hexutil.Big)(tx.GasTipCap())
		open.GasFeeCap = (*hexutil.Big)(tx.GasFeeCap())
		open.AccessList = tx.AccessList()
	}
	plain := PlainData{
		To:    tx.To(),
		Value: (*hexutil.Big)(tx.Value()),
		Input: tx.Data(),
	}
	return open, plain, nil
}

func fits256(x *big.Int) bool {
	if x == nil {
		return true
	}
	if x.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(x)
	return !overflow
}

// Reassemble merges open with the decrypted plaintext and re-encodes the
// result. Every rebuilt transaction must hash to its recorded RawTxHash.
func Reassemble(open *OpenData, plaintext []byte) (RawTransaction, error) {
	if open == nil || len(open.Transactions) == 0 {
		return RawTransaction{}, fmt.Errorf("%w: no open data", ErrMalformed)
	}
	var plain []PlainData
	switch open.Type {
	case KindEth:
		if len(open.Transactions) != 1 {
			return RawTransaction{}, errOpenPlainMismatch
		}
		var p PlainData
		if err := json.Unmarshal(plaintext, &p); err != nil {
			return RawTransaction{}, fmt.Errorf("%w: plaintext: %v", ErrMalformed, err)
		}
		plain = []PlainData{p}
	case KindEthBundle:
		if err := json.Unmarshal(plaintext, &plain); err != nil {
			return RawTransaction{}, fmt.Errorf("%w: plaintext: %v", ErrMalformed, err)
		}
		if len(plain) != len(open.Transactions) {
			return RawTransaction{}, errOpenPlainMismatch
		}
	default:
		return RawTransaction{}, fmt.Errorf("%w: %q", errUnknownKind, open.Type)
	}

	out := RawTransaction{Kind: open.Type, Txs: make([]hexutil.Bytes, len(plain))}
	for i := range plain {
		tx, err := rebuild(&open.Transactions[i], &plain[i])
		if err != nil {
			return RawTransaction{}, err
		}
		if tx.Hash() != open.Transactions[i].RawTxHash {
			return RawTransaction{}, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, tx.Hash(), open.Transactions[i].RawTxHash)
		}
		b, err := tx.MarshalBinary()
		if err != nil {
			return RawTransaction{}, err
		}
		out.Txs[i] = b
	}
	return out, nil
}

func rebuild(o *EthOpenData, p *PlainData) (*gethtypes.Transaction, error) {
	if o.V == nil || o.R == nil || o.S == nil {
		return nil, errMissingSignature
	}
	value := new(big.Int)
	if p.Value != nil {
		value = p.Value.ToInt()
	}
	var data gethtypes.TxData
	switch uint8(o.TxType) {
	case gethtypes.LegacyTxType:
		if o.GasPrice == nil {
			return nil, errMissingFeeFields
		}
		data = &gethtypes.LegacyTx{
			Nonce:    uint64(o.Nonce),
			GasPrice: o.GasPrice.ToInt(),
			Gas:      uint64(o.Gas),
			To:       p.To,
			Value:    value,
			Data:     p.Input,
			V:        o.V.ToInt(),
			R:        o.R.ToInt(),
			S:        o.S.ToInt(),
		}
	case gethtypes.AccessListTxType:
		if o.ChainID == nil {
			return nil, errMissingChainID
		}
		if o.GasPrice == nil {
			return nil, errMissingFeeFields
		}
		data = &gethtypes.AccessListTx{
			ChainID:    o.ChainID.ToInt(),
			Nonce:      uint64(o.Nonce),
			GasPrice:   o.GasPrice.ToInt(),
			Gas:        uint64(o.Gas),
			To:         p.To,
			Value:      value,
			Data:       p.Input,
			AccessList: o.AccessList,
			V:          o.V.ToInt(),
			R:          o.R.ToInt(),
			S:          o.S.ToInt(),
		}
	case gethtypes.DynamicFeeTxType:
		if o.ChainID == nil {
			return nil, errMissingChainID
		}
		if o.GasTipCap == nil || o.GasFeeCap == nil {
			return nil, errMissingFeeFields
		}
		data = &gethtypes.DynamicFeeTx{
			ChainID:    o.ChainID.ToInt(),
			Nonce:      uint64(o.Nonce),
			GasTipCap:  o.GasTipCap.ToInt(),
			GasFeeCap:  o.GasFeeCap.ToInt(),
			Gas:        uint64(o.Gas),
			To:         p.To,
			Value:      value,
			Data:       p.Input,
			AccessList: o.AccessList,
			V:          o.V.ToInt(),
			R:          o.R.ToInt(),
			S:          o.S.ToInt(),
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedTxType, uint64(o.TxType))
	}
	return gethtypes.NewTx(data), nil
}

// Hash returns the canonical hash of every transaction in raw.
func Hash(raw RawTransaction) ([]gethcommon.Hash, error) {
	if err := raw.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	out := make([]gethcommon.Hash, len(raw.Txs))
	for i, b := range raw.Txs {
		tx := new(gethtypes.Transaction)
		if err := tx.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		out[i] = tx.Hash()
	}
	return out, nil
}
