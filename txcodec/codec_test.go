package txcodec

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	gethcommon "github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	testChainID = big.NewInt(902)
	testTo      = gethcommon.HexToAddress("0x00000000000000000000000000000000deadbeef")
)

func testKey(t *testing.T) (*ecdsa.PrivateKey, gethcommon.Address) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, gethcrypto.PubkeyToAddress(key.PublicKey)
}

func signed(t *testing.T, key *ecdsa.PrivateKey, signer gethtypes.Signer, data gethtypes.TxData) []byte {
	t.Helper()
	tx, err := gethtypes.SignNewTx(key, signer, data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := tx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sampleTxs(t *testing.T, key *ecdsa.PrivateKey) map[string][]byte {
	latest := gethtypes.LatestSignerForChainID(testChainID)
	al := gethtypes.AccessList{{Address: testTo, StorageKeys: []gethcommon.Hash{{0x01}}}}
	return map[string][]byte{
		"legacy unprotected": signed(t, key, gethtypes.HomesteadSigner{}, &gethtypes.LegacyTx{
			Nonce: 1, GasPrice: big.NewInt(1e9), Gas: 21000, To: &testTo, Value: big.NewInt(7),
		}),
		"legacy eip155": signed(t, key, latest, &gethtypes.LegacyTx{
			Nonce: 2, GasPrice: big.NewInt(2e9), Gas: 50000, To: &testTo, Value: big.NewInt(1), Data: []byte{0xca, 0xfe},
		}),
		"access list": signed(t, key, latest, &gethtypes.AccessListTx{
			ChainID: testChainID, Nonce: 3, GasPrice: big.NewInt(3e9), Gas: 60000, To: &testTo,
			Value: big.NewInt(0), Data: bytes.Repeat([]byte{0xab}, 100), AccessList: al,
		}),
		"dynamic fee": signed(t, key, latest, &gethtypes.DynamicFeeTx{
			ChainID: testChainID, Nonce: 4, GasTipCap: big.NewInt(1e8), GasFeeCap: big.NewInt(5e9), Gas: 90000,
			To: &testTo, Value: new(big.Int).Lsh(big.NewInt(1), 200), Data: []byte("transfer"), AccessList: al,
		}),
		"contract creation": signed(t, key, latest, &gethtypes.DynamicFeeTx{
			ChainID: testChainID, Nonce: 5, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(1), Gas: 1e6,
			Data: []byte{0x60, 0x00, 0x60, 0x00, 0xf3},
		}),
	}
}

func TestDecodeReassemble_RoundTrip(t *testing.T) {
	key, from := testKey(t)
	for name, b := range sampleTxs(t, key) {
		t.Run(name, func(t *testing.T) {
			open, plain, err := Decode(NewEth(b))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if open.Type != KindEth || len(open.Transactions) != 1 {
				t.Fatalf("open = %+v", open)
			}
			if got := open.Transactions[0].From; got != from {
				t.Fatalf("from = %s, want %s", got, from)
			}
			if want := gethcrypto.Keccak256Hash(b); open.Transactions[0].RawTxHash != want {
				t.Fatalf("raw_tx_hash = %s, want %s", open.Transactions[0].RawTxHash, want)
			}

			// the open part travels as JSON next to the ciphertext
			enc, err := json.Marshal(open)
			if err != nil {
				t.Fatal(err)
			}
			var decoded OpenData
			if err := json.Unmarshal(enc, &decoded); err != nil {
				t.Fatal(err)
			}

			raw, err := Reassemble(&decoded, plain)
			if err != nil {
				t.Fatalf("Reassemble: %v", err)
			}
			if !bytes.Equal(raw.Txs[0], b) {
				t.Fatalf("reassembled = %x, want %x", raw.Txs[0], b)
			}
		})
	}
}

func TestDecode_OpenDataHidesPlainFields(t *testing.T) {
	key, _ := testKey(t)
	b := sampleTxs(t, key)["dynamic fee"]
	open, plain, err := Decode(NewEth(b))
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := json.Marshal(open)
	var generic struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(enc, &generic); err != nil || len(generic.Transactions) != 1 {
		t.Fatalf("open json = %s (%v)", enc, err)
	}
	for _, hidden := range []string{"to", "value", "input", "data"} {
		if _, ok := generic.Transactions[0][hidden]; ok {
			t.Fatalf("open data exposes %q", hidden)
		}
	}

	var p PlainData
	if err := json.Unmarshal(plain, &p); err != nil {
		t.Fatal(err)
	}
	if p.To == nil || *p.To != testTo || string(p.Input) != "transfer" {
		t.Fatalf("plain = %+v", p)
	}
}

func TestDecodeReassemble_Bundle(t *testing.T) {
	key, _ := testKey(t)
	txs := sampleTxs(t, key)
	raw := NewBundle(txs["legacy eip155"], txs["dynamic fee"], txs["access list"])

	open, plain, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(open.Hashes()) != 3 {
		t.Fatalf("hashes = %d, want 3", len(open.Hashes()))
	}
	out, err := Reassemble(open, plain)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if out.Kind != KindEthBundle || len(out.Txs) != 3 {
		t.Fatalf("out = %+v", out)
	}
	for i := range raw.Txs {
		if !bytes.Equal(out.Txs[i], raw.Txs[i]) {
			t.Fatalf("tx %d differs", i)
		}
	}

	// a bundle plaintext cannot stand in for a single transaction
	single := &OpenData{Type: KindEth, Transactions: open.Transactions[:1]}
	if _, err := Reassemble(single, plain); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestReassemble_HashMismatch(t *testing.T) {
	key, _ := testKey(t)
	open, plain, err := Decode(NewEth(sampleTxs(t, key)["dynamic fee"]))
	if err != nil {
		t.Fatal(err)
	}
	var p PlainData
	json.Unmarshal(plain, &p)
	p.Input = []byte("tampered")
	tampered, _ := json.Marshal(p)

	if _, err := Reassemble(open, tampered); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
}

func TestDecode_Errors(t *testing.T) {
	blob := gethtypes.NewTx(&gethtypes.BlobTx{
		ChainID:    uint256.NewInt(902),
		GasTipCap:  uint256.NewInt(1),
		GasFeeCap:  uint256.NewInt(1),
		Gas:        21000,
		To:         testTo,
		Value:      uint256.NewInt(0),
		BlobFeeCap: uint256.NewInt(1),
		BlobHashes: []gethcommon.Hash{{0x01}},
		V:          new(uint256.Int),
		R:          new(uint256.Int),
		S:          new(uint256.Int),
	})
	blobBytes, err := blob.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		raw  RawTransaction
		want error
	}{
		{"garbage", NewEth([]byte{0xde, 0xad}), ErrDecodeFailed},
		{"empty", NewEth(nil), ErrDecodeFailed},
		{"empty bundle", NewBundle(), ErrDecodeFailed},
		{"blob", NewEth(blobBytes), ErrUnsupportedTxType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.raw); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRawTransaction_JSON(t *testing.T) {
	key, _ := testKey(t)
	txs := sampleTxs(t, key)

	eth := NewEth(txs["legacy eip155"])
	enc, err := json.Marshal(eth)
	if err != nil {
		t.Fatal(err)
	}
	var shape struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(enc, &shape); err != nil || shape.Type != "eth" || shape.Data != eth.Hex() {
		t.Fatalf("eth json = %s (%v)", enc, err)
	}

	bundle := NewBundle(txs["legacy eip155"], txs["dynamic fee"])
	enc, _ = json.Marshal(bundle)
	var got RawTransaction
	if err := json.Unmarshal(enc, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindEthBundle || len(got.Txs) != 2 || !bytes.Equal(got.Txs[1], bundle.Txs[1]) {
		t.Fatalf("bundle round trip = %+v", got)
	}

	for _, bad := range []string{
		`{"type":"btc","data":"0x01"}`,
		`{"type":"eth","data":["0x01"]}`,
		`{"type":"eth_bundle","data":[]}`,
		`{"type":"eth","data":"0x"}`,
	} {
		var r RawTransaction
		if err := json.Unmarshal([]byte(bad), &r); err == nil {
			t.Fatalf("Unmarshal(%s) succeeded", bad)
		}
	}
}

func TestParseEthHexAndHash(t *testing.T) {
	key, _ := testKey(t)
	b := sampleTxs(t, key)["access list"]

	raw, err := ParseEthHex(NewEth(b).Hex())
	if err != nil {
		t.Fatal(err)
	}
	hashes, err := Hash(raw)
	if err != nil {
		t.Fatal(err)
	}
	if want := gethcrypto.Keccak256Hash(b); len(hashes) != 1 || hashes[0] != want {
		t.Fatalf("Hash = %v, want %s", hashes, want)
	}

	for _, bad := range []string{"", "0x", "deadbeef", "0xzz"} {
		if _, err := ParseEthHex(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParseEthHex(%q) err = %v, want ErrMalformed", bad, err)
		}
	}
}
