package poseidon

import (
	"bytes"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

func testKey(t *testing.T, seed int64) *Key {
	t.Helper()
	k := new(big.Int).Lsh(big.NewInt(seed), 190)
	k.Add(k, big.NewInt(12345))
	key, err := DeriveKey(k, 4)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return key
}

func TestLimbs(t *testing.T) {
	x, _ := new(big.Int).SetString("0102030405060708090a0b0c0d0e0f10", 16)
	limbs, err := LimbsBig(x, 3)
	if err != nil {
		t.Fatalf("LimbsBig: %v", err)
	}
	if limbs[0].Uint64() != 0x090a0b0c0d0e0f10 || limbs[1].Uint64() != 0x0102030405060708 || limbs[2].Sign() != 0 {
		t.Fatalf("limbs = %v", limbs)
	}
	if _, err := Limbs(x, 1); err == nil {
		t.Fatal("expected overflow error")
	}
	if _, err := Limbs(big.NewInt(-1), 2); err == nil {
		t.Fatal("expected error for negative input")
	}
}

func TestHash_Deterministic(t *testing.T) {
	var a, b fr.Element
	a.SetUint64(1)
	b.SetUint64(2)
	h1 := Hash(a, b)
	h2 := Hash(a, b)
	if !h1.Equal(&h2) {
		t.Fatal("hash is not deterministic")
	}
	h3 := Hash(b, a)
	if h1.Equal(&h3) {
		t.Fatal("hash ignores order")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := testKey(t, 7)
	for _, size := range []int{0, 1, 30, 31, 32, 200} {
		msg := bytes.Repeat([]byte{0xab}, size)
		msg = append(msg, byte(size))
		ct, err := key.Encrypt(msg, 0)
		if err != nil {
			t.Fatalf("Encrypt(%d): %v", size, err)
		}
		got, err := key.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%d): %v", size, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("size %d: got %x, want %x", size, got, msg)
		}
	}
}

func TestEncrypt_Capacity(t *testing.T) {
	key := testKey(t, 3)
	msg := []byte("a short plaintext that fits")
	ct, err := key.Encrypt(msg, 8)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ct) != 8 {
		t.Fatalf("len(ct) = %d, want 8", len(ct))
	}
	got, err := key.Decrypt(ct)
	if err != nil || !bytes.Equal(got, msg) {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
	if _, err := key.Encrypt(make([]byte, 31*8), 8); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	msg := []byte("front-running is not welcome here")
	ct, err := testKey(t, 1).Encrypt(msg, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := testKey(t, 2).Decrypt(ct)
	if err == nil && bytes.Equal(got, msg) {
		t.Fatal("wrong key recovered the plaintext")
	}
}

func TestCommitment(t *testing.T) {
	a, b := testKey(t, 1), testKey(t, 1)
	if a.CommitmentBig().Cmp(b.CommitmentBig()) != 0 {
		t.Fatal("same solution produced different commitments")
	}
	c := testKey(t, 2)
	if a.CommitmentBig().Cmp(c.CommitmentBig()) == 0 {
		t.Fatal("different solutions produced the same commitment")
	}
	key := a.key
	want := Hash(key)
	if got := a.Commitment(); !got.Equal(&want) {
		t.Fatal("commitment != H(key)")
	}
}

func TestEncodeDecode(t *testing.T) {
	ct, err := testKey(t, 9).Encrypt([]byte("hello"), 0)
	if err != nil {
		t.Fatal(err)
	}
	s := Encode(ct)
	if !strings.HasPrefix(s, "0x") || len(s) != 2+len(ct)*64 {
		t.Fatalf("Encode = %q", s)
	}
	back, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range ct {
		if !back[i].Equal(&ct[i]) {
			t.Fatalf("element %d differs", i)
		}
	}
	for _, bad := range []string{"0x", "0xzz", "0x" + strings.Repeat("ff", 32), "0x" + strings.Repeat("00", 31)} {
		if _, err := Decode(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Decode(%q) err = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	key := testKey(t, 5)
	elem := func(v *big.Int) fr.Element {
		var e fr.Element
		e.SetBigInt(v)
		return e
	}
	u := func(v uint64) fr.Element { return elem(new(big.Int).SetUint64(v)) }
	maxU64 := new(big.Int).SetUint64(^uint64(0))

	tests := []struct {
		name   string
		chunks []fr.Element
	}{
		{"length wraps chunk count", []fr.Element{u(^uint64(0))}},
		{"length just below wrap", []fr.Element{u(^uint64(0) - 29), u(1)}},
		{"length beyond carried chunks", []fr.Element{u(63), u(1), u(2)}},
		{"length above uint64", []fr.Element{elem(new(big.Int).Add(maxU64, big.NewInt(1)))}},
		{"oversized last chunk", []fr.Element{u(1), u(0x1ff)}},
		{"oversized full chunk", []fr.Element{u(31), elem(new(big.Int).Lsh(big.NewInt(1), ChunkBits))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := key.Decrypt(key.EncryptChunks(tt.chunks))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decrypt = %x, %v; want ErrMalformed", got, err)
			}
		})
	}
	if _, err := key.Decrypt(nil); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decrypt(nil) err = %v, want ErrMalformed", err)
	}
}
