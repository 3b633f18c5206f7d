// Package poseidon provides the field cipher used by the PVDE scheme. It
// hashes with Poseidon2 in Merkle-Damgard mode over the BLS12-377 scalar
// field, matching the in-circuit hasher used by the proof engine, so every
// value computed here can be re-derived inside a circuit.
package poseidon

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr/poseidon2"
)

const (
	// ChunkBytes is the number of plaintext bytes packed into one field
	// element. 31 bytes always fit below the 253-bit modulus.
	ChunkBytes = 31
	// ChunkBits is the bit size of a message chunk.
	ChunkBits = ChunkBytes * 8
	// LimbBits is the width of the limbs a big integer is split into.
	LimbBits = 64
)

var (
	ErrCapacityExceeded = errors.New("poseidon: message exceeds cipher capacity")
	ErrMalformed        = errors.New("poseidon: malformed ciphertext")
	errLimbOverflow     = errors.New("poseidon: integer does not fit in limbs")
)

// Hash returns the Poseidon2 Merkle-Damgard digest of elems.
func Hash(elems ...fr.Element) fr.Element {
	h := poseidon2.NewMerkleDamgardHasher()
	for i := range elems {
		b := elems[i].Bytes()
		// Canonical elements never fail to compress.
		if _, err := h.Write(b[:]); err != nil {
			panic(err)
		}
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// Limbs splits x into n little-endian 64-bit limbs. It fails if x is
// negative or needs more than n limbs.
func Limbs(x *big.Int, n int) ([]fr.Element, error) {
	limbs, err := LimbsBig(x, n)
	if err != nil {
		return nil, err
	}
	out := make([]fr.Element, n)
	for i, l := range limbs {
		out[i].SetBigInt(l)
	}
	return out, nil
}

// LimbsBig is Limbs returning big integers, the form circuit assignments use.
func LimbsBig(x *big.Int, n int) ([]*big.Int, error) {
	if x.Sign() < 0 || x.BitLen() > n*LimbBits {
		return nil, fmt.Errorf("%w: %d bits into %d limbs", errLimbOverflow, x.BitLen(), n)
	}
	out := make([]*big.Int, n)
	tmp := new(big.Int).Set(x)
	mask := new(big.Int).SetUint64(^uint64(0))
	for i := range out {
		out[i] = new(big.Int).And(tmp, mask)
		tmp.Rsh(tmp, LimbBits)
	}
	return out, nil
}

// Key is a symmetric key derived from a time-lock solution.
type Key struct {
	key  fr.Element
	hash fr.Element
}

// DeriveKey derives the cipher key from the puzzle solution k split into
// the given number of limbs: key = H(limbs(k)). The public commitment is
// H(key).
func DeriveKey(k *big.Int, limbs int) (*Key, error) {
	l, err := Limbs(k, limbs)
	if err != nil {
		return nil, err
	}
	key := Hash(l...)
	return &Key{key: key, hash: Hash(key)}, nil
}

// Commitment returns H(key), safe to publish.
func (k *Key) Commitment() fr.Element { return k.hash }

// CommitmentBig returns the commitment as a big integer.
func (k *Key) CommitmentBig() *big.Int {
	return k.hash.BigInt(new(big.Int))
}

func (k *Key) keystream(i int) fr.Element {
	var idx fr.Element
	idx.SetUint64(uint64(i))
	return Hash(k.key, idx)
}

// Chunk packs msg into field elements: the byte length first, then 31-byte
// big-endian chunks. If capacity is positive the result is zero-padded to
// exactly capacity elements.
func Chunk(msg []byte, capacity int) ([]fr.Element, error) {
	n := 1 + (len(msg)+ChunkBytes-1)/ChunkBytes
	if capacity > 0 && n > capacity {
		return nil, fmt.Errorf("%w: need %d chunks, have %d", ErrCapacityExceeded, n, capacity)
	}
	size := n
	if capacity > 0 {
		size = capacity
	}
	out := make([]fr.Element, size)
	out[0].SetUint64(uint64(len(msg)))
	for i := 1; i < n; i++ {
		start := (i - 1) * ChunkBytes
		end := min(start+ChunkBytes, len(msg))
		out[i].SetBytes(msg[start:end])
	}
	return out, nil
}

// EncryptChunks adds the keystream to each chunk.
func (k *Key) EncryptChunks(chunks []fr.Element) []fr.Element {
	out := make([]fr.Element, len(chunks))
	for i := range chunks {
		ks := k.keystream(i)
		out[i].Add(&chunks[i], &ks)
	}
	return out
}

// Encrypt chunks msg and encrypts it. See Chunk for capacity.
func (k *Key) Encrypt(msg []byte, capacity int) ([]fr.Element, error) {
	chunks, err := Chunk(msg, capacity)
	if err != nil {
		return nil, err
	}
	return k.EncryptChunks(chunks), nil
}

// Decrypt reverses Encrypt, ignoring any padding chunks.
func (k *Key) Decrypt(ct []fr.Element) ([]byte, error) {
	if len(ct) == 0 {
		return nil, ErrMalformed
	}
	var m fr.Element
	ks := k.keystream(0)
	m.Sub(&ct[0], &ks)
	if !m.IsUint64() {
		return nil, fmt.Errorf("%w: bad length chunk", ErrMalformed)
	}
	length := m.Uint64()
	// Bound length by what the chunks can carry before any arithmetic on it.
	if length > uint64(len(ct)-1)*ChunkBytes {
		return nil, fmt.Errorf("%w: %d bytes declared in %d chunks", ErrMalformed, length, len(ct))
	}
	need := length/ChunkBytes + min(length%ChunkBytes, 1)
	out := make([]byte, 0, length)
	for i := 1; i <= int(need); i++ {
		ks = k.keystream(i)
		m.Sub(&ct[i], &ks)
		size := ChunkBytes
		if rem := int(length) - len(out); rem < size {
			size = rem
		}
		b := m.BigInt(new(big.Int))
		if b.BitLen() > size*8 {
			return nil, fmt.Errorf("%w: chunk %d out of range", ErrMalformed, i)
		}
		buf := make([]byte, size)
		b.FillBytes(buf)
		out = append(out, buf...)
	}
	return out, nil
}

// Encode renders field elements as 0x-prefixed hex, 32 big-endian bytes per
// element.
func Encode(elems []fr.Element) string {
	var sb strings.Builder
	sb.Grow(2 + len(elems)*fr.Bytes*2)
	sb.WriteString("0x")
	for i := range elems {
		b := elems[i].Bytes()
		sb.WriteString(hex.EncodeToString(b[:]))
	}
	return sb.String()
}

// Decode parses the output of Encode, rejecting non-canonical elements.
func Decode(s string) ([]fr.Element, error) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%fr.Bytes != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, len(raw))
	}
	out := make([]fr.Element, len(raw)/fr.Bytes)
	for i := range out {
		if err := out[i].SetBytesCanonical(raw[i*fr.Bytes : (i+1)*fr.Bytes]); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrMalformed, i, err)
		}
	}
	return out, nil
}
