// Package zkp proves that a PVDE envelope is well formed: the symmetric key
// committed to by k_hash_value is a square root of the puzzle's k_two modulo
// n (KeyValidationCircuit), and the ciphertext is the Poseidon field cipher
// of some message under that key (EncryptionCircuit). Proofs are PlonK over
// BLS12-377.
package zkp

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/poseidon2"
	"github.com/consensys/gnark/std/rangecheck"

	"github.com/radiusxyz/secure-rpc/crypto/poseidon"
)

// CircuitID names a circuit and the files its keys are stored in.
type CircuitID string

const (
	KeyValidation      CircuitID = "key_validation"
	PoseidonEncryption CircuitID = "poseidon_encryption"
)

var (
	errUnknownCircuit = errors.New("zkp: unknown circuit")
	errBadShape       = errors.New("zkp: invalid circuit shape")
)

// Shape fixes the size of a circuit. Limbs is the number of 64-bit limbs of
// the puzzle modulus; Chunks is the ciphertext length in field elements,
// including the leading length element.
type Shape struct {
	Limbs  int
	Chunks int
}

// ShapeFor returns the shape for a modulus of the given bit size.
func ShapeFor(modulusBits, chunks int) Shape {
	return Shape{Limbs: (modulusBits + poseidon.LimbBits - 1) / poseidon.LimbBits, Chunks: chunks}
}

func (s Shape) validate(id CircuitID) error {
	if s.Limbs < 1 {
		return fmt.Errorf("%w: %d limbs", errBadShape, s.Limbs)
	}
	if id == PoseidonEncryption && s.Chunks < 2 {
		return fmt.Errorf("%w: %d chunks", errBadShape, s.Chunks)
	}
	return nil
}

// carryBits is the width of a shifted carry in the limb product check. A
// column sum is bounded by 2*limbs*2^128, so its carry fits in
// 64+bits.Len(limbs)+2 signed bits; one more bit holds the shift.
func carryBits(limbs int) int {
	return poseidon.LimbBits + bits.Len(uint(limbs)) + 3
}

func carryOffset(limbs int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(carryBits(limbs)-1))
}

// KeyValidationCircuit proves K^2 = Q*N + KTwo and K < N over the
// integers, and H(H(K)) = KHash, where H is Poseidon2 and all integers are
// given as little-endian 64-bit limbs. K < N is shown as K + Gap + 1 = N
// with a non-negative Gap.
type KeyValidationCircuit struct {
	N     []frontend.Variable `gnark:",public"`
	KTwo  []frontend.Variable `gnark:",public"`
	KHash frontend.Variable   `gnark:",public"`

	K          []frontend.Variable
	Q          []frontend.Variable
	Carries    []frontend.Variable
	Gap        []frontend.Variable
	GapCarries []frontend.Variable
}

func newKeyValidationCircuit(limbs int) *KeyValidationCircuit {
	return &KeyValidationCircuit{
		N:          make([]frontend.Variable, limbs),
		KTwo:       make([]frontend.Variable, limbs),
		K:          make([]frontend.Variable, limbs),
		Q:          make([]frontend.Variable, limbs),
		Carries:    make([]frontend.Variable, 2*limbs-2),
		Gap:        make([]frontend.Variable, limbs),
		GapCarries: make([]frontend.Variable, limbs-1),
	}
}

// Define implements frontend.Circuit.
func (c *KeyValidationCircuit) Define(api frontend.API) error {
	rc := rangecheck.New(api)
	for i := range c.K {
		rc.Check(c.K[i], poseidon.LimbBits)
		rc.Check(c.Q[i], poseidon.LimbBits)
	}
	limbs := len(c.K)
	for i := range c.Carries {
		rc.Check(c.Carries[i], carryBits(limbs))
	}

	base := new(big.Int).Lsh(big.NewInt(1), poseidon.LimbBits)
	offset := carryOffset(limbs)
	carry := func(i int) frontend.Variable {
		if i < 0 || i >= len(c.Carries) {
			return 0
		}
		return api.Sub(c.Carries[i], offset)
	}

	for col := 0; col <= 2*limbs-2; col++ {
		var acc frontend.Variable = 0
		for j := max(0, col-limbs+1); j <= min(col, limbs-1); j++ {
			acc = api.MulAcc(acc, c.K[j], c.K[col-j])
			acc = api.Sub(acc, api.Mul(c.Q[j], c.N[col-j]))
		}
		if col < limbs {
			acc = api.Sub(acc, c.KTwo[col])
		}
		api.AssertIsEqual(api.Add(acc, carry(col-1)), api.Mul(carry(col), base))
	}

	// K + Gap + 1 = N, limb by limb. No carry may leave the top limb.
	for i := range c.Gap {
		rc.Check(c.Gap[i], poseidon.LimbBits)
	}
	var in frontend.Variable = 1
	for i := range c.K {
		var out frontend.Variable = 0
		if i < len(c.GapCarries) {
			out = c.GapCarries[i]
			api.AssertIsBoolean(out)
		}
		sum := api.Add(c.K[i], c.Gap[i], in)
		api.AssertIsEqual(sum, api.Add(c.N[i], api.Mul(out, base)))
		in = out
	}

	key, err := hash(api, c.K...)
	if err != nil {
		return err
	}
	commitment, err := hash(api, key)
	if err != nil {
		return err
	}
	api.AssertIsEqual(commitment, c.KHash)
	return nil
}

// EncryptionCircuit proves Ciphertext[i] = Message[i] + H(key, i) with
// key = H(K) and H(key) = KHash.
type EncryptionCircuit struct {
	Ciphertext []frontend.Variable `gnark:",public"`
	KHash      frontend.Variable   `gnark:",public"`

	K       []frontend.Variable
	Message []frontend.Variable
}

func newEncryptionCircuit(shape Shape) *EncryptionCircuit {
	return &EncryptionCircuit{
		Ciphertext: make([]frontend.Variable, shape.Chunks),
		K:          make([]frontend.Variable, shape.Limbs),
		Message:    make([]frontend.Variable, shape.Chunks),
	}
}

// Define implements frontend.Circuit.
func (c *EncryptionCircuit) Define(api frontend.API) error {
	rc := rangecheck.New(api)
	for i := range c.K {
		rc.Check(c.K[i], poseidon.LimbBits)
	}
	for i := range c.Message {
		rc.Check(c.Message[i], poseidon.ChunkBits)
	}

	key, err := hash(api, c.K...)
	if err != nil {
		return err
	}
	commitment, err := hash(api, key)
	if err != nil {
		return err
	}
	api.AssertIsEqual(commitment, c.KHash)

	for i := range c.Message {
		ks, err := hash(api, key, i)
		if err != nil {
			return err
		}
		api.AssertIsEqual(c.Ciphertext[i], api.Add(c.Message[i], ks))
	}
	return nil
}

// hash matches poseidon.Hash: a fresh Merkle-Damgard hasher per digest.
func hash(api frontend.API, vars ...frontend.Variable) (frontend.Variable, error) {
	h, err := poseidon2.NewMerkleDamgardHasher(api)
	if err != nil {
		return nil, fmt.Errorf("zkp: poseidon2 hasher: %w", err)
	}
	h.Write(vars...)
	return h.Sum(), nil
}

func newCircuit(id CircuitID, shape Shape) (frontend.Circuit, error) {
	if err := shape.validate(id); err != nil {
		return nil, err
	}
	switch id {
	case KeyValidation:
		return newKeyValidationCircuit(shape.Limbs), nil
	case PoseidonEncryption:
		return newEncryptionCircuit(shape), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCircuit, id)
	}
}
