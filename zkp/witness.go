package zkp

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/frontend"

	"github.com/radiusxyz/secure-rpc/crypto/poseidon"
)

var errWitness = errors.New("zkp: inconsistent witness")

// KeyValidationPublic is the public statement of a key validation proof.
type KeyValidationPublic struct {
	N     *big.Int
	KTwo  *big.Int
	KHash *big.Int
}

// EncryptionPublic is the public statement of an encryption proof.
type EncryptionPublic struct {
	Ciphertext []fr.Element
	KHash      *big.Int
}

func toVars(xs []*big.Int) []frontend.Variable {
	out := make([]frontend.Variable, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

func zeroVars(n int) []frontend.Variable {
	out := make([]frontend.Variable, n)
	for i := range out {
		out[i] = 0
	}
	return out
}

func fieldVars(xs []fr.Element) []frontend.Variable {
	out := make([]frontend.Variable, len(xs))
	for i := range xs {
		out[i] = xs[i].BigInt(new(big.Int))
	}
	return out
}

func (p KeyValidationPublic) assign(limbs int) (*KeyValidationCircuit, error) {
	if p.N == nil || p.KTwo == nil || p.KHash == nil {
		return nil, fmt.Errorf("%w: missing public input", errWitness)
	}
	n, err := poseidon.LimbsBig(p.N, limbs)
	if err != nil {
		return nil, err
	}
	kTwo, err := poseidon.LimbsBig(p.KTwo, limbs)
	if err != nil {
		return nil, err
	}
	return &KeyValidationCircuit{
		N:          toVars(n),
		KTwo:       toVars(kTwo),
		KHash:      p.KHash,
		K:          zeroVars(limbs),
		Q:          zeroVars(limbs),
		Carries:    zeroVars(2*limbs - 2),
		Gap:        zeroVars(limbs),
		GapCarries: zeroVars(limbs - 1),
	}, nil
}

// keyValidationAssignment builds the full witness for k, which must be a
// square root of k_two below n.
func keyValidationAssignment(pub KeyValidationPublic, k *big.Int, limbs int) (*KeyValidationCircuit, error) {
	a, err := productAssignment(pub, k, limbs)
	if err != nil {
		return nil, err
	}
	gap := new(big.Int).Sub(pub.N, k)
	gap.Sub(gap, big.NewInt(1))
	if gap.Sign() < 0 {
		return nil, fmt.Errorf("%w: k is not below n", errWitness)
	}
	if err := a.assignGap(k, gap, limbs); err != nil {
		return nil, err
	}
	return a, nil
}

// assignGap sets Gap to gap and GapCarries to the limb carries of k + gap + 1.
func (a *KeyValidationCircuit) assignGap(k, gap *big.Int, limbs int) error {
	kl, err := poseidon.LimbsBig(k, limbs)
	if err != nil {
		return err
	}
	gl, err := poseidon.LimbsBig(gap, limbs)
	if err != nil {
		return err
	}
	carries := make([]*big.Int, limbs-1)
	in := big.NewInt(1)
	for i := range kl {
		sum := new(big.Int).Add(kl[i], gl[i])
		sum.Add(sum, in)
		in = new(big.Int).Rsh(sum, poseidon.LimbBits)
		if i < len(carries) {
			carries[i] = in
		}
	}
	a.Gap = toVars(gl)
	a.GapCarries = toVars(carries)
	return nil
}

// productAssignment builds the witness of the product check alone. It
// computes the quotient q = floor(k^2 / n) and the signed carries of the
// limb product, shifted into the non-negative range.
func productAssignment(pub KeyValidationPublic, k *big.Int, limbs int) (*KeyValidationCircuit, error) {
	a, err := pub.assign(limbs)
	if err != nil {
		return nil, err
	}
	sq := new(big.Int).Mul(k, k)
	q, r := new(big.Int).QuoRem(sq, pub.N, new(big.Int))
	if r.Cmp(pub.KTwo) != 0 {
		return nil, fmt.Errorf("%w: k^2 mod n != k_two", errWitness)
	}
	kl, err := poseidon.LimbsBig(k, limbs)
	if err != nil {
		return nil, err
	}
	ql, err := poseidon.LimbsBig(q, limbs)
	if err != nil {
		return nil, err
	}
	nl, _ := poseidon.LimbsBig(pub.N, limbs)
	rl, _ := poseidon.LimbsBig(pub.KTwo, limbs)

	base := new(big.Int).Lsh(big.NewInt(1), poseidon.LimbBits)
	offset := carryOffset(limbs)
	carries := make([]*big.Int, 2*limbs-2)
	prev := new(big.Int)
	for col := 0; col <= 2*limbs-2; col++ {
		acc := new(big.Int)
		tmp := new(big.Int)
		for j := max(0, col-limbs+1); j <= min(col, limbs-1); j++ {
			acc.Add(acc, tmp.Mul(kl[j], kl[col-j]))
			acc.Sub(acc, tmp.Mul(ql[j], nl[col-j]))
		}
		if col < limbs {
			acc.Sub(acc, rl[col])
		}
		acc.Add(acc, prev)
		next, rem := new(big.Int).QuoRem(acc, base, new(big.Int))
		if rem.Sign() != 0 {
			return nil, fmt.Errorf("%w: column %d does not carry", errWitness, col)
		}
		if col == 2*limbs-2 {
			if next.Sign() != 0 {
				return nil, fmt.Errorf("%w: final carry %v", errWitness, next)
			}
			break
		}
		carries[col] = new(big.Int).Add(next, offset)
		prev = next
	}

	a.K = toVars(kl)
	a.Q = toVars(ql)
	a.Carries = toVars(carries)
	return a, nil
}

func (p EncryptionPublic) assign(shape Shape) (*EncryptionCircuit, error) {
	if p.KHash == nil {
		return nil, fmt.Errorf("%w: missing k_hash_value", errWitness)
	}
	if len(p.Ciphertext) != shape.Chunks {
		return nil, fmt.Errorf("%w: %d ciphertext chunks, circuit expects %d", errWitness, len(p.Ciphertext), shape.Chunks)
	}
	return &EncryptionCircuit{
		Ciphertext: fieldVars(p.Ciphertext),
		KHash:      p.KHash,
		K:          zeroVars(shape.Limbs),
		Message:    zeroVars(shape.Chunks),
	}, nil
}

func encryptionAssignment(pub EncryptionPublic, k *big.Int, message []fr.Element, shape Shape) (*EncryptionCircuit, error) {
	a, err := pub.assign(shape)
	if err != nil {
		return nil, err
	}
	if len(message) != shape.Chunks {
		return nil, fmt.Errorf("%w: %d message chunks, circuit expects %d", errWitness, len(message), shape.Chunks)
	}
	kl, err := poseidon.LimbsBig(k, shape.Limbs)
	if err != nil {
		return nil, err
	}
	a.K = toVars(kl)
	a.Message = fieldVars(message)
	return a, nil
}
