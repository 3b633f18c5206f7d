// Package timelock implements the RSA time-lock puzzle behind the PVDE
// scheme. A puzzle instance o hides a key k = o^(2^t) mod n which can only
// be recovered by t sequential modular squarings. The party that generates
// the public parameters knows phi(n) and uses it once, during setup, to
// compute y = g^(2^t) without the delay; phi(n) is discarded afterwards.
package timelock

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/radiusxyz/secure-rpc/crypto/bigjson"
)

var (
	errNilParams        = errors.New("timelock: nil params")
	errModulusTooSmall  = errors.New("timelock: modulus size too small")
	errZeroDelay        = errors.New("timelock: delay exponent must be positive")
	errParamOutOfRange  = errors.New("timelock: parameter out of range")
	errDegenerateParams = errors.New("timelock: degenerate generator")

	// ErrInvalidModulus is returned by Solve for a modulus <= 1.
	ErrInvalidModulus = errors.New("timelock: invalid modulus")
)

// MinModulusBits is the smallest modulus Setup accepts. Production
// deployments use 2048 bits; tests use small moduli to keep circuits small.
const MinModulusBits = 128

// DefaultModulusBits is the modulus size used when none is configured.
const DefaultModulusBits = 2048

// Params holds the shared puzzle parameters. T is the delay exponent, N the
// RSA modulus, G a quadratic residue generator, Y = G^(2^T) and
// YTwo = Y^2 (all mod N).
type Params struct {
	T    uint64
	N    *big.Int
	G    *big.Int
	Y    *big.Int
	YTwo *big.Int
}

// Setup generates fresh puzzle parameters with a bits-sized modulus and
// delay exponent t. Randomness is read from r (crypto/rand when nil).
func Setup(r io.Reader, bits int, t uint64) (*Params, error) {
	if r == nil {
		r = rand.Reader
	}
	if bits < MinModulusBits {
		return nil, fmt.Errorf("%w: %d < %d", errModulusTooSmall, bits, MinModulusBits)
	}
	if t == 0 {
		return nil, errZeroDelay
	}

	var p, q *big.Int
	for {
		var err error
		if p, err = rand.Prime(r, bits/2); err != nil {
			return nil, fmt.Errorf("timelock: generate prime: %w", err)
		}
		if q, err = rand.Prime(r, bits-bits/2); err != nil {
			return nil, fmt.Errorf("timelock: generate prime: %w", err)
		}
		if p.Cmp(q) != 0 {
			break
		}
	}
	n := new(big.Int).Mul(p, q)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))

	// g = a^2 mod n for a random unit a, so g lies in the group of
	// quadratic residues.
	var g *big.Int
	for {
		a, err := rand.Int(r, n)
		if err != nil {
			return nil, fmt.Errorf("timelock: sample generator: %w", err)
		}
		if a.Cmp(two) < 0 || new(big.Int).GCD(nil, nil, a, n).Cmp(one) != 0 {
			continue
		}
		g = new(big.Int).Exp(a, two, n)
		if g.Cmp(one) != 0 {
			break
		}
	}

	// Trapdoor: 2^t mod phi(n) lets us compute y without t squarings.
	e := new(big.Int).Exp(two, new(big.Int).SetUint64(t), phi)
	y := new(big.Int).Exp(g, e, n)
	yTwo := new(big.Int).Exp(y, two, n)

	params := &Params{T: t, N: n, G: g, Y: y, YTwo: yTwo}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// Validate checks that the parameters are structurally usable: a modulus of
// at least MinModulusBits and every group element in [2, N).
func (p *Params) Validate() error {
	if p == nil || p.N == nil || p.G == nil || p.Y == nil || p.YTwo == nil {
		return errNilParams
	}
	if p.N.BitLen() < MinModulusBits {
		return fmt.Errorf("%w: %d bits", errModulusTooSmall, p.N.BitLen())
	}
	if p.T == 0 {
		return errZeroDelay
	}
	for _, v := range []*big.Int{p.G, p.Y, p.YTwo} {
		if !inGroupRange(v, p.N) {
			return errParamOutOfRange
		}
	}
	if p.G.Cmp(one) == 0 {
		return errDegenerateParams
	}
	return nil
}

// Limbs returns the number of 64-bit limbs needed to hold any value mod N.
func (p *Params) Limbs() int {
	return (p.N.BitLen() + 63) / 64
}

type paramsJSON struct {
	T    uint64           `json:"t"`
	N    *bigjson.Decimal `json:"n"`
	G    *bigjson.Decimal `json:"g"`
	Y    *bigjson.Decimal `json:"y"`
	YTwo *bigjson.Decimal `json:"y_two"`
}

// MarshalJSON implements json.Marshaler.
func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramsJSON{
		T:    p.T,
		N:    bigjson.New(p.N),
		G:    bigjson.New(p.G),
		Y:    bigjson.New(p.Y),
		YTwo: bigjson.New(p.YTwo),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Params) UnmarshalJSON(data []byte) error {
	var aux paramsJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.N == nil || aux.G == nil || aux.Y == nil || aux.YTwo == nil {
		return errNilParams
	}
	*p = Params{T: aux.T, N: aux.N.Int(), G: aux.G.Int(), Y: aux.Y.Int(), YTwo: aux.YTwo.Int()}
	return nil
}

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// inGroupRange reports whether 2 <= v < n.
func inGroupRange(v, n *big.Int) bool {
	return v != nil && v.Cmp(two) >= 0 && v.Cmp(n) < 0
}
