package timelock

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/radiusxyz/secure-rpc/crypto/bigjson"
)

const (
	// SecretBits is the size of the puzzle exponent s.
	SecretBits = 256
	// BlindingBits is the size of the sigma-protocol blinding exponent r.
	// It exceeds SecretBits plus the challenge size by a statistical margin
	// so that z = r + c*s reveals nothing about s.
	BlindingBits = 640

	// cancelCheckInterval is the number of squarings between context checks.
	cancelCheckInterval = 1 << 14
)

var errNilPuzzle = errors.New("timelock: nil puzzle")

// Puzzle is the public part of a time-lock instance carried inside an
// encrypted transaction.
type Puzzle struct {
	T uint64
	O *big.Int
	N *big.Int
}

type puzzleJSON struct {
	T uint64           `json:"t"`
	O *bigjson.Decimal `json:"o"`
	N *bigjson.Decimal `json:"n"`
}

// MarshalJSON implements json.Marshaler.
func (p Puzzle) MarshalJSON() ([]byte, error) {
	return json.Marshal(puzzleJSON{T: p.T, O: bigjson.New(p.O), N: bigjson.New(p.N)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Puzzle) UnmarshalJSON(data []byte) error {
	var aux puzzleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.O == nil || aux.N == nil {
		return errNilPuzzle
	}
	*p = Puzzle{T: aux.T, O: aux.O.Int(), N: aux.N.Int()}
	return nil
}

// Instance is a freshly generated puzzle together with its solution.
// K and KTwo are secret to the generator until the delay elapses; only
// Puzzle and Sigma are published.
type Instance struct {
	Puzzle Puzzle
	K      *big.Int
	KTwo   *big.Int
	Sigma  SigmaPublicInput
}

// Generate samples a new puzzle instance under params. The solution k is
// computed through the trapdoor element y, so generation costs a handful of
// modular exponentiations regardless of T.
func Generate(r io.Reader, params *Params) (*Instance, error) {
	if r == nil {
		r = rand.Reader
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s, err := randomExponent(r, SecretBits)
	if err != nil {
		return nil, err
	}
	blind, err := randomExponent(r, BlindingBits)
	if err != nil {
		return nil, err
	}

	n := params.N
	o := new(big.Int).Exp(params.G, s, n)
	k := new(big.Int).Exp(params.Y, s, n)
	kTwo := new(big.Int).Exp(params.YTwo, s, n)

	r1 := new(big.Int).Exp(params.G, blind, n)
	r2 := new(big.Int).Exp(params.YTwo, blind, n)
	c := challenge(params, o, kTwo, r1, r2)
	z := new(big.Int).Mul(c, s)
	z.Add(z, blind)

	return &Instance{
		Puzzle: Puzzle{T: params.T, O: o, N: new(big.Int).Set(n)},
		K:      k,
		KTwo:   kTwo,
		Sigma:  SigmaPublicInput{R1: r1, R2: r2, Z: z, O: o, KTwo: kTwo},
	}, nil
}

// Solve recovers k = o^(2^t) mod n by t sequential squarings.
func Solve(o *big.Int, t uint64, n *big.Int) (*big.Int, error) {
	return SolveContext(context.Background(), o, t, n)
}

// SolveContext is Solve with cancellation, checked every 2^14 squarings.
func SolveContext(ctx context.Context, o *big.Int, t uint64, n *big.Int) (*big.Int, error) {
	if n == nil || n.Cmp(one) <= 0 {
		return nil, ErrInvalidModulus
	}
	if o == nil {
		return nil, errNilPuzzle
	}
	x := new(big.Int).Mod(o, n)
	for i := uint64(0); i < t; i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("timelock: solve interrupted after %d squarings: %w", i, err)
			}
		}
		x.Mul(x, x)
		x.Mod(x, n)
	}
	return x, nil
}

// Solve runs SolveContext on the puzzle.
func (p *Puzzle) Solve(ctx context.Context) (*big.Int, error) {
	if p == nil {
		return nil, errNilPuzzle
	}
	return SolveContext(ctx, p.O, p.T, p.N)
}

func randomExponent(r io.Reader, bits int) (*big.Int, error) {
	max := new(big.Int).Lsh(one, uint(bits))
	for {
		v, err := rand.Int(r, max)
		if err != nil {
			return nil, fmt.Errorf("timelock: sample exponent: %w", err)
		}
		if v.Sign() > 0 {
			return v, nil
		}
	}
}
