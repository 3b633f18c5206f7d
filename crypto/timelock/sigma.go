package timelock

import (
	"encoding/json"
	"errors"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/radiusxyz/secure-rpc/crypto/bigjson"
)

var errNilSigma = errors.New("timelock: incomplete sigma public input")

// SigmaPublicInput is a non-interactive proof that the same exponent s links
// o = g^s and k_two = y_two^s. The challenge is derived with Fiat-Shamir.
type SigmaPublicInput struct {
	R1   *big.Int
	R2   *big.Int
	Z    *big.Int
	O    *big.Int
	KTwo *big.Int
}

type sigmaJSON struct {
	R1   *bigjson.Decimal `json:"r1"`
	R2   *bigjson.Decimal `json:"r2"`
	Z    *bigjson.Decimal `json:"z"`
	O    *bigjson.Decimal `json:"o"`
	KTwo *bigjson.Decimal `json:"k_two"`
}

// MarshalJSON implements json.Marshaler.
func (s SigmaPublicInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(sigmaJSON{
		R1:   bigjson.New(s.R1),
		R2:   bigjson.New(s.R2),
		Z:    bigjson.New(s.Z),
		O:    bigjson.New(s.O),
		KTwo: bigjson.New(s.KTwo),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SigmaPublicInput) UnmarshalJSON(data []byte) error {
	var aux sigmaJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.R1 == nil || aux.R2 == nil || aux.Z == nil || aux.O == nil || aux.KTwo == nil {
		return errNilSigma
	}
	*s = SigmaPublicInput{R1: aux.R1.Int(), R2: aux.R2.Int(), Z: aux.Z.Int(), O: aux.O.Int(), KTwo: aux.KTwo.Int()}
	return nil
}

// VerifySigma checks the proof against params. It returns false for any
// malformed or out-of-range input rather than an error.
func VerifySigma(params *Params, in *SigmaPublicInput) bool {
	if params.Validate() != nil || in == nil {
		return false
	}
	if in.R1 == nil || in.R2 == nil || in.Z == nil || in.O == nil || in.KTwo == nil {
		return false
	}
	n := params.N
	for _, v := range []*big.Int{in.R1, in.R2, in.O, in.KTwo} {
		if !inGroupRange(v, n) {
			return false
		}
	}
	maxZ := new(big.Int).Lsh(one, BlindingBits+1)
	if in.Z.Sign() <= 0 || in.Z.Cmp(maxZ) >= 0 {
		return false
	}

	c := challenge(params, in.O, in.KTwo, in.R1, in.R2)

	lhs := new(big.Int).Exp(params.G, in.Z, n)
	rhs := new(big.Int).Exp(in.O, c, n)
	rhs.Mul(rhs, in.R1).Mod(rhs, n)
	if lhs.Cmp(rhs) != 0 {
		return false
	}

	lhs.Exp(params.YTwo, in.Z, n)
	rhs.Exp(in.KTwo, c, n)
	rhs.Mul(rhs, in.R2).Mod(rhs, n)
	return lhs.Cmp(rhs) == 0
}

// challenge hashes the statement and commitments with Keccak-256. Every
// element is left-padded to the byte length of n.
func challenge(params *Params, o, kTwo, r1, r2 *big.Int) *big.Int {
	size := (params.N.BitLen() + 7) / 8
	h := sha3.NewLegacyKeccak256()
	buf := make([]byte, size)
	for _, v := range []*big.Int{params.N, params.G, params.YTwo, o, kTwo, r1, r2} {
		v.FillBytes(buf)
		h.Write(buf)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}
