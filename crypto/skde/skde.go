// Package skde implements the single-key delay encryption used when key
// release is delegated to the distributed key generation service. It is an
// ElGamal-style scheme over Z*_{n^2} with the plaintext carried in the
// exponent of (1+n), so decryption needs no discrete logarithm.
package skde

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/radiusxyz/secure-rpc/crypto/bigjson"
)

var (
	ErrInvalidParams     = errors.New("skde: invalid params")
	ErrInvalidKey        = errors.New("skde: invalid key")
	ErrMalformed         = errors.New("skde: malformed ciphertext")
	ErrDecryptionFailure = errors.New("skde: decryption failed")
)

const (
	pairSeparator  = ";"
	valueSeparator = ","
	sentinel       = 0x01
)

var one = big.NewInt(1)

// Params are the public parameters shared by the key service and every
// gateway. H = G^(2^T) mod N^2 is published by the key service for its own
// delay proofs; encryption only uses N and G.
type Params struct {
	T                  uint64
	N                  *big.Int
	G                  *big.Int
	H                  *big.Int
	MaxSequencerNumber uint64
}

type paramsJSON struct {
	T                  uint64           `json:"t"`
	N                  *bigjson.Decimal `json:"n"`
	G                  *bigjson.Decimal `json:"g"`
	H                  *bigjson.Decimal `json:"h"`
	MaxSequencerNumber uint64           `json:"max_sequencer_number"`
}

// MarshalJSON implements json.Marshaler.
func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramsJSON{
		T:                  p.T,
		N:                  bigjson.New(p.N),
		G:                  bigjson.New(p.G),
		H:                  bigjson.New(p.H),
		MaxSequencerNumber: p.MaxSequencerNumber,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Params) UnmarshalJSON(data []byte) error {
	var aux paramsJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.N == nil || aux.G == nil {
		return fmt.Errorf("%w: missing n or g", ErrInvalidParams)
	}
	*p = Params{T: aux.T, N: aux.N.Int(), G: aux.G.Int(), MaxSequencerNumber: aux.MaxSequencerNumber}
	if aux.H != nil {
		p.H = aux.H.Int()
	}
	return nil
}

// Validate checks the parameters can be used to encrypt.
func (p *Params) Validate() error {
	if p == nil || p.N == nil || p.G == nil {
		return ErrInvalidParams
	}
	if p.N.BitLen() < 64 {
		return fmt.Errorf("%w: modulus too small", ErrInvalidParams)
	}
	nn := p.nSquare()
	if p.G.Cmp(one) <= 0 || p.G.Cmp(nn) >= 0 {
		return fmt.Errorf("%w: generator out of range", ErrInvalidParams)
	}
	return nil
}

func (p *Params) nSquare() *big.Int {
	return new(big.Int).Mul(p.N, p.N)
}

// chunkPayload is the number of message bytes per ciphertext pair. The
// sentinel byte plus the payload stay below 2^(bits(n)-1) <= n.
func (p *Params) chunkPayload() int {
	return (p.N.BitLen()-1)/8 - 1
}

// GenerateParams creates fresh parameters. The key service owns parameter
// generation in production; this exists for tests and local mocks.
func GenerateParams(r io.Reader, bits int, t uint64, maxSequencers uint64) (*Params, error) {
	if r == nil {
		r = rand.Reader
	}
	if bits < 64 {
		return nil, fmt.Errorf("%w: modulus too small", ErrInvalidParams)
	}
	var p, q *big.Int
	for {
		var err error
		if p, err = rand.Prime(r, bits/2); err != nil {
			return nil, err
		}
		if q, err = rand.Prime(r, bits-bits/2); err != nil {
			return nil, err
		}
		if p.Cmp(q) != 0 {
			break
		}
	}
	n := new(big.Int).Mul(p, q)
	nn := new(big.Int).Mul(n, n)
	var g *big.Int
	for {
		a, err := rand.Int(r, nn)
		if err != nil {
			return nil, err
		}
		if a.Cmp(one) <= 0 || new(big.Int).GCD(nil, nil, a, n).Cmp(one) != 0 {
			continue
		}
		g = a
		break
	}
	// order of Z*_{n^2} divides n*phi(n)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))
	order := new(big.Int).Mul(phi, n)
	e := new(big.Int).Exp(big.NewInt(2), new(big.Int).SetUint64(t), order)
	h := new(big.Int).Exp(g, e, nn)
	return &Params{T: t, N: n, G: g, H: h, MaxSequencerNumber: maxSequencers}, nil
}

// GenerateKeyPair returns a secret key and its public key pk = g^sk mod n^2.
func GenerateKeyPair(r io.Reader, params *Params) (sk, pk *big.Int, err error) {
	if r == nil {
		r = rand.Reader
	}
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}
	for {
		sk, err = rand.Int(r, params.N)
		if err != nil {
			return nil, nil, err
		}
		if sk.Sign() > 0 {
			break
		}
	}
	return sk, new(big.Int).Exp(params.G, sk, params.nSquare()), nil
}

// ParseKey parses a key as served by the key service: base-10, with a
// 0x prefix accepted for hex.
func ParseKey(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	var (
		x  *big.Int
		ok bool
	)
	if rest, found := strings.CutPrefix(s, "0x"); found {
		x, ok = new(big.Int).SetString(rest, 16)
	} else {
		x, ok = new(big.Int).SetString(s, 10)
	}
	if !ok || x.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return x, nil
}

// Encrypt encrypts msg under pk. The output is a list of "0x<c1>,0x<c2>"
// pairs joined by ";", one pair per chunk.
func Encrypt(r io.Reader, params *Params, msg []byte, pk *big.Int) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	if err := params.Validate(); err != nil {
		return "", err
	}
	nn := params.nSquare()
	if pk == nil || pk.Cmp(one) <= 0 || pk.Cmp(nn) >= 0 {
		return "", ErrInvalidKey
	}
	size := params.chunkPayload()
	onePlusN := new(big.Int).Add(params.N, one)

	var pairs []string
	for start := 0; ; start += size {
		end := min(start+size, len(msg))
		m := new(big.Int).SetBytes(append([]byte{sentinel}, msg[start:end]...))

		l, err := rand.Int(r, params.N)
		if err != nil {
			return "", err
		}
		c1 := new(big.Int).Exp(params.G, l, nn)
		mask := new(big.Int).Exp(pk, new(big.Int).Mul(l, params.N), nn)
		c2 := new(big.Int).Exp(onePlusN, m, nn)
		c2.Mul(c2, mask).Mod(c2, nn)

		pairs = append(pairs, "0x"+c1.Text(16)+valueSeparator+"0x"+c2.Text(16))
		if end >= len(msg) {
			break
		}
	}
	return strings.Join(pairs, pairSeparator), nil
}

// Decrypt reverses Encrypt with the secret key released by the key service.
func Decrypt(params *Params, ciphertext string, sk *big.Int) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if sk == nil || sk.Sign() <= 0 {
		return nil, ErrInvalidKey
	}
	if ciphertext == "" {
		return nil, ErrMalformed
	}
	nn := params.nSquare()
	exp := new(big.Int).Mul(sk, params.N)

	var out []byte
	for i, pair := range strings.Split(ciphertext, pairSeparator) {
		c1, c2, err := parsePair(pair, nn)
		if err != nil {
			return nil, fmt.Errorf("%w: pair %d: %v", ErrMalformed, i, err)
		}
		mask := new(big.Int).Exp(c1, exp, nn)
		if mask.ModInverse(mask, nn) == nil {
			return nil, ErrDecryptionFailure
		}
		u := mask.Mul(mask, c2)
		u.Mod(u, nn)
		u.Sub(u, one)
		m, rem := new(big.Int).QuoRem(u, params.N, new(big.Int))
		if rem.Sign() != 0 {
			return nil, ErrDecryptionFailure
		}
		b := m.Bytes()
		if len(b) == 0 || b[0] != sentinel {
			return nil, ErrDecryptionFailure
		}
		out = append(out, b[1:]...)
	}
	return out, nil
}

func parsePair(pair string, bound *big.Int) (*big.Int, *big.Int, error) {
	left, right, found := strings.Cut(pair, valueSeparator)
	if !found {
		return nil, nil, errors.New("missing separator")
	}
	c1, err := parseHex(left, bound)
	if err != nil {
		return nil, nil, err
	}
	c2, err := parseHex(right, bound)
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}

func parseHex(s string, bound *big.Int) (*big.Int, error) {
	rest, found := strings.CutPrefix(s, "0x")
	if !found {
		return nil, fmt.Errorf("missing 0x prefix in %q", s)
	}
	x, ok := new(big.Int).SetString(rest, 16)
	if !ok || x.Sign() <= 0 || x.Cmp(bound) >= 0 {
		return nil, fmt.Errorf("value out of range")
	}
	return x, nil
}
