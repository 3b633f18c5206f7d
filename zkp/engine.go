package zkp

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/frontend"
)

var errMissingKeys = errors.New("zkp: circuit keys not loaded")

// Engine proves and verifies both circuits.
type Engine struct {
	keyValidation *CircuitKeys
	encryption    *CircuitKeys
}

// NewEngine returns an engine over loaded keys. The two circuits must agree
// on the limb count.
func NewEngine(keyValidation, encryption *CircuitKeys) (*Engine, error) {
	if keyValidation == nil || encryption == nil {
		return nil, errMissingKeys
	}
	if keyValidation.ID != KeyValidation || encryption.ID != PoseidonEncryption {
		return nil, fmt.Errorf("%w: got %s and %s", errUnknownCircuit, keyValidation.ID, encryption.ID)
	}
	if keyValidation.Shape.Limbs != encryption.Shape.Limbs {
		return nil, fmt.Errorf("%w: limb counts %d and %d differ", errBadShape,
			keyValidation.Shape.Limbs, encryption.Shape.Limbs)
	}
	return &Engine{keyValidation: keyValidation, encryption: encryption}, nil
}

// Shape returns the encryption circuit shape, which bounds the plaintext a
// proven envelope can carry.
func (e *Engine) Shape() Shape { return e.encryption.Shape }

// ProveKeyValidation proves that k is a square root of pub.KTwo modulo
// pub.N and that H(H(k)) = pub.KHash.
func (e *Engine) ProveKeyValidation(pub KeyValidationPublic, k *big.Int) ([]byte, error) {
	assignment, err := keyValidationAssignment(pub, k, e.keyValidation.Shape.Limbs)
	if err != nil {
		return nil, err
	}
	return prove(e.keyValidation, assignment)
}

// VerifyKeyValidation reports whether proof is valid for pub. Besides the
// circuit, it checks natively that k_two is reduced modulo n.
func (e *Engine) VerifyKeyValidation(pub KeyValidationPublic, proof []byte) bool {
	if pub.N == nil || pub.KTwo == nil || pub.KTwo.Sign() < 0 || pub.KTwo.Cmp(pub.N) >= 0 {
		return false
	}
	assignment, err := pub.assign(e.keyValidation.Shape.Limbs)
	if err != nil {
		return false
	}
	return verify(e.keyValidation, assignment, proof)
}

// ProveEncryption proves that pub.Ciphertext encrypts message under the key
// derived from k. message must be the padded chunk vector.
func (e *Engine) ProveEncryption(pub EncryptionPublic, k *big.Int, message []fr.Element) ([]byte, error) {
	assignment, err := encryptionAssignment(pub, k, message, e.encryption.Shape)
	if err != nil {
		return nil, err
	}
	return prove(e.encryption, assignment)
}

// VerifyEncryption reports whether proof is valid for pub.
func (e *Engine) VerifyEncryption(pub EncryptionPublic, proof []byte) bool {
	assignment, err := pub.assign(e.encryption.Shape)
	if err != nil {
		return false
	}
	return verify(e.encryption, assignment, proof)
}

func prove(keys *CircuitKeys, assignment frontend.Circuit) ([]byte, error) {
	start := time.Now()
	w, err := frontend.NewWitness(assignment, Curve.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("zkp: %s witness: %w", keys.ID, err)
	}
	proof, err := plonk.Prove(keys.CCS, keys.PK, w)
	if err != nil {
		return nil, fmt.Errorf("zkp: prove %s: %w", keys.ID, err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("zkp: encode %s proof: %w", keys.ID, err)
	}
	logger().Debug("proof generated", "circuit", keys.ID, "bytes", buf.Len(), "elapsed", time.Since(start))
	return buf.Bytes(), nil
}

func verify(keys *CircuitKeys, assignment frontend.Circuit, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	proof := plonk.NewProof(Curve)
	if _, err := proof.ReadFrom(bytes.NewReader(data)); err != nil {
		logger().Debug("undecodable proof", "circuit", keys.ID, "err", err)
		return false
	}
	w, err := frontend.NewWitness(assignment, Curve.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false
	}
	if err := plonk.Verify(proof, keys.VK, w); err != nil {
		logger().Debug("proof rejected", "circuit", keys.ID, "err", err)
		return false
	}
	return true
}
