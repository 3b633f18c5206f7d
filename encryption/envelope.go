package encryption

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/radiusxyz/secure-rpc/crypto/bigjson"
	"github.com/radiusxyz/secure-rpc/crypto/timelock"
	"github.com/radiusxyz/secure-rpc/txcodec"
)

var (
	errNoVariant      = errors.New("encryption: envelope carries no scheme")
	errManyVariants   = errors.New("encryption: envelope carries more than one scheme")
	errIncompleteBody = errors.New("encryption: incomplete envelope")
)

// Scheme selects the delay-encryption scheme of a deployment.
type Scheme string

const (
	SchemePVDE Scheme = "pvde"
	SchemeSKDE Scheme = "skde"
)

// ParseScheme parses a configured scheme name, case-insensitively.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemePVDE:
		return SchemePVDE, nil
	case SchemeSKDE:
		return SchemeSKDE, nil
	default:
		return "", fmt.Errorf("encryption: unknown scheme %q", s)
	}
}

// TransactionData pairs the public part of a transaction with its
// encrypted hidden part.
type TransactionData struct {
	OpenData      *txcodec.OpenData `json:"open_data"`
	EncryptedData string            `json:"encrypted_data"`
}

func (d *TransactionData) validate() error {
	if d.OpenData == nil || len(d.OpenData.Transactions) == 0 {
		return fmt.Errorf("%w: missing open_data", errIncompleteBody)
	}
	if d.EncryptedData == "" {
		return fmt.Errorf("%w: missing encrypted_data", errIncompleteBody)
	}
	return nil
}

// PublicInput is the public statement shared by the three PVDE proofs: the
// sigma protocol transcript plus the commitment to the derived key.
type PublicInput struct {
	R1         *big.Int
	R2         *big.Int
	Z          *big.Int
	O          *big.Int
	KTwo       *big.Int
	KHashValue *big.Int
}

type publicInputJSON struct {
	R1         *bigjson.Decimal `json:"r1"`
	R2         *bigjson.Decimal `json:"r2"`
	Z          *bigjson.Decimal `json:"z"`
	O          *bigjson.Decimal `json:"o"`
	KTwo       *bigjson.Decimal `json:"k_two"`
	KHashValue *bigjson.Decimal `json:"k_hash_value"`
}

func (p PublicInput) MarshalJSON() ([]byte, error) {
	return json.Marshal(publicInputJSON{
		R1: bigjson.New(p.R1), R2: bigjson.New(p.R2), Z: bigjson.New(p.Z),
		O: bigjson.New(p.O), KTwo: bigjson.New(p.KTwo), KHashValue: bigjson.New(p.KHashValue),
	})
}

func (p *PublicInput) UnmarshalJSON(data []byte) error {
	var dec publicInputJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*p = PublicInput{
		R1: dec.R1.Int(), R2: dec.R2.Int(), Z: dec.Z.Int(),
		O: dec.O.Int(), KTwo: dec.KTwo.Int(), KHashValue: dec.KHashValue.Int(),
	}
	return nil
}

func (p *PublicInput) complete() bool {
	return p.R1 != nil && p.R2 != nil && p.Z != nil && p.O != nil && p.KTwo != nil && p.KHashValue != nil
}

func (p *PublicInput) sigma() *timelock.SigmaPublicInput {
	return &timelock.SigmaPublicInput{R1: p.R1, R2: p.R2, Z: p.Z, O: p.O, KTwo: p.KTwo}
}

// ProofBundle lets a decryptor check, before spending the delay, that the
// puzzle solution really unlocks the ciphertext.
type ProofBundle struct {
	PublicInput        PublicInput   `json:"public_input"`
	KeyValidationProof hexutil.Bytes `json:"key_validation_proof"`
	EncryptionProof    hexutil.Bytes `json:"encryption_proof"`
}

// PvdeTransaction is a transaction encrypted under a time-lock puzzle.
type PvdeTransaction struct {
	TransactionData TransactionData `json:"transaction_data"`
	TimeLockPuzzle  timelock.Puzzle `json:"time_lock_puzzle"`
	ProofBundle     *ProofBundle    `json:"proof_bundle,omitempty"`
}

// SkdeTransaction is a transaction encrypted under a threshold key.
type SkdeTransaction struct {
	TransactionData TransactionData `json:"transaction_data"`
	KeyID           uint64          `json:"key_id"`
}

// EncryptedTransaction is the envelope handed to sequencers. Exactly one
// variant is set; on the wire it is externally tagged:
// {"pvde": {...}} or {"skde": {...}}.
type EncryptedTransaction struct {
	Pvde *PvdeTransaction `json:"pvde,omitempty"`
	Skde *SkdeTransaction `json:"skde,omitempty"`
}

// Scheme returns the scheme of the populated variant.
func (e *EncryptedTransaction) Scheme() Scheme {
	if e.Pvde != nil {
		return SchemePVDE
	}
	return SchemeSKDE
}

// OpenData returns the public part of the envelope.
func (e *EncryptedTransaction) OpenData() *txcodec.OpenData {
	switch {
	case e.Pvde != nil:
		return e.Pvde.TransactionData.OpenData
	case e.Skde != nil:
		return e.Skde.TransactionData.OpenData
	}
	return nil
}

// Validate checks that exactly one variant is present and complete.
func (e *EncryptedTransaction) Validate() error {
	if e == nil {
		return errNoVariant
	}
	switch {
	case e.Pvde != nil && e.Skde != nil:
		return errManyVariants
	case e.Pvde != nil:
		if err := e.Pvde.TransactionData.validate(); err != nil {
			return err
		}
		if e.Pvde.TimeLockPuzzle.O == nil || e.Pvde.TimeLockPuzzle.N == nil {
			return fmt.Errorf("%w: missing time_lock_puzzle", errIncompleteBody)
		}
		return nil
	case e.Skde != nil:
		return e.Skde.TransactionData.validate()
	default:
		return errNoVariant
	}
}

type envelopeAlias EncryptedTransaction

func (e *EncryptedTransaction) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var out envelopeAlias
	if err := dec.Decode(&out); err != nil {
		return err
	}
	env := EncryptedTransaction(out)
	if err := env.Validate(); err != nil {
		return err
	}
	*e = env
	return nil
}
