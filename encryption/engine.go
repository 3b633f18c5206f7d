// Package encryption builds and opens encrypted transaction envelopes. A
// deployment runs exactly one scheme: PVDE, where the key is locked in a
// time-lock puzzle and optionally backed by zero-knowledge proofs, or SKDE,
// where the key comes from the distributed key generation service.
package encryption

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"golang.org/x/sync/errgroup"

	"github.com/radiusxyz/secure-rpc/crypto/poseidon"
	"github.com/radiusxyz/secure-rpc/crypto/skde"
	"github.com/radiusxyz/secure-rpc/crypto/timelock"
	"github.com/radiusxyz/secure-rpc/dkg"
	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/metrics"
	"github.com/radiusxyz/secure-rpc/params"
	"github.com/radiusxyz/secure-rpc/txcodec"
	"github.com/radiusxyz/secure-rpc/zkp"
)

var (
	// ErrProofInvalid is the only detail reported when an envelope fails
	// verification.
	ErrProofInvalid   = errors.New("invalid proof")
	ErrSchemeMismatch = errors.New("encryption: envelope scheme does not match deployment")
	errConfig         = errors.New("encryption: invalid config")
	errKeyIDMismatch  = errors.New("encryption: key service published a different key under this id")
	errForeignPuzzle  = errors.New("encryption: puzzle was not issued under the configured parameters")
)

const (
	opEncrypt = "encryption.encrypt"
	opDecrypt = "encryption.decrypt"
)

func logger() *log.Logger { return log.Default().Module("encryption") }

// KeyService is the part of the key generation service the SKDE scheme
// needs. *dkg.Client implements it.
type KeyService interface {
	GetLatestEncryptionKey(ctx context.Context) (*dkg.EncryptionKey, error)
	GetEncryptionKey(ctx context.Context, id uint64) (string, error)
	GetDecryptionKey(ctx context.Context, id uint64) (string, error)
}

// Config wires an Engine. Params is required for PVDE; Keys and
// SkdeParams for SKDE.
type Config struct {
	Scheme     Scheme
	UseZKP     bool
	Params     *params.Store
	Keys       KeyService
	SkdeParams *skde.Params
}

// Validate checks that the collaborators of the selected scheme are set.
func (c Config) Validate() error {
	switch c.Scheme {
	case SchemePVDE:
		if c.Params == nil {
			return fmt.Errorf("%w: pvde needs a parameter store", errConfig)
		}
	case SchemeSKDE:
		if c.Keys == nil {
			return fmt.Errorf("%w: skde needs a key service", errConfig)
		}
		if err := c.SkdeParams.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		if c.UseZKP {
			return fmt.Errorf("%w: proofs are only defined for pvde", errConfig)
		}
	default:
		return fmt.Errorf("%w: unknown scheme %q", errConfig, c.Scheme)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandom sets the randomness source for puzzles and SKDE blinding.
func WithRandom(r io.Reader) Option { return func(e *Engine) { e.rand = r } }

// Engine encrypts and decrypts transactions under one scheme.
type Engine struct {
	cfg  Config
	rand io.Reader

	confirmed sync.Map // SKDE key id -> encryption key resolved by get_encryption_key
}

// New returns an engine for cfg. Configuration errors are classified as
// errclass.Config.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errclass.New(errclass.Config, "encryption.new", err)
	}
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Scheme returns the configured scheme.
func (e *Engine) Scheme() Scheme { return e.cfg.Scheme }

// Encrypt decodes raw and encrypts its hidden fields.
func (e *Engine) Encrypt(ctx context.Context, raw txcodec.RawTransaction) (*EncryptedTransaction, error) {
	start := time.Now()
	open, plain, err := txcodec.Decode(raw)
	if err != nil {
		return nil, errclass.New(errclass.Input, opEncrypt, err)
	}

	var env *EncryptedTransaction
	switch e.cfg.Scheme {
	case SchemePVDE:
		env, err = e.encryptPVDE(ctx, open, plain)
	default:
		env, err = e.encryptSKDE(ctx, open, plain)
	}
	if err != nil {
		return nil, err
	}
	metrics.Since(metrics.EncryptDuration.WithLabelValues(string(e.cfg.Scheme)), start)
	logger().Debug("transaction encrypted", "scheme", e.cfg.Scheme,
		"txs", len(open.Transactions), "hash", open.Transactions[0].RawTxHash, "elapsed", time.Since(start))
	return env, nil
}

func (e *Engine) encryptPVDE(ctx context.Context, open *txcodec.OpenData, plain []byte) (*EncryptedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := e.cfg.Params.Get()
	if err != nil {
		return nil, errclass.New(errclass.Internal, opEncrypt, err)
	}
	inst, err := timelock.Generate(e.rand, set.TimeLock)
	if err != nil {
		return nil, errclass.New(errclass.Internal, opEncrypt, err)
	}
	key, err := poseidon.DeriveKey(inst.K, set.TimeLock.Limbs())
	if err != nil {
		return nil, errclass.New(errclass.Internal, opEncrypt, err)
	}

	capacity := 0
	if e.cfg.UseZKP {
		if set.Engine == nil {
			return nil, errclass.Newf(errclass.Config, opEncrypt, "proofs enabled but circuit keys are not loaded")
		}
		capacity = set.Engine.Shape().Chunks
	}
	chunks, err := poseidon.Chunk(plain, capacity)
	if err != nil {
		return nil, errclass.New(errclass.Input, opEncrypt, err)
	}
	ct := key.EncryptChunks(chunks)

	pvde := &PvdeTransaction{
		TransactionData: TransactionData{OpenData: open, EncryptedData: poseidon.Encode(ct)},
		TimeLockPuzzle:  inst.Puzzle,
	}
	if e.cfg.UseZKP {
		if pvde.ProofBundle, err = prove(set.Engine, inst, key, chunks, ct); err != nil {
			return nil, errclass.New(errclass.Internal, opEncrypt, err)
		}
	}
	return &EncryptedTransaction{Pvde: pvde}, nil
}

// prove generates both circuit proofs concurrently.
func prove(engine *zkp.Engine, inst *timelock.Instance, key *poseidon.Key, chunks, ct []fr.Element) (*ProofBundle, error) {
	kHash := key.CommitmentBig()
	bundle := &ProofBundle{
		PublicInput: PublicInput{
			R1: inst.Sigma.R1, R2: inst.Sigma.R2, Z: inst.Sigma.Z,
			O: inst.Sigma.O, KTwo: inst.Sigma.KTwo, KHashValue: kHash,
		},
	}
	var g errgroup.Group
	g.Go(func() (err error) {
		bundle.KeyValidationProof, err = engine.ProveKeyValidation(
			zkp.KeyValidationPublic{N: inst.Puzzle.N, KTwo: inst.KTwo, KHash: kHash}, inst.K)
		return err
	})
	g.Go(func() (err error) {
		bundle.EncryptionProof, err = engine.ProveEncryption(
			zkp.EncryptionPublic{Ciphertext: ct, KHash: kHash}, inst.K, chunks)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (e *Engine) encryptSKDE(ctx context.Context, open *txcodec.OpenData, plain []byte) (*EncryptedTransaction, error) {
	latest, err := e.cfg.Keys.GetLatestEncryptionKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.confirmKey(ctx, latest); err != nil {
		return nil, err
	}
	pk, err := skde.ParseKey(latest.EncryptionKey)
	if err != nil {
		return nil, errclass.New(errclass.Downstream, opEncrypt, err)
	}
	ct, err := skde.Encrypt(e.rand, e.cfg.SkdeParams, plain, pk)
	if err != nil {
		return nil, errclass.New(errclass.Internal, opEncrypt, err)
	}
	return &EncryptedTransaction{Skde: &SkdeTransaction{
		TransactionData: TransactionData{OpenData: open, EncryptedData: ct},
		KeyID:           latest.KeyID,
	}}, nil
}

// confirmKey checks, once per key id, that the id the envelope will carry
// resolves to the key used to encrypt. Decryptors look keys up by id only.
func (e *Engine) confirmKey(ctx context.Context, latest *dkg.EncryptionKey) error {
	if v, ok := e.confirmed.Load(latest.KeyID); ok {
		if v.(string) != latest.EncryptionKey {
			return errclass.New(errclass.Downstream, opEncrypt,
				fmt.Errorf("%w: key id %d", errKeyIDMismatch, latest.KeyID))
		}
		return nil
	}
	published, err := e.cfg.Keys.GetEncryptionKey(ctx, latest.KeyID)
	if err != nil {
		return err
	}
	if published != latest.EncryptionKey {
		return errclass.New(errclass.Downstream, opEncrypt,
			fmt.Errorf("%w: key id %d", errKeyIDMismatch, latest.KeyID))
	}
	e.confirmed.Store(latest.KeyID, published)
	return nil
}

// Decrypt opens env and reassembles the original transaction. For PVDE this
// solves the puzzle and blocks for the configured delay; with proofs
// enabled the bundle is verified first and any failure is reported as
// ErrProofInvalid.
func (e *Engine) Decrypt(ctx context.Context, env *EncryptedTransaction) (txcodec.RawTransaction, error) {
	start := time.Now()
	if err := env.Validate(); err != nil {
		return txcodec.RawTransaction{}, errclass.New(errclass.Input, opDecrypt, err)
	}
	if env.Scheme() != e.cfg.Scheme {
		return txcodec.RawTransaction{}, errclass.New(errclass.Config, opDecrypt,
			fmt.Errorf("%w: got %s, configured %s", ErrSchemeMismatch, env.Scheme(), e.cfg.Scheme))
	}

	var (
		plain []byte
		err   error
	)
	switch e.cfg.Scheme {
	case SchemePVDE:
		plain, err = e.decryptPVDE(ctx, env.Pvde)
	default:
		plain, err = e.decryptSKDE(ctx, env.Skde)
	}
	if err != nil {
		return txcodec.RawTransaction{}, err
	}

	raw, err := txcodec.Reassemble(env.OpenData(), plain)
	if err != nil {
		return txcodec.RawTransaction{}, errclass.New(errclass.Input, opDecrypt, err)
	}
	metrics.Since(metrics.DecryptDuration.WithLabelValues(string(e.cfg.Scheme)), start)
	logger().Debug("transaction decrypted", "scheme", e.cfg.Scheme, "txs", len(raw.Txs), "elapsed", time.Since(start))
	return raw, nil
}

func (e *Engine) decryptPVDE(ctx context.Context, p *PvdeTransaction) ([]byte, error) {
	set, err := e.cfg.Params.Get()
	if err != nil {
		return nil, errclass.New(errclass.Internal, opDecrypt, err)
	}
	puzzle := p.TimeLockPuzzle
	if puzzle.T != set.TimeLock.T || puzzle.N.Cmp(set.TimeLock.N) != 0 {
		return nil, errclass.New(errclass.Input, opDecrypt, errForeignPuzzle)
	}
	ct, err := poseidon.Decode(p.TransactionData.EncryptedData)
	if err != nil {
		return nil, errclass.New(errclass.Input, opDecrypt, err)
	}

	if e.cfg.UseZKP {
		if set.Engine == nil {
			return nil, errclass.Newf(errclass.Config, opDecrypt, "proofs enabled but circuit keys are not loaded")
		}
		if stage := verify(set, &puzzle, p.ProofBundle, ct); stage != "" {
			metrics.ProofRejections.WithLabelValues(stage).Inc()
			logger().Warn("proof bundle rejected", "stage", stage,
				"hash", p.TransactionData.OpenData.Transactions[0].RawTxHash)
			return nil, errclass.New(errclass.ProofInvalid, opDecrypt, ErrProofInvalid)
		}
	}

	k, err := puzzle.Solve(ctx)
	if err != nil {
		return nil, errclass.New(errclass.Internal, opDecrypt, err)
	}
	key, err := poseidon.DeriveKey(k, set.TimeLock.Limbs())
	if err != nil {
		return nil, errclass.New(errclass.Internal, opDecrypt, err)
	}
	plain, err := key.Decrypt(ct)
	if err != nil {
		return nil, errclass.New(errclass.Input, opDecrypt, err)
	}
	return plain, nil
}

// verify checks the bundle in order: sigma protocol, key validation,
// encryption. It returns the name of the first failing stage, or "" if the
// bundle is valid for this puzzle and ciphertext.
func verify(set *params.Set, puzzle *timelock.Puzzle, b *ProofBundle, ct []fr.Element) string {
	if b == nil || !b.PublicInput.complete() {
		return "missing"
	}
	in := &b.PublicInput
	if in.O.Cmp(puzzle.O) != 0 || !timelock.VerifySigma(set.TimeLock, in.sigma()) {
		return "sigma"
	}
	kv := zkp.KeyValidationPublic{N: set.TimeLock.N, KTwo: in.KTwo, KHash: in.KHashValue}
	if !set.Engine.VerifyKeyValidation(kv, b.KeyValidationProof) {
		return "key_validation"
	}
	enc := zkp.EncryptionPublic{Ciphertext: ct, KHash: in.KHashValue}
	if !set.Engine.VerifyEncryption(enc, b.EncryptionProof) {
		return "encryption"
	}
	return ""
}

func (e *Engine) decryptSKDE(ctx context.Context, s *SkdeTransaction) ([]byte, error) {
	skStr, err := e.cfg.Keys.GetDecryptionKey(ctx, s.KeyID)
	if err != nil {
		return nil, err
	}
	sk, err := skde.ParseKey(skStr)
	if err != nil {
		return nil, errclass.New(errclass.Downstream, opDecrypt, err)
	}
	plain, err := skde.Decrypt(e.cfg.SkdeParams, s.TransactionData.EncryptedData, sk)
	if err != nil {
		return nil, errclass.New(errclass.Input, opDecrypt, err)
	}
	return plain, nil
}
