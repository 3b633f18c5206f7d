// Package params owns the one-time setup-or-load lifecycle of the gateway's
// cryptographic parameters. A Store starts empty and becomes ready after a
// successful Initialize; readers go through Get, which refuses to hand out
// anything before that point.
package params

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/radiusxyz/secure-rpc/crypto/timelock"
	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/metrics"
	"github.com/radiusxyz/secure-rpc/zkp"
)

// TimeLockFile is the name of the puzzle parameter file.
const TimeLockFile = "time_lock_puzzle_param.json"

var (
	ErrNotInitialized     = errors.New("params: store not initialized")
	ErrAlreadyInitialized = errors.New("params: store already initialized")
	ErrPartialFiles       = errors.New("params: incomplete circuit key files")
	errInvalidConfig      = errors.New("params: invalid config")
)

// Config selects where parameters live and what shape they have.
type Config struct {
	Dir           string
	UseZKP        bool
	ModulusBits   int
	DelayExponent uint64
	MessageChunks int
}

// DefaultConfig returns production sizes rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		UseZKP:        false,
		ModulusBits:   timelock.DefaultModulusBits,
		DelayExponent: 1 << 20,
		MessageChunks: 64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: empty directory", errInvalidConfig)
	}
	if c.ModulusBits < timelock.MinModulusBits {
		return fmt.Errorf("%w: modulus_bits %d < %d", errInvalidConfig, c.ModulusBits, timelock.MinModulusBits)
	}
	if c.DelayExponent == 0 {
		return fmt.Errorf("%w: delay_exponent must be positive", errInvalidConfig)
	}
	if c.UseZKP && c.MessageChunks < 2 {
		return fmt.Errorf("%w: message_chunks %d < 2", errInvalidConfig, c.MessageChunks)
	}
	return nil
}

// Set is the full parameter set. KeyValidation, Encryption and Engine are
// nil when proofs are disabled.
type Set struct {
	TimeLock      *timelock.Params
	KeyValidation *zkp.CircuitKeys
	Encryption    *zkp.CircuitKeys
	Engine        *zkp.Engine
}

// TimeLockSetupFunc generates puzzle parameters.
type TimeLockSetupFunc func(bits int, t uint64) (*timelock.Params, error)

// CircuitSetupFunc generates keys for one circuit.
type CircuitSetupFunc func(id zkp.CircuitID, shape zkp.Shape) (*zkp.CircuitKeys, error)

// Option configures a Store.
type Option func(*Store)

// WithTimeLockSetup replaces the puzzle parameter setup routine.
func WithTimeLockSetup(fn TimeLockSetupFunc) Option {
	return func(s *Store) { s.timeLockSetup = fn }
}

// WithCircuitSetup replaces the circuit setup routine.
func WithCircuitSetup(fn CircuitSetupFunc) Option {
	return func(s *Store) { s.circuitSetup = fn }
}

// Store holds the parameter set. It is written once and read lock-free.
type Store struct {
	timeLockSetup TimeLockSetupFunc
	circuitSetup  CircuitSetupFunc

	initMu sync.Mutex
	set    atomic.Pointer[Set]
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		timeLockSetup: func(bits int, t uint64) (*timelock.Params, error) {
			return timelock.Setup(nil, bits, t)
		},
		circuitSetup: zkp.SetupCircuit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether Initialize has completed successfully.
func (s *Store) Ready() bool { return s.set.Load() != nil }

// Get returns the parameter set or ErrNotInitialized.
func (s *Store) Get() (*Set, error) {
	set := s.set.Load()
	if set == nil {
		return nil, ErrNotInitialized
	}
	return set, nil
}

// MustGet is Get for wiring code that has already ordered Initialize first.
func (s *Store) MustGet() *Set {
	set, err := s.Get()
	if err != nil {
		panic(err)
	}
	return set
}

// Initialize loads every artifact from cfg.Dir, running and persisting the
// setup routine for any artifact that is missing. It may succeed only once
// per Store.
func (s *Store) Initialize(ctx context.Context, cfg Config) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.Ready() {
		return ErrAlreadyInitialized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("params: create %s: %w", cfg.Dir, err)
	}
	start := time.Now()
	lg := logger().With("dir", cfg.Dir)

	tl, err := s.loadOrSetupTimeLock(cfg)
	if err != nil {
		return err
	}
	set := &Set{TimeLock: tl}

	if cfg.UseZKP {
		// The stored modulus, not the configured size, fixes the limb count.
		shape := zkp.Shape{Limbs: tl.Limbs(), Chunks: cfg.MessageChunks}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			set.KeyValidation, err = s.loadOrSetupCircuit(gctx, cfg.Dir, zkp.KeyValidation, shape)
			return err
		})
		g.Go(func() (err error) {
			set.Encryption, err = s.loadOrSetupCircuit(gctx, cfg.Dir, zkp.PoseidonEncryption, shape)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if set.Engine, err = zkp.NewEngine(set.KeyValidation, set.Encryption); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.set.Store(set)
	metrics.ParamsReady.Set(1)
	lg.Info("parameters ready", "zkp", cfg.UseZKP, "modulus_bits", tl.N.BitLen(),
		"delay_exponent", tl.T, "elapsed", time.Since(start))
	return nil
}

func (s *Store) loadOrSetupTimeLock(cfg Config) (*timelock.Params, error) {
	path := filepath.Join(cfg.Dir, TimeLockFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var p timelock.Params
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("params: decode %s: %w", path, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("params: %s: %w", path, err)
		}
		logger().Debug("loaded time-lock parameters", "path", path)
		return &p, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("params: read %s: %w", path, err)
	}

	logger().Info("generating time-lock parameters", "modulus_bits", cfg.ModulusBits, "delay_exponent", cfg.DelayExponent)
	metrics.ParamSetupRuns.WithLabelValues("time_lock").Inc()
	p, err := s.timeLockSetup(cfg.ModulusBits, cfg.DelayExponent)
	if err != nil {
		return nil, fmt.Errorf("params: time-lock setup: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("params: time-lock setup: %w", err)
	}
	err = writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadOrSetupCircuit(ctx context.Context, dir string, id zkp.CircuitID, shape zkp.Shape) (*zkp.CircuitKeys, error) {
	paramName, pkName, vkName := zkp.FileNames(id)
	paths := []string{filepath.Join(dir, paramName), filepath.Join(dir, pkName), filepath.Join(dir, vkName)}

	present := 0
	for _, p := range paths {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			present++
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("params: stat %s: %w", p, err)
		}
	}

	switch present {
	case len(paths):
		ck, err := readCircuit(id, shape, paths)
		if err != nil {
			return nil, err
		}
		logger().Debug("loaded circuit keys", "circuit", id)
		return ck, nil
	case 0:
	default:
		return nil, fmt.Errorf("%w: %s has %d of %d files in %s", ErrPartialFiles, id, present, len(paths), dir)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger().Info("generating circuit keys", "circuit", id, "limbs", shape.Limbs, "chunks", shape.Chunks)
	metrics.ParamSetupRuns.WithLabelValues(string(id)).Inc()
	ck, err := s.circuitSetup(id, shape)
	if err != nil {
		return nil, fmt.Errorf("params: %s setup: %w", id, err)
	}
	if err := writeCircuit(ck, paths); err != nil {
		return nil, err
	}
	return ck, nil
}

func readCircuit(id zkp.CircuitID, shape zkp.Shape, paths []string) (*zkp.CircuitKeys, error) {
	var readers [3]io.Reader
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("params: open %s: %w", p, err)
		}
		defer f.Close()
		readers[i] = bufio.NewReaderSize(f, 1<<20)
	}
	ck, err := zkp.ReadCircuitKeys(id, shape, readers[0], readers[1], readers[2])
	if err != nil {
		return nil, fmt.Errorf("params: load %s: %w", id, err)
	}
	return ck, nil
}

// writeCircuit persists the three key files. All three are written to
// temporary files first and renamed into place only once every write has
// succeeded.
func writeCircuit(ck *zkp.CircuitKeys, paths []string) error {
	var temps [3]*tempFile
	defer func() {
		for _, t := range temps {
			if t != nil {
				t.discard()
			}
		}
	}()
	for i, p := range paths {
		t, err := createTemp(p)
		if err != nil {
			return err
		}
		temps[i] = t
	}
	if err := ck.WriteTo(temps[0].w, temps[1].w, temps[2].w); err != nil {
		return fmt.Errorf("params: write %s: %w", ck.ID, err)
	}
	for _, t := range temps {
		if err := t.commit(); err != nil {
			return err
		}
	}
	return nil
}

type tempFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
	done bool
}

func createTemp(path string) (*tempFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("params: create temp for %s: %w", path, err)
	}
	return &tempFile{path: path, f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// commit flushes, syncs and renames the temporary file over its target.
func (t *tempFile) commit() error {
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("params: write %s: %w", t.path, err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("params: sync %s: %w", t.path, err)
	}
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("params: close %s: %w", t.path, err)
	}
	if err := os.Rename(t.f.Name(), t.path); err != nil {
		return fmt.Errorf("params: rename %s: %w", t.path, err)
	}
	t.done = true
	return nil
}

func (t *tempFile) discard() {
	if t.done {
		return
	}
	t.f.Close()
	os.Remove(t.f.Name())
}

// writeAtomic writes to a temporary file in the target directory and
// renames it over path.
func writeAtomic(path string, write func(io.Writer) error) error {
	t, err := createTemp(path)
	if err != nil {
		return err
	}
	defer t.discard()
	if err := write(t.w); err != nil {
		return fmt.Errorf("params: write %s: %w", path, err)
	}
	return t.commit()
}

func logger() *log.Logger { return log.Default().Module("params") }
