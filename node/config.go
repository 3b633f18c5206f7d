// Package node wires the gateway together: it loads the configuration,
// prepares the encryption parameters and serves the JSON-RPC surface.
package node

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"github.com/radiusxyz/secure-rpc/encryption"
	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/params"
	"github.com/radiusxyz/secure-rpc/rpc"
	"github.com/radiusxyz/secure-rpc/rpcclient"
)

// ConfigFileName is the name of the configuration file inside the
// configuration directory.
const ConfigFileName = "config.toml"

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// RetryConfig controls downstream calls to the sequencer endpoints and the
// key service.
type RetryConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	Interval          Duration `toml:"interval"`
	Timeout           Duration `toml:"timeout"`
	EndpointSelection string   `toml:"endpoint_selection"`
}

// Policy converts the section into a client retry policy.
func (c RetryConfig) Policy() rpcclient.RetryPolicy {
	return rpcclient.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Interval:    time.Duration(c.Interval),
		Timeout:     time.Duration(c.Timeout),
	}
}

// PuzzleConfig sizes the time-lock puzzle.
type PuzzleConfig struct {
	ModulusBits   int    `toml:"modulus_bits"`
	DelayExponent uint64 `toml:"delay_exponent"`
}

// ZKPConfig sizes the proof circuits.
type ZKPConfig struct {
	MessageChunks int `toml:"message_chunks"`
}

// Config holds all configuration for a gateway node.
type Config struct {
	// DataDir holds the persisted parameters. Empty means the directory
	// the configuration file was loaded from.
	DataDir string `toml:"data_dir"`

	RollupID                       string   `toml:"rollup_id"`
	ExternalRPCURL                 string   `toml:"external_rpc_url"`
	TxOrdererRPCURLList            []string `toml:"tx_orderer_rpc_url_list"`
	RollupRPCURL                   string   `toml:"rollup_rpc_url"`
	DistributedKeyGenerationRPCURL string   `toml:"distributed_key_generation_rpc_url"`
	IsUsingEncryption              bool     `toml:"is_using_encryption"`
	IsUsingZKP                     bool     `toml:"is_using_zkp"`
	EncryptedTransactionType       string   `toml:"encrypted_transaction_type"`
	CORSAllowedOrigins             []string `toml:"cors_allowed_origins"`

	Retry     RetryConfig         `toml:"retry"`
	Puzzle    PuzzleConfig        `toml:"puzzle"`
	ZKP       ZKPConfig           `toml:"zkp"`
	RateLimit rpc.RateLimitConfig `toml:"rate_limit"`
	Log       log.Config          `toml:"log"`
}

// DefaultConfig returns a Config with the defaults of a local deployment.
func DefaultConfig() Config {
	pp := params.DefaultConfig("")
	rl := rpc.DefaultRateLimitConfig()
	return Config{
		RollupID:                       "0",
		ExternalRPCURL:                 "http://127.0.0.1:9000",
		TxOrdererRPCURLList:            []string{"http://127.0.0.1:3000"},
		RollupRPCURL:                   "http://127.0.0.1:8123",
		DistributedKeyGenerationRPCURL: "http://127.0.0.1:7100",
		IsUsingEncryption:              true,
		IsUsingZKP:                     false,
		EncryptedTransactionType:       string(encryption.SchemeSKDE),
		Retry: RetryConfig{
			MaxAttempts:       3,
			Interval:          Duration(500 * time.Millisecond),
			Timeout:           Duration(10 * time.Second),
			EndpointSelection: rpcclient.RoundRobin.String(),
		},
		Puzzle: PuzzleConfig{
			ModulusBits:   pp.ModulusBits,
			DelayExponent: pp.DelayExponent,
		},
		ZKP:       ZKPConfig{MessageChunks: pp.MessageChunks},
		RateLimit: rpc.RateLimitConfig{RPS: rl.RPS, Burst: rl.Burst},
		Log:       log.Config{Level: "info", Format: "text"},
	}
}

var errEmptyRollupID = errors.New("config: rollup_id must not be empty")

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.RollupID == "" {
		return errEmptyRollupID
	}
	if _, err := c.ListenAddr(); err != nil {
		return err
	}
	if len(c.TxOrdererRPCURLList) == 0 {
		return errors.New("config: tx_orderer_rpc_url_list must not be empty")
	}
	for _, u := range c.TxOrdererRPCURLList {
		if err := checkURL("tx_orderer_rpc_url_list", u); err != nil {
			return err
		}
	}
	if err := checkURL("rollup_rpc_url", c.RollupRPCURL); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Interval < 0 || c.Retry.Timeout < 0 {
		return errors.New("config: retry durations must not be negative")
	}
	if _, err := rpcclient.ParseSelection(c.Retry.EndpointSelection); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate_limit values must not be negative")
	}
	if _, err := rpc.ParseTrustedProxies(c.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("config: rate_limit.trusted_proxies: %w", err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}

	if !c.IsUsingEncryption {
		return nil
	}
	scheme, err := c.Scheme()
	if err != nil {
		return err
	}
	switch scheme {
	case encryption.SchemeSKDE:
		if c.IsUsingZKP {
			return errors.New("config: is_using_zkp requires encrypted_transaction_type = \"pvde\"")
		}
		return checkURL("distributed_key_generation_rpc_url", c.DistributedKeyGenerationRPCURL)
	default:
		// The data directory is resolved at load time.
		pc := c.ParamsConfig()
		if pc.Dir == "" {
			pc.Dir = "."
		}
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// Scheme parses encrypted_transaction_type.
func (c *Config) Scheme() (encryption.Scheme, error) {
	s, err := encryption.ParseScheme(c.EncryptedTransactionType)
	if err != nil {
		return "", fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// ListenAddr returns the host:port the JSON-RPC server binds to, taken
// from external_rpc_url.
func (c *Config) ListenAddr() (string, error) {
	u, err := url.Parse(c.ExternalRPCURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("config: invalid external_rpc_url %q", c.ExternalRPCURL)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("config: external_rpc_url %q has no port", c.ExternalRPCURL)
	}
	return u.Host, nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// ParamsConfig returns the parameter store configuration.
func (c *Config) ParamsConfig() params.Config {
	return params.Config{
		Dir:           c.DataDir,
		UseZKP:        c.IsUsingZKP,
		ModulusBits:   c.Puzzle.ModulusBits,
		DelayExponent: c.Puzzle.DelayExponent,
		MessageChunks: c.ZKP.MessageChunks,
	}
}

// ClientOptions returns the options for every downstream client.
func (c *Config) ClientOptions() []rpcclient.Option {
	sel, _ := rpcclient.ParseSelection(c.Retry.EndpointSelection)
	return []rpcclient.Option{
		rpcclient.WithRetryPolicy(c.Retry.Policy()),
		rpcclient.WithSelection(sel),
	}
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: invalid %s %q", key, raw)
	}
	switch u.Scheme {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("config: %s %q must be http or https", key, raw)
	}
}
