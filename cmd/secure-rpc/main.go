// Command secure-rpc runs the transaction-encrypting JSON-RPC gateway.
//
// Usage:
//
//	secure-rpc init  --path DIR     write a default config.toml into DIR
//	secure-rpc start --path DIR     load DIR/config.toml and serve
//
// Flags given to start override the corresponding config.toml keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "secure-rpc",
		Short:         "Encrypting JSON-RPC gateway for rollup transactions",
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newInitCmd(), newStartCmd(new(startFlags)))
	return root
}

func newInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			written, err := node.WriteDefaultConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", defaultPath(), "configuration directory")
	return cmd
}

// startFlags are the config keys that can be overridden on the command line.
type startFlags struct {
	path                     string
	rollupID                 string
	externalRPCURL           string
	txOrdererRPCURLList      []string
	rollupRPCURL             string
	dkgRPCURL                string
	isUsingEncryption        bool
	isUsingZKP               bool
	encryptedTransactionType string
	logLevel                 string
	logFormat                string
}

func newStartCmd(f *startFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadStartConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.path, "path", defaultPath(), "configuration directory")
	fl.StringVar(&f.rollupID, "rollup-id", "", "rollup identifier attached to submissions")
	fl.StringVar(&f.externalRPCURL, "external-rpc-url", "", "URL the gateway serves JSON-RPC on")
	fl.StringSliceVar(&f.txOrdererRPCURLList, "tx-orderer-rpc-url-list", nil, "sequencer endpoints")
	fl.StringVar(&f.rollupRPCURL, "rollup-rpc-url", "", "rollup node for forwarded eth_ methods")
	fl.StringVar(&f.dkgRPCURL, "distributed-key-generation-rpc-url", "", "key generation service (skde)")
	fl.BoolVar(&f.isUsingEncryption, "is-using-encryption", true, "encrypt submitted transactions")
	fl.BoolVar(&f.isUsingZKP, "is-using-zkp", false, "attach proofs to pvde envelopes")
	fl.StringVar(&f.encryptedTransactionType, "encrypted-transaction-type", "", "pvde or skde")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json")
	return cmd
}

// loadStartConfig loads config.toml from the --path directory and applies
// the flags that were set explicitly.
func loadStartConfig(cmd *cobra.Command, f *startFlags) (*node.Config, error) {
	path := filepath.Join(f.path, node.ConfigFileName)
	cfg, err := node.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("rollup-id") {
		cfg.RollupID = f.rollupID
	}
	if changed("external-rpc-url") {
		cfg.ExternalRPCURL = f.externalRPCURL
	}
	if changed("tx-orderer-rpc-url-list") {
		cfg.TxOrdererRPCURLList = f.txOrdererRPCURLList
	}
	if changed("rollup-rpc-url") {
		cfg.RollupRPCURL = f.rollupRPCURL
	}
	if changed("distributed-key-generation-rpc-url") {
		cfg.DistributedKeyGenerationRPCURL = f.dkgRPCURL
	}
	if changed("is-using-encryption") {
		cfg.IsUsingEncryption = f.isUsingEncryption
	}
	if changed("is-using-zkp") {
		cfg.IsUsingZKP = f.isUsingZKP
	}
	if changed("encrypted-transaction-type") {
		cfg.EncryptedTransactionType = f.encryptedTransactionType
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the node until ctx is cancelled.
func serve(ctx context.Context, cfg *node.Config) error {
	logger, closer := log.Setup(cfg.Log)
	defer closer.Close()
	log.SetDefault(logger)
	logger.Info("secure-rpc starting", "version", version, "commit", commit, "datadir", cfg.DataDir)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".secure-rpc"
	}
	return filepath.Join(home, ".radius", "secure-rpc")
}
