package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/radiusxyz/secure-rpc/dkg"
	"github.com/radiusxyz/secure-rpc/encryption"
	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/params"
	"github.com/radiusxyz/secure-rpc/rpc"
	"github.com/radiusxyz/secure-rpc/rpcclient"
)

// Service names, in start order.
const (
	ServiceEncryption = "encryption"
	ServiceRPC        = "rpc"
)

var (
	errAlreadyRunning = errors.New("node: already running")
	errStopped        = errors.New("node: stopped")
)

func logger() *log.Logger { return log.Default().Module("node") }

// Node is a running gateway. The JSON-RPC server only starts listening
// once the encryption parameters are ready.
type Node struct {
	config    *Config
	lifecycle *LifecycleManager

	sequencer   *rpcclient.Client
	keys        *dkg.Client // SKDE only
	store       *params.Store
	rollup      *gethrpc.Client
	passthrough *rpc.Passthrough
	encryptor   *encryption.Engine // nil when encryption is off

	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool
	stopped bool
	stop    chan struct{}
}

// New creates a node from config. It dials nothing; downstream services
// are first contacted by Start. Invalid configuration is reported as an
// errclass.Config error.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, errclass.New(errclass.Config, "node.new", err)
	}

	opts := config.ClientOptions()
	sequencer, err := rpcclient.New(config.TxOrdererRPCURLList, opts...)
	if err != nil {
		return nil, errclass.New(errclass.Config, "node.new", err)
	}
	n := &Node{
		config:    config,
		lifecycle: NewLifecycleManager(),
		sequencer: sequencer,
		stop:      make(chan struct{}),
	}

	if config.IsUsingEncryption {
		scheme, _ := config.Scheme()
		if scheme == encryption.SchemeSKDE {
			n.keys, err = dkg.Dial(config.DistributedKeyGenerationRPCURL, opts...)
			if err != nil {
				return nil, errclass.New(errclass.Config, "node.new", err)
			}
		} else {
			n.store = params.NewStore()
		}
	}

	n.passthrough, n.rollup, err = rpc.DialPassthrough(context.Background(), config.RollupRPCURL)
	if err != nil {
		return nil, err
	}

	n.lifecycle.Register(serviceFunc{name: ServiceEncryption, start: n.startEncryption}, 0)
	n.lifecycle.Register(serviceFunc{name: ServiceRPC, start: n.startRPC, stop: n.stopRPC}, 10)
	return n, nil
}

// Start prepares the encryption engine and starts the JSON-RPC server.
// When any step fails, everything already started is stopped again.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case n.running:
		return errAlreadyRunning
	case n.stopped:
		return errStopped
	}

	logger().Info("starting secure-rpc",
		"rollup_id", n.config.RollupID,
		"encryption", n.config.IsUsingEncryption,
		"scheme", n.config.EncryptedTransactionType,
		"zkp", n.config.IsUsingZKP,
	)
	if err := n.lifecycle.StartAll(ctx); err != nil {
		if stopErr := n.lifecycle.StopAll(context.Background()); stopErr != nil {
			logger().Warn("cleanup after failed start", "err", stopErr)
		}
		return err
	}
	n.running = true
	return nil
}

func (n *Node) startEncryption(ctx context.Context) error {
	if !n.config.IsUsingEncryption {
		logger().Info("encryption disabled, transactions are forwarded in the clear")
		return nil
	}

	scheme, _ := n.config.Scheme()
	cfg := encryption.Config{Scheme: scheme, UseZKP: n.config.IsUsingZKP}
	switch scheme {
	case encryption.SchemeSKDE:
		sp, err := n.keys.GetSkdeParams(ctx)
		if err != nil {
			return fmt.Errorf("fetch skde params: %w", err)
		}
		cfg.Keys = n.keys
		cfg.SkdeParams = sp
	default:
		start := time.Now()
		if err := n.store.Initialize(ctx, n.config.ParamsConfig()); err != nil {
			return err
		}
		logger().Info("pvde parameters ready", "dir", n.config.DataDir, "elapsed", time.Since(start))
		cfg.Params = n.store
	}

	engine, err := encryption.New(cfg)
	if err != nil {
		return err
	}
	n.encryptor = engine
	return nil
}

func (n *Node) startRPC(ctx context.Context) error {
	// A nil *Engine must not become a non-nil interface.
	var enc rpc.Encryptor
	if n.encryptor != nil {
		enc = n.encryptor
	}
	api := rpc.NewAPI(n.config.RollupID, enc, n.sequencer)

	registry := rpc.NewMethodRegistry()
	registry.AddMiddleware(rpc.InstrumentMiddleware())
	if err := registry.RegisterBatch(api.Methods()); err != nil {
		return err
	}
	if err := registry.RegisterBatch(n.passthrough.Methods()); err != nil {
		return err
	}
	limiter, err := rpc.NewRateLimiter(n.config.RateLimit)
	if err != nil {
		return errclass.New(errclass.Config, "node.rate_limit", err)
	}
	server := rpc.NewServer(registry,
		rpc.WithRateLimiter(limiter),
		rpc.WithCORS(n.config.CORSAllowedOrigins),
	)

	addr, err := n.config.ListenAddr()
	if err != nil {
		return errclass.New(errclass.Config, "node.listen", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errclass.New(errclass.Config, "node.listen", err)
	}
	n.listener = ln
	n.httpServer = &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger().Error("rpc server", "err", err)
		}
	}()
	logger().Info("JSON-RPC server listening", "addr", ln.Addr().String(),
		"local", len(registry.MethodsByRoute(rpc.RouteLocal)),
		"forwarded", len(registry.MethodsByRoute(rpc.RouteForwarded)))
	return nil
}

func (n *Node) stopRPC(ctx context.Context) error {
	if n.httpServer == nil {
		return nil
	}
	return n.httpServer.Shutdown(ctx)
}

// Stop gracefully shuts the node down. In-flight requests are given until
// ctx is done to finish.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	logger().Info("stopping secure-rpc")
	err := n.lifecycle.StopAll(ctx)
	n.rollup.Close()
	n.running = false
	n.stopped = true
	close(n.stop)
	logger().Info("secure-rpc stopped")
	return err
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Addr returns the address the JSON-RPC server listens on, or "" before
// Start.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Health reports, per service, whether it is running.
func (n *Node) Health() map[string]bool {
	return n.lifecycle.HealthCheck()
}
