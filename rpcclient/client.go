// Package rpcclient is a JSON-RPC 2.0 HTTP client with per-attempt timeouts,
// constant-interval retries and rotation across several equivalent
// endpoints. It is used for every downstream collaborator: the sequencer
// endpoints and the key service.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/radiusxyz/secure-rpc/errclass"
	"github.com/radiusxyz/secure-rpc/log"
	"github.com/radiusxyz/secure-rpc/metrics"
)

const maxResponseBytes = 16 << 20

var (
	ErrNoEndpoints = errors.New("rpcclient: no endpoints")
	errBadResponse = errors.New("rpcclient: malformed response")
)

// Error is a JSON-RPC error object returned by the remote side.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Selection is the endpoint selection strategy.
type Selection int

const (
	RoundRobin Selection = iota
	Random
)

// ParseSelection parses "round_robin" or "random". The empty string selects
// round robin.
func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(s) {
	case "", "round_robin", "round-robin":
		return RoundRobin, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("rpcclient: unknown endpoint selection %q", s)
	}
}

func (s Selection) String() string {
	if s == Random {
		return "random"
	}
	return "round_robin"
}

// RetryPolicy bounds how hard a call is tried. MaxAttempts counts the first
// attempt; Timeout applies to each attempt separately.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 500 * time.Millisecond, Timeout: 10 * time.Second}
}

// Attempt describes one finished attempt, for logging and tests.
type Attempt struct {
	Method   string
	Endpoint string
	Number   int
	Err      error
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.policy = p } }

// WithSelection sets the endpoint selection strategy.
func WithSelection(s Selection) Option { return func(c *Client) { c.selection = s } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithAttemptHook registers fn to be called after every attempt.
func WithAttemptHook(fn func(Attempt)) Option { return func(c *Client) { c.onAttempt = fn } }

// Client calls a set of equivalent JSON-RPC endpoints.
type Client struct {
	endpoints []string
	http      *http.Client
	policy    RetryPolicy
	selection Selection
	onAttempt func(Attempt)
	next      atomic.Uint64
}

// New creates a client for endpoints.
func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	c := &Client{
		endpoints: append([]string(nil), endpoints...),
		http:      &http.Client{},
		policy:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	return c, nil
}

// Endpoints returns the configured endpoint URLs.
func (c *Client) Endpoints() []string { return append([]string(nil), c.endpoints...) }

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// Call invokes method and decodes the result into result (which may be nil
// to discard it). Transport failures are retried on the next endpoint up to
// the policy's attempt budget; a JSON-RPC error response is returned at once
// as a downstream error wrapping *Error.
func (c *Client) Call(ctx context.Context, method string, params Params, result any) error {
	rawParams, err := encodeParams(params)
	if err != nil {
		return errclass.New(errclass.Input, "rpcclient."+method, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		endpoint := c.pick()
		err := c.attempt(ctx, endpoint, method, rawParams, result)
		c.record(method, endpoint, attempt, err)

		var rpcErr *Error
		if err != nil && (errors.As(err, &rpcErr) || errors.Is(err, errBadResponse)) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(c.policy.Interval)
	b = backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	err = backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr), errors.Is(err, errBadResponse):
		return errclass.New(errclass.Downstream, "rpcclient."+method, err)
	default:
		return errclass.New(errclass.Transport, "rpcclient."+method,
			fmt.Errorf("%d attempt(s) failed: %w", attempt, err))
	}
}

func (c *Client) attempt(ctx context.Context, endpoint, method string, params json.RawMessage, result any) error {
	if c.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
	}

	id := uuid.NewString()
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	var out response
	if err := json.Unmarshal(data, &out); err != nil || out.JSONRPC != "2.0" {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("http status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", errBadResponse, truncate(data))
	}
	if out.Error != nil {
		return out.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("%w: decode result: %v", errBadResponse, err)
	}
	return nil
}

func (c *Client) pick() string {
	if len(c.endpoints) == 1 {
		return c.endpoints[0]
	}
	if c.selection == Random {
		return c.endpoints[rand.IntN(len(c.endpoints))]
	}
	i := c.next.Add(1) - 1
	return c.endpoints[i%uint64(len(c.endpoints))]
}

func (c *Client) record(method, endpoint string, n int, err error) {
	outcome := "ok"
	var rpcErr *Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr):
		outcome = "rpc_error"
	case errors.Is(err, errBadResponse):
		outcome = "bad_response"
	default:
		outcome = "transport_error"
		log.Default().Module("rpcclient").Warn("attempt failed",
			"method", method, "endpoint", endpoint, "attempt", n, "err", err)
	}
	metrics.DownstreamAttempts.WithLabelValues(endpoint, outcome).Inc()
	if c.onAttempt != nil {
		c.onAttempt(Attempt{Method: method, Endpoint: endpoint, Number: n, Err: err})
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
