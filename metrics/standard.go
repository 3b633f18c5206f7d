package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Buckets in seconds. PVDE with proofs and puzzle solving run for seconds to
// minutes; everything else is sub-second.
var (
	fastBuckets = prometheus.ExponentialBuckets(0.001, 2, 14)
	slowBuckets = prometheus.ExponentialBuckets(0.01, 2, 18)
)

var (
	// ---- Encryption metrics ----

	// EncryptDuration records envelope construction time by scheme.
	EncryptDuration = histogramVec("encryption", "encrypt_duration_seconds",
		"Time to build an encrypted transaction.", slowBuckets, "scheme")
	// DecryptDuration records envelope reversal time by scheme.
	DecryptDuration = histogramVec("encryption", "decrypt_duration_seconds",
		"Time to decrypt an encrypted transaction.", slowBuckets, "scheme")
	// ProofRejections counts envelopes rejected during verification, by the
	// stage that failed (sigma, key_validation, encryption).
	ProofRejections = counterVec("encryption", "proof_rejections_total",
		"Encrypted transactions rejected by proof verification.", "stage")

	// ---- Downstream metrics ----

	// DownstreamAttempts counts outbound JSON-RPC attempts by endpoint and
	// outcome (ok, transport_error, rpc_error).
	DownstreamAttempts = counterVec("downstream", "attempts_total",
		"Outbound JSON-RPC attempts.", "endpoint", "outcome")

	// ---- RPC metrics ----

	// RPCRequests counts inbound JSON-RPC calls by method and result code.
	RPCRequests = counterVec("rpc", "requests_total",
		"Inbound JSON-RPC requests.", "method", "code")
	// RPCLatency records inbound call latency by method.
	RPCLatency = histogramVec("rpc", "latency_seconds",
		"Inbound JSON-RPC request latency.", fastBuckets, "method")
	// RPCRateLimited counts HTTP requests refused by the rate limiter.
	RPCRateLimited = counter("rpc", "rate_limited_total",
		"HTTP requests refused by the per-client rate limiter.")

	// ---- Node metrics ----

	// ServiceUp is 1 while the named node service is running.
	ServiceUp = gaugeVec("node", "service_up", "Whether a node service is running.", "service")
	// ServiceStartDuration records how long each node service took to start.
	ServiceStartDuration = histogramVec("node", "service_start_seconds",
		"Node service start time.", slowBuckets, "service")

	// ---- Parameter metrics ----

	// ParamSetupRuns counts setup routines actually executed, by artifact.
	// Loading from disk does not count.
	ParamSetupRuns = counterVec("params", "setup_runs_total",
		"Cryptographic parameter setup routines executed.", "artifact")
	// ParamsReady is 1 once the parameter store has been initialised.
	ParamsReady = gauge("params", "ready", "Whether cryptographic parameters are loaded.")
)

// Since observes the time elapsed since start on h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
