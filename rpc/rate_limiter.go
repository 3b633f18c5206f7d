package rpc

import (
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/radiusxyz/secure-rpc/metrics"
)

// RateLimitConfig configures per-client request limiting. A zero RPS
// disables limiting.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`

	// TrustedProxies lists the IPs or CIDR prefixes whose forwarding
	// headers name the real client. Other peers are keyed by their own
	// address.
	TrustedProxies []string `toml:"trusted_proxies"`

	// IdleTTL is how long an idle client's bucket is kept.
	IdleTTL time.Duration `toml:"-"`
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RPS: 50, Burst: 100, IdleTTL: 5 * time.Minute}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP. All methods are safe
// for concurrent use.
type RateLimiter struct {
	config  RateLimitConfig
	trusted []netip.Prefix
	now     func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time

	allowed, denied uint64
}

// NewRateLimiter creates a limiter for config. It fails on a malformed
// trusted proxy entry.
func NewRateLimiter(config RateLimitConfig) (*RateLimiter, error) {
	trusted, err := ParseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &RateLimiter{
		config:  config,
		trusted: trusted,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}, nil
}

// Enabled reports whether the limiter refuses anything at all.
func (rl *RateLimiter) Enabled() bool { return rl.config.RPS > 0 }

// Allow consumes one token from client's bucket.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.Enabled() {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.config.IdleTTL {
		rl.sweepLocked(now)
	}
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.config.RPS), rl.config.Burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	if c.limiter.AllowN(now, 1) {
		rl.allowed++
		return true
	}
	rl.denied++
	return false
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.config.IdleTTL {
			delete(rl.clients, ip)
		}
	}
	rl.lastSweep = now
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stats returns the number of allowed and denied requests so far.
func (rl *RateLimiter) Stats() (allowed, denied uint64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.allowed, rl.denied
}

// Middleware refuses requests over the client's limit with 429.
func (rl *RateLimiter) Middleware() HTTPMiddleware {
	return func(next http.Handler) http.Handler {
		if !rl.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(extractClientIP(r, rl.trusted)) {
				metrics.RPCRateLimited.Inc()
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
