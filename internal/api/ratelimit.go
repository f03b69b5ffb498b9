package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/ellie/internal/apierror"
	"github.com/MrWong99/ellie/internal/observe"
)

// Rate limit defaults: 100 requests per client per minute.
const (
	DefaultRateLimitRequests   = 100
	DefaultRateLimitWindow     = time.Minute
	DefaultRateLimitMaxClients = 10_000
)

// clientIdleTTL is how long an unused client bucket is kept.
const clientIdleTTL = 30 * time.Minute

// RateLimitConfig configures [NewRateLimiter].
type RateLimitConfig struct {
	// Requests is the number of requests a client may make per Window. It is
	// also the burst size.
	Requests int
	Window   time.Duration

	// MaxClients bounds the number of tracked clients. Idle clients are
	// evicted first.
	MaxClients int

	// TrustForwardedFor keys clients by the first X-Forwarded-For address
	// instead of the connection's remote address. Enable it only behind a
	// proxy that sets the header.
	TrustForwardedFor bool
}

// RateLimiter applies a per-client token bucket to the voice endpoints.
type RateLimiter struct {
	cfg   RateLimitConfig
	limit rate.Limit
	log   *slog.Logger
	debug bool
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimitOption configures a [RateLimiter].
type RateLimitOption func(*RateLimiter)

// WithRateLimitLogger sets the logger used for rejected requests.
func WithRateLimitLogger(l *slog.Logger) RateLimitOption {
	return func(rl *RateLimiter) {
		if l != nil {
			rl.log = l
		}
	}
}

// WithRateLimitDebug includes internal error text in envelopes.
func WithRateLimitDebug(on bool) RateLimitOption {
	return func(rl *RateLimiter) { rl.debug = on }
}

// NewRateLimiter returns a limiter for cfg. Zero fields take the defaults.
func NewRateLimiter(cfg RateLimitConfig, opts ...RateLimitOption) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultRateLimitRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimitWindow
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitMaxClients
	}
	rl := &RateLimiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		log:     slog.Default(),
		now:     time.Now,
		clients: make(map[string]*client),
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// errRateLimited is the envelope for a rejected request.
var errRateLimited = apierror.New(apierror.CodeRateLimited, "You're sending requests too quickly. Please wait a moment and try again.")

// Middleware rejects requests over the client's budget with 429 and a
// Retry-After header. A nil limiter passes every request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.clientKey(r)
		wait, ok := rl.allow(key)
		if !ok {
			reqID := observe.RequestID(r.Context())
			rl.log.Warn("api: rate limit exceeded",
				"request_id", reqID,
				"client", key,
				"path", r.URL.Path,
				"retry_after", wait,
			)
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			apierror.Write(w, errRateLimited.WithDetail("retry_after", wait), reqID, rl.debug)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow takes one token from key's bucket. When the bucket is empty it
// returns the whole seconds until a token is available.
func (rl *RateLimiter) allow(key string) (retryAfter int, ok bool) {
	now := rl.now()
	lim := rl.bucket(key, now)

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return int(math.Ceil(rl.cfg.Window.Seconds())), false
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0, true
	}
	res.CancelAt(now)
	return max(1, int(math.Ceil(delay.Seconds()))), false
}

func (rl *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if c, ok := rl.clients[key]; ok {
		c.lastSeen = now
		return c.lim
	}
	if len(rl.clients) >= rl.cfg.MaxClients {
		rl.evictLocked(now)
	}
	c := &client{
		lim:      rate.NewLimiter(rl.limit, rl.cfg.Requests),
		lastSeen: now,
	}
	rl.clients[key] = c
	return c.lim
}

// evictLocked drops idle clients, and the least recently seen one if the
// map is still full.
func (rl *RateLimiter) evictLocked(now time.Time) {
	var (
		oldest     string
		oldestSeen time.Time
	)
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > clientIdleTTL {
			delete(rl.clients, k)
			continue
		}
		if oldest == "" || c.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = k, c.lastSeen
		}
	}
	if len(rl.clients) >= rl.cfg.MaxClients && oldest != "" {
		delete(rl.clients, oldest)
	}
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) clientKey(r *http.Request) string {
	if rl.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
