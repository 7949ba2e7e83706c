package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"github.com/dd0wney/cluso-portal/pkg/logging"
	"github.com/dd0wney/cluso-portal/pkg/transport"
)

// RateLimitConfig configures rate limiting
type RateLimitConfig struct {
	RequestsPerSecond float64 // Rate of token replenishment
	BurstSize         int     // Maximum burst size (bucket capacity)
	MaxClients        int     // Least recently seen clients beyond this are forgotten
}

// DefaultRateLimitConfig returns defaults suited to the login route.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 5,
		BurstSize:         10,
		MaxClients:        10000,
	}
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	clients *lru.Cache // client id -> *rate.Limiter
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) (*RateLimiter, error) {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if config.RequestsPerSecond <= 0 || config.BurstSize <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %v/s burst %d", config.RequestsPerSecond, config.BurstSize)
	}
	size := config.MaxClients
	if size <= 0 {
		size = DefaultRateLimitConfig().MaxClients
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return &RateLimiter{
		config:  *config,
		clients: cache,
		now:     time.Now,
	}, nil
}

// SetClock overrides the limiter's clock.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.now = now
}

func (rl *RateLimiter) limiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.clients.Get(clientID); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	rl.clients.Add(clientID, l)
	return l
}

// Allow reports whether a request from clientID may proceed now.
func (rl *RateLimiter) Allow(clientID string) bool {
	return rl.limiter(clientID).AllowN(rl.now(), 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	return rl.clients.Len()
}

// retryAfter is the whole number of seconds until one token is available.
func (rl *RateLimiter) retryAfter() string {
	secs := math.Ceil(1 / rl.config.RequestsPerSecond)
	return strconv.Itoa(int(max(secs, 1)))
}

// ClientIDFunc is a function that extracts a client identifier from a request
type ClientIDFunc func(*http.Request) string

// RateLimit applies limiter per client. onLimited, when set, is called for
// each rejected request before the 429 is written.
func RateLimit(limiter *RateLimiter, getClientID ClientIDFunc, onLimited func(r *http.Request, clientID string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientID := getClientID(r)
			if limiter.Allow(clientID) {
				next.ServeHTTP(w, r)
				return
			}

			logging.FromContext(r.Context(), nil).Warn("rate limit exceeded",
				logging.Route(r.URL.Path),
				logging.String("client", clientID))
			if onLimited != nil {
				onLimited(r, clientID)
			}

			w.Header().Set("Retry-After", limiter.retryAfter())
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limiter.config.RequestsPerSecond, 'f', -1, 64))
			transport.RespondError(w, http.StatusTooManyRequests, "Too many requests")
		})
	}
}
