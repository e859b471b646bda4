package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-key token bucket limiter.
type RateLimitConfig struct {
	// Max is the bucket size: requests allowed in a burst, refilled evenly
	// over Window.
	Max    int
	Window time.Duration
	// KeyFunc extracts the limit key. If nil, the client IP is used.
	KeyFunc func(*http.Request) string
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	cfg      RateLimitConfig
	now      func() time.Time
	mu       sync.Mutex
	visitors map[string]*visitor
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	cfg.Max = max(1, cfg.Max)
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &rateLimiter{
		cfg:      cfg,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// allow consumes a token for key. When denied, wait is how long until a
// token is available.
func (rl *rateLimiter) allow(key string) (remaining int, wait time.Duration, ok bool) {
	now := rl.now()

	rl.mu.Lock()
	v, found := rl.visitors[key]
	if !found {
		every := rl.cfg.Window / time.Duration(rl.cfg.Max)
		v = &visitor{lim: rate.NewLimiter(rate.Every(every), rl.cfg.Max)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	r := v.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return 0, delay, false
	}
	return max(0, int(v.lim.TokensAt(now))), 0, true
}

// evict drops visitors idle for longer than a window; their buckets are full
// again by then.
func (rl *rateLimiter) evict() {
	cutoff := rl.now().Add(-rl.cfg.Window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}

// RateLimit limits requests per key and answers 429 with Retry-After when
// the bucket is empty. Responses carry X-RateLimit-Limit and
// X-RateLimit-Remaining.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newRateLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle keys
// every window until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	go func() {
		ticker := time.NewTicker(rl.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evict()
			}
		}
	}()
	return rl.middleware
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := rl.allow(rl.cfg.KeyFunc(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Max))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PathSegmentKey keys requests by the path segment following prefix, e.g.
// the account ID in /api/accounts/{id}/orders, and falls back to ClientIP.
func PathSegmentKey(prefix string) func(*http.Request) string {
	return func(r *http.Request) string {
		rest, ok := strings.CutPrefix(r.URL.Path, prefix)
		if !ok {
			return ClientIP(r)
		}
		seg, _, _ := strings.Cut(rest, "/")
		if seg == "" {
			return ClientIP(r)
		}
		return prefix + seg
	}
}
