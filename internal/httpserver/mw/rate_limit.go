package mw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/MrSnakeDoc/cutover/internal/utils"
)

type RateLimitConfig struct {
	Limit         int           // requests allowed per client IP per window
	Window        time.Duration // ex: time.Minute
	SweepInterval time.Duration // how often expired windows are dropped
	TrustProxy    bool          // resolve IP from proxy headers when true
	Clock         clock.PassiveClock
}

// window counts one client's requests until resetAt.
type window struct {
	count   int
	resetAt time.Time
}

type limiter struct {
	cfg       RateLimitConfig
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.Limit < 1 {
		cfg.Limit = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * cfg.Window
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &limiter{
		cfg:       cfg,
		windows:   make(map[string]*window, 256),
		lastSweep: cfg.Clock.Now(),
	}
}

// allow counts the request and reports whether it fits in the current window.
func (l *limiter) allow(key string, now time.Time) (ok bool, remaining int, resetIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.SweepInterval {
		for k, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}

	w := l.windows[key]
	if w == nil || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows[key] = w
	}
	w.count++

	resetIn = w.resetAt.Sub(now)
	if w.count > l.cfg.Limit {
		return false, 0, resetIn
	}
	return true, l.cfg.Limit - w.count, resetIn
}

// RateLimit rejects clients exceeding Limit requests per Window with 429.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	l := newLimiter(cfg)
	limitStr := strconv.Itoa(l.cfg.Limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := utils.ClientIP(r, l.cfg.TrustProxy)
			ok, remaining, resetIn := l.allow(key, l.cfg.Clock.Now())

			w.Header().Set("X-RateLimit-Limit", limitStr)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				secs := int(resetIn.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
