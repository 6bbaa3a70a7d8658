package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPThrottle is an ambient, request-shape-agnostic token-bucket limiter per
// client IP. It guards every endpoint against raw request flooding; it is
// independent of and runs ahead of the per-identifier failed-login
// counter, which only applies to authentication attempts.
type IPThrottle struct {
	ips    sync.Map
	config throttleConfig
	done   chan struct{}
}

type throttleConfig struct {
	rps   rate.Limit
	burst int
}

// NewIPThrottle creates a throttle allowing rps requests per second per IP,
// with the given burst.
func NewIPThrottle(rps rate.Limit, burst int) *IPThrottle {
	t := &IPThrottle{
		config: throttleConfig{rps: rps, burst: burst},
		done:   make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Close stops the background cleanup goroutine.
func (t *IPThrottle) Close() { close(t.done) }

func (t *IPThrottle) limiterFor(ip string) *rate.Limiter {
	if existing, ok := t.ips.Load(ip); ok {
		return existing.(*rate.Limiter)
	}
	fresh := rate.NewLimiter(t.config.rps, t.config.burst)
	actual, _ := t.ips.LoadOrStore(ip, fresh)
	return actual.(*rate.Limiter)
}

// Allow reports whether a request from ip may proceed.
func (t *IPThrottle) Allow(ip string) bool {
	return t.limiterFor(ip).Allow()
}

// Middleware enforces the throttle ahead of tenant resolution and every
// route handler, keyed on the request's RemoteAddr (expected to already be
// rewritten by chi's RealIP when the server sits behind a proxy).
func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(r.RemoteAddr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"status":false,"message":"Too Many Requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *IPThrottle) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.ips.Range(func(key, _ interface{}) bool {
				t.ips.Delete(key)
				return true
			})
		}
	}
}
