package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// securityHeaders sets the response headers appropriate for a JSON API that
// is never rendered by a browser.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type rlBucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window per-IP limiter. Scrape runs are slow and
// browser-bound, so the window exists to stop accidental client loops, not
// to meter real traffic.
type rateLimiter struct {
	limit   int
	window  time.Duration
	buckets sync.Map

	gcMu   sync.Mutex
	lastGC time.Time

	now func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window, now: time.Now}
}

func (rl *rateLimiter) allow(ip string) bool {
	now := rl.now()
	val, loaded := rl.buckets.LoadOrStore(ip, &rlBucket{count: 1, resetAt: now.Add(rl.window)})
	if !loaded {
		return true
	}
	b := val.(*rlBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(rl.window)
		return true
	}
	b.count++
	return b.count <= rl.limit
}

// gc drops expired buckets so long-lived processes don't accumulate one
// entry per client IP ever seen.
func (rl *rateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*rlBucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

// maybeGC runs gc at most once per five minutes, piggybacking on request
// traffic so no background goroutine is needed.
func (rl *rateLimiter) maybeGC() {
	rl.gcMu.Lock()
	due := rl.now().Sub(rl.lastGC) > 5*time.Minute
	if due {
		rl.lastGC = rl.now()
	}
	rl.gcMu.Unlock()
	if due {
		rl.gc()
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.maybeGC()
		if rl.allow(clientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "60")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	})
}

// clientIP resolves the caller's IP, honouring the first X-Forwarded-For hop
// when a proxy sits in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
