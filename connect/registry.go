package connect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kervalen/stallkeep/browser"
)

// Attempt is one live headed login: a visible browser page waiting for a
// human to finish authenticating.
type Attempt struct {
	ID        string
	AccountID string
	Platform  string
	Page      browser.Page
	StartedAt time.Time
}

// Registry tracks live connect attempts with a hard idle TTL. It is
// injected into the Service so tests and multiple services never share
// hidden global state.
type Registry struct {
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// DefaultAttemptTTL is how long a human gets to finish logging in before
// the attempt is reaped and its browser closed.
const DefaultAttemptTTL = 10 * time.Minute

// NewRegistry creates a Registry. ttl <= 0 selects DefaultAttemptTTL.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{ttl: ttl, logger: logger, attempts: make(map[string]*Attempt)}
}

// Put stores a live attempt.
func (r *Registry) Put(a *Attempt) {
	r.mu.Lock()
	r.attempts[a.ID] = a
	r.mu.Unlock()
}

// Get returns a live attempt, or nil.
func (r *Registry) Get(id string) *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[id]
}

// Remove detaches an attempt from the registry and returns it, or nil. The
// caller takes over the page's lifecycle.
func (r *Registry) Remove(id string) *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[id]
	delete(r.attempts, id)
	return a
}

// Len returns the number of live attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// sweep removes attempts older than the TTL and closes their pages.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var stale []*Attempt
	for id, a := range r.attempts {
		if now.Sub(a.StartedAt) > r.ttl {
			stale = append(stale, a)
			delete(r.attempts, id)
		}
	}
	r.mu.Unlock()

	for _, a := range stale {
		r.logger.Info("connect: reaping abandoned attempt",
			"id", a.ID, "account", a.AccountID, "platform", a.Platform,
			"age", now.Sub(a.StartedAt))
		if a.Page != nil {
			if err := a.Page.Close(); err != nil {
				r.logger.Warn("connect: close abandoned page failed", "id", a.ID, "error", err)
			}
		}
	}
}

// Run sweeps periodically until ctx is cancelled, then closes every
// remaining attempt so no Chrome outlives the daemon.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	attempts := r.attempts
	r.attempts = make(map[string]*Attempt)
	r.mu.Unlock()

	for _, a := range attempts {
		if a.Page != nil {
			a.Page.Close()
		}
	}
}
