package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry tracks a single key's limiter and last activity
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook fired for this entry
	// resets when the entry is evicted and re-created
	logged bool
}

// KeyLimiter holds per-key rate limiters with background eviction
type KeyLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	// rate controls: events per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle key stays in the map before cleanup evicts it
	ttl time.Duration

	// maxKeys bounds the map. New keys past the bound are allowed untracked.
	// Zero disables the bound.
	maxKeys       int
	capacityFired bool

	// OnFirstDenied is called once per tracked key when it first gets limited
	OnFirstDenied func(key string)

	// OnDenied is called on every denial
	OnDenied func(key string)

	// OnCapacity is called once when maxKeys is first reached
	OnCapacity func()
}

type Option func(*KeyLimiter)

// WithRate sets the bucket size and the refill rate.
// WithRate(1, 5) allows 5 events at once, then refills at one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *KeyLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle key stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(l *KeyLimiter) {
		l.ttl = d
	}
}

// WithMaxKeys bounds the number of tracked keys, 0 disables the bound
func WithMaxKeys(n int) Option {
	return func(l *KeyLimiter) {
		l.maxKeys = n
	}
}

// WithOnFirstDenied sets a callback for the first denial per key, used for logging
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *KeyLimiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denial, used for counters
func WithOnDenied(fn func(key string)) Option {
	return func(l *KeyLimiter) {
		l.OnDenied = fn
	}
}

// WithOnCapacity sets a callback fired once when the key bound is first hit
func WithOnCapacity(fn func()) Option {
	return func(l *KeyLimiter) {
		l.OnCapacity = fn
	}
}

// New creates a KeyLimiter and starts the background cleanup goroutine,
// which stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *KeyLimiter {
	l := &KeyLimiter{
		entries:   make(map[string]*entry),
		perSecond: 1,
		burst:     5,
		ttl:       10 * time.Minute,
		maxKeys:   10000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether key is within its rate limit, consuming a token if so.
func (l *KeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, exists := l.entries[key]
	if !exists {
		if l.maxKeys > 0 && len(l.entries) >= l.maxKeys {
			fire := !l.capacityFired
			l.capacityFired = true
			l.mu.Unlock()
			if fire && l.OnCapacity != nil {
				l.OnCapacity()
			}
			return true
		}
		e = &entry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	allowed := e.limiter.Allow()

	first := !allowed && !e.logged
	if first {
		e.logged = true
	}
	// hooks run unlocked, they may log or touch metrics
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	return false
}

// Len returns the number of tracked keys.
func (l *KeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// cleanup periodically evicts keys that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (l *KeyLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for k, e := range l.entries {
				if now.Sub(e.lastSeen) > l.ttl {
					delete(l.entries, k)
				}
			}
			if l.maxKeys > 0 && len(l.entries) < l.maxKeys {
				l.capacityFired = false
			}
			l.mu.Unlock()
		}
	}
}
