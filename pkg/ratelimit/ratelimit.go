// Package ratelimit implements an in-memory sliding-window limiter.
//
// State is per-process by design: running multiple replicas loses global
// quota accuracy. The Allow/AllowN contract is kept store-agnostic so a
// shared counter service could replace the map without touching callers.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Window is the trailing duration the tiered quotas apply to.
const Window = time.Hour

const sweepInterval = 5 * time.Minute

var tierLimits = map[Tier]int{
	TierFree:       10,
	TierPro:        30,
	TierEnterprise: 200,
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the whole seconds until the oldest in-window request
	// expires. Set only on rejection, minimum 1.
	RetryAfter int
	// Reset is the unix time at which a slot frees up. Set only on rejection.
	Reset int64
}

// Limiter tracks request timestamps per identity key over a trailing window.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	limits   map[Tier]int
	fallback int
	entries  map[string][]time.Time

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// New builds a limiter with explicit per-tier quotas over the given window.
// Unknown tiers fall back to the fallback quota. A background sweep removes
// empty identity entries every few minutes to bound memory.
func New(window time.Duration, limits map[Tier]int, fallback int) *Limiter {
	l := &Limiter{
		window:   window,
		limits:   limits,
		fallback: fallback,
		entries:  make(map[string][]time.Time),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// NewTiered builds the hourly tier-quota limiter used for authenticated
// API traffic (free 10/h, pro 30/h, enterprise 200/h).
func NewTiered() *Limiter {
	return New(Window, tierLimits, tierLimits[TierFree])
}

// NewFixed builds a single-quota limiter, used with synthesized ip:<addr>
// keys to bound unauthenticated callers.
func NewFixed(limit int, window time.Duration) *Limiter {
	return New(window, nil, limit)
}

// Allow consumes one quota slot for key if the tier's limit permits it.
func (l *Limiter) Allow(key string, tier Tier) Decision {
	return l.AllowN(key, tier, 1)
}

// AllowN atomically consumes n slots, or none at all: a batch that would
// exceed the quota leaves no trace observable on retry.
func (l *Limiter) AllowN(key string, tier Tier, n int) Decision {
	limit := l.limitFor(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	timestamps := pruneBefore(l.entries[key], cutoff)

	if len(timestamps)+n > limit {
		retryAfter := int(l.window / time.Second)
		reset := now.Add(l.window).Unix()
		if len(timestamps) > 0 {
			expiry := timestamps[0].Add(l.window)
			retryAfter = int(math.Ceil(expiry.Sub(now).Seconds()))
			reset = expiry.Unix()
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		if len(timestamps) > 0 {
			l.entries[key] = timestamps
		} else {
			delete(l.entries, key)
		}
		remaining := limit - len(timestamps)
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Limit: limit, Remaining: remaining, RetryAfter: retryAfter, Reset: reset}
	}

	for i := 0; i < n; i++ {
		timestamps = append(timestamps, now)
	}
	l.entries[key] = timestamps

	return Decision{Allowed: true, Limit: limit, Remaining: limit - len(timestamps)}
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) limitFor(tier Tier) int {
	if limit, ok := l.limits[tier]; ok {
		return limit
	}
	return l.fallback
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, timestamps := range l.entries {
		pruned := pruneBefore(timestamps, cutoff)
		if len(pruned) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = pruned
		}
	}
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0:len(timestamps)]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
