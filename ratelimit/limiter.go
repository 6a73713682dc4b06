// ABOUTME: Token bucket admission control for inbound requests.
// ABOUTME: Wraps golang.org/x/time/rate with counters and runtime reconfiguration.

// Package ratelimit gates request admission with a token bucket. The
// limiter starts disabled and admits everything until Configure sets a
// budget of requests per window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the initial limiter settings. A zero Config leaves the
// limiter disabled.
type Config struct {
	// MaxRequests is the bucket capacity and the number of tokens
	// replenished per Window.
	MaxRequests int

	// Window is the replenishment period.
	Window time.Duration
}

// Stats is a point-in-time snapshot of admission counters.
type Stats struct {
	Enabled     bool   `json:"enabled"`
	MaxRequests int    `json:"maxRequests"`
	WindowMs    int64  `json:"windowMs"`
	Allowed     uint64 `json:"allowed"`
	Denied      uint64 `json:"denied"`
}

// Limiter admits or rejects requests against a token bucket.
type Limiter struct {
	mu          sync.Mutex
	enabled     bool
	maxRequests int
	window      time.Duration
	bucket      *rate.Limiter
	allowed     uint64
	denied      uint64

	now func() time.Time
}

// New creates a limiter. With a zero config it stays disabled until
// Configure is called.
func New(cfg Config) *Limiter {
	l := &Limiter{now: time.Now}
	if cfg.MaxRequests > 0 && cfg.Window > 0 {
		l.configureLocked(cfg.MaxRequests, cfg.Window)
	}
	return l
}

// Configure sets the budget and enables the limiter. The bucket starts
// full. Non-positive arguments disable limiting instead.
func (l *Limiter) Configure(maxRequests int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if maxRequests <= 0 || window <= 0 {
		l.disableLocked()
		return
	}
	l.configureLocked(maxRequests, window)
}

func (l *Limiter) configureLocked(maxRequests int, window time.Duration) {
	l.enabled = true
	l.maxRequests = maxRequests
	l.window = window
	l.bucket = rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests)
}

// Disable turns limiting off; every request is admitted again.
func (l *Limiter) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disableLocked()
}

func (l *Limiter) disableLocked() {
	l.enabled = false
	l.maxRequests = 0
	l.window = 0
	l.bucket = nil
}

// Enabled reports whether a budget is in force.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Allow consumes one token and reports whether the request may
// proceed. While disabled it always admits without counting.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return true
	}
	if l.bucket.AllowN(l.now(), 1) {
		l.allowed++
		return true
	}
	l.denied++
	return false
}

// Reset refills the bucket and zeroes the counters. The configured
// budget is kept.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowed = 0
	l.denied = 0
	if l.enabled {
		l.bucket = rate.NewLimiter(rate.Every(l.window/time.Duration(l.maxRequests)), l.maxRequests)
	}
}

// Stats snapshots the limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Enabled:     l.enabled,
		MaxRequests: l.maxRequests,
		WindowMs:    l.window.Milliseconds(),
		Allowed:     l.allowed,
		Denied:      l.denied,
	}
}
