package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
)

// Limiter throttles dispatch attempts so a run does not trip volumetric
// protections on the WAF under test. A nil *Limiter never blocks.
type Limiter struct {
	limiter        *rate.Limiter
	requestDelay   time.Duration
	burstSize      int
	lastRequestMap map[string]time.Time
	mu             sync.Mutex
}

// Config contains rate limiting configuration
type Config struct {
	// RequestsPerSecond limits the number of attempts per second across all WAFs
	RequestsPerSecond float64

	// BurstSize allows brief bursts above the rate limit
	BurstSize int

	// MinDelay is the minimum delay between attempts to the same host
	MinDelay time.Duration
}

// FromSettings returns nil when throttling is disabled.
func FromSettings(cfg config.RateLimitConfig) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return NewLimiter(Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         burst,
		MinDelay:          cfg.MinDelay,
	})
}

// NewLimiter creates a new rate limiter with the given configuration
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		requestDelay:   cfg.MinDelay,
		burstSize:      cfg.BurstSize,
		lastRequestMap: make(map[string]time.Time),
	}
}

// Wait blocks until the rate limiter allows the request
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// WaitForHost waits for the global limit, then enforces MinDelay between
// attempts to the same host.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.requestDelay <= 0 {
		return nil
	}

	// Reserve the next slot for host, then wait outside the lock so other
	// hosts are not held up.
	l.mu.Lock()
	now := time.Now()
	slot := now
	if lastReq, exists := l.lastRequestMap[host]; exists {
		if next := lastReq.Add(l.requestDelay); next.After(slot) {
			slot = next
		}
	}
	l.lastRequestMap[host] = slot
	l.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns current rate limiter statistics
func (l *Limiter) GetStats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.lastRequestMap),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}

// Stats contains rate limiter statistics
type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}
