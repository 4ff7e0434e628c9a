package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
)

func TestFromSettings_Disabled(t *testing.T) {
	limiter := FromSettings(config.RateLimitConfig{RequestsPerSecond: 0, BurstSize: 5})
	if limiter != nil {
		t.Fatal("FromSettings() with zero rate should return nil")
	}

	// A nil limiter never blocks.
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := limiter.WaitForHost(context.Background(), "w.test"); err != nil {
			t.Fatalf("WaitForHost() on nil limiter error = %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("nil limiter blocked for %v", time.Since(start))
	}
	if stats := limiter.GetStats(); stats.TrackedHosts != 0 {
		t.Errorf("nil limiter stats = %+v", stats)
	}
}

func TestFromSettings_Enabled(t *testing.T) {
	limiter := FromSettings(config.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 0, MinDelay: 5 * time.Millisecond})
	if limiter == nil {
		t.Fatal("FromSettings() should return a limiter")
	}

	stats := limiter.GetStats()
	if stats.BurstSize != 1 {
		t.Errorf("stats.BurstSize = %v, want 1", stats.BurstSize)
	}
	if stats.RequestDelay != 5*time.Millisecond {
		t.Errorf("stats.RequestDelay = %v, want 5ms", stats.RequestDelay)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 10.0,
		BurstSize:         2,
		MinDelay:          10 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if duration := time.Since(start); duration > 50*time.Millisecond {
		t.Errorf("Burst requests took too long: %v", duration)
	}

	// Third request should be rate limited (~100ms at 10 req/s)
	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if duration := time.Since(start); duration < 50*time.Millisecond {
		t.Errorf("Rate limiter did not delay enough: %v", duration)
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	cfg := Config{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinDelay:          50 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	if err := limiter.WaitForHost(ctx, "w.test"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}

	start := time.Now()
	if err := limiter.WaitForHost(ctx, "w.test"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if duration := time.Since(start); duration < cfg.MinDelay-5*time.Millisecond {
		t.Errorf("Per-host rate limit did not enforce min delay: %v < %v", duration, cfg.MinDelay)
	}
}

func TestLimiter_WaitForHost_DifferentHosts(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinDelay:          100 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"a.test", "b.test", "c.test"} {
		if err := limiter.WaitForHost(ctx, host); err != nil {
			t.Fatalf("WaitForHost(%s) error = %v", host, err)
		}
	}
	if duration := time.Since(start); duration > 50*time.Millisecond {
		t.Errorf("Different hosts took too long: %v", duration)
	}

	if stats := limiter.GetStats(); stats.TrackedHosts != 3 {
		t.Errorf("stats.TrackedHosts = %v, want 3", stats.TrackedHosts)
	}
}

func TestLimiter_WaitForHost_DoesNotBlockOtherHosts(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 1000.0,
		BurstSize:         10,
		MinDelay:          300 * time.Millisecond,
	})
	ctx := context.Background()

	if err := limiter.WaitForHost(ctx, "slow.test"); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}

	waiting := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(waiting)
		done <- limiter.WaitForHost(ctx, "slow.test")
	}()
	<-waiting
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if err := limiter.WaitForHost(ctx, "fast.test"); err != nil {
		t.Fatalf("WaitForHost(fast.test) error = %v", err)
	}
	if duration := time.Since(start); duration > 100*time.Millisecond {
		t.Errorf("other host waited behind slow.test: %v", duration)
	}

	if err := <-done; err != nil {
		t.Fatalf("WaitForHost(slow.test) error = %v", err)
	}
}

func TestLimiter_WaitForHost_QueuesSameHost(t *testing.T) {
	delay := 40 * time.Millisecond
	limiter := NewLimiter(Config{
		RequestsPerSecond: 1000.0,
		BurstSize:         10,
		MinDelay:          delay,
	})
	ctx := context.Background()

	start := time.Now()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { errs <- limiter.WaitForHost(ctx, "w.test") }()
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("WaitForHost() error = %v", err)
		}
	}
	if duration := time.Since(start); duration < 2*delay-5*time.Millisecond {
		t.Errorf("three attempts to one host finished in %v, want >= %v", duration, 2*delay)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(Config{
		RequestsPerSecond: 1.0,
		BurstSize:         1,
	})

	limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}
