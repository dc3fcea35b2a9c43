package pipeline

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the outbound throttle.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// DefaultOutboundLimit keeps a misbehaving caller from hammering the API.
// Override with RATELIMIT_OUTBOUND_REQUESTS, RATELIMIT_OUTBOUND_WINDOW_SEC,
// RATELIMIT_OUTBOUND_BURST.
var DefaultOutboundLimit = RateLimitConfig{
	RequestsPerWindow: 600,
	Window:            time.Minute,
	Burst:             50,
}

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: RATELIMIT_{prefix}_{field}
// For example: RATELIMIT_OUTBOUND_REQUESTS, RATELIMIT_OUTBOUND_WINDOW_SEC, RATELIMIT_OUTBOUND_BURST
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv("RATELIMIT_" + prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// hostLimiter keeps one token bucket per upstream host.
type hostLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	lastCleanup time.Time
}

func newHostLimiter(config RateLimitConfig) *hostLimiter {
	ratePerSecond := float64(config.RequestsPerWindow) / config.Window.Seconds()
	return &hostLimiter{
		rate:        rate.Limit(ratePerSecond),
		burst:       max(config.Burst, 1),
		lastCleanup: time.Now(),
	}
}

// Wait blocks until req's host has a token or ctx ends.
func (hl *hostLimiter) Wait(ctx context.Context, req *http.Request) error {
	return hl.get(req.URL.Host).Wait(ctx)
}

func (hl *hostLimiter) get(host string) *rate.Limiter {
	if limiter, ok := hl.limiters.Load(host); ok {
		return limiter.(*rate.Limiter)
	}

	limiter := rate.NewLimiter(hl.rate, hl.burst)
	actual, _ := hl.limiters.LoadOrStore(host, limiter)

	hl.maybeCleanup()

	return actual.(*rate.Limiter)
}

// maybeCleanup drops buckets that have refilled completely, which means the
// host has been idle.
func (hl *hostLimiter) maybeCleanup() {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	if time.Since(hl.lastCleanup) < 5*time.Minute {
		return
	}
	hl.lastCleanup = time.Now()

	hl.limiters.Range(func(key, value any) bool {
		if value.(*rate.Limiter).Tokens() >= float64(hl.burst) {
			hl.limiters.Delete(key)
		}
		return true
	})
}
