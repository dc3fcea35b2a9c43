// Package refresh renews the session's token pair.
//
// A Coordinator guarantees that at most one renewal is in flight at any
// moment. Every concurrent caller joins the same attempt and receives its
// result. Consecutive failures are counted and trip a breaker that ends the
// session through the Terminator.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
	"golang.org/x/sync/singleflight"
)

const attemptKey = "refresh"

// Renewer exchanges a refresh token for a new pair.
type Renewer interface {
	Renew(ctx context.Context, refreshToken string) (credstore.TokenPair, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, refreshToken string) (credstore.TokenPair, error)

func (f RenewerFunc) Renew(ctx context.Context, refreshToken string) (credstore.TokenPair, error) {
	return f(ctx, refreshToken)
}

// Terminator is the part of *terminator.Terminator the coordinator uses.
type Terminator interface {
	Terminate(ctx context.Context, reason terminator.Reason) bool
}

type Config struct {
	// MaxFailures consecutive failures trip the breaker.
	MaxFailures int
	// Cooldown is the minimum gap between the end of one attempt and the
	// start of the next.
	Cooldown time.Duration
	// Timeout bounds a single renewal call.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		Cooldown:    time.Second,
		Timeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = slogx.Or(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	store   credstore.Store
	renewer Renewer
	term    Terminator
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	group   singleflight.Group
	waiting atomic.Int32

	mu         sync.Mutex
	active     bool
	failures   int
	tripped    bool
	terminated bool
	lastDone   time.Time
	// epoch advances whenever the store is cleared or a login resets the
	// coordinator. A renewal started in an older epoch must not write.
	epoch uint64
}

// New creates a Coordinator. term may be nil, in which case a tripped
// breaker only stops renewals.
func New(store credstore.Store, renewer Renewer, term Terminator, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		renewer: renewer,
		term:    term,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	store.Subscribe(func(ch credstore.Change) {
		if ch.Cleared {
			c.advance()
		}
	})
	return c
}

func (c *Coordinator) advance() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Refresh renews the stored pair, or joins the renewal already in flight.
// A caller whose ctx ends stops waiting; the attempt itself carries on for
// everyone else.
func (c *Coordinator) Refresh(ctx context.Context) (credstore.TokenPair, error) {
	if c.Tripped() {
		c.terminate()
		c.metrics.RefreshOutcome(metrics.RefreshCircuitOpen)
		return credstore.TokenPair{}, ErrCircuitOpen
	}

	c.mu.Lock()
	joined := c.active
	c.mu.Unlock()
	if joined {
		c.metrics.RefreshJoined()
	}

	ch := c.group.DoChan(attemptKey, c.attempt)
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	select {
	case res := <-ch:
		pair, _ := res.Val.(credstore.TokenPair)
		return pair, res.Err
	case <-ctx.Done():
		return credstore.TokenPair{}, ctx.Err()
	}
}

// attempt is the body of the shared call slot. Breaker and cooldown checks
// happen here so they are serialized with the attempt itself.
func (c *Coordinator) attempt() (any, error) {
	c.mu.Lock()
	if c.tripped {
		c.mu.Unlock()
		c.terminate()
		c.metrics.RefreshOutcome(metrics.RefreshCircuitOpen)
		return credstore.TokenPair{}, ErrCircuitOpen
	}
	if !c.lastDone.IsZero() && c.now().Sub(c.lastDone) < c.cfg.Cooldown {
		c.mu.Unlock()
		c.metrics.RefreshOutcome(metrics.RefreshTooSoon)
		return credstore.TokenPair{}, ErrTooSoon
	}
	c.active = true
	epoch := c.epoch
	c.mu.Unlock()

	pair, err := c.renew(epoch)

	c.mu.Lock()
	c.active = false
	if errors.Is(err, ErrNoCredentials) {
		c.mu.Unlock()
		return credstore.TokenPair{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	c.lastDone = c.now()

	if err == nil {
		c.failures = 0
		c.mu.Unlock()
		c.metrics.RefreshOutcome(metrics.RefreshSuccess)
		c.logger.Info("token_refreshed")
		return pair, nil
	}

	c.failures++
	failures := c.failures
	trip := failures >= c.cfg.MaxFailures
	if trip {
		c.tripped = true
	}
	c.mu.Unlock()

	c.metrics.RefreshOutcome(metrics.RefreshFailure)
	c.logger.Warn("token_refresh_failed", "failures", failures, "max_failures", c.cfg.MaxFailures, "err", err)

	if trip {
		c.metrics.BreakerOpen(true)
		c.logger.Error("refresh_breaker_tripped", "failures", failures)
		c.terminate()
	}
	return credstore.TokenPair{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}

// renew performs the network exchange under its own deadline, detached from
// any single caller. The result is dropped if the session ended while the
// exchange ran.
func (c *Coordinator) renew(epoch uint64) (credstore.TokenPair, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	current, err := c.store.Get(ctx)
	if errors.Is(err, credstore.ErrNotFound) || (err == nil && current.Refresh == "") {
		return credstore.TokenPair{}, ErrNoCredentials
	}
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("read credentials: %w", err)
	}

	pair, err := c.renewer.Renew(ctx, current.Refresh)
	if err != nil {
		return credstore.TokenPair{}, err
	}
	if c.currentEpoch() != epoch {
		c.logger.Info("token_refresh_discarded", "cause", "credentials cleared during renewal")
		return credstore.TokenPair{}, errClearedDuringRenewal
	}
	if err := c.store.Set(ctx, pair); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("store renewed credentials: %w", err)
	}
	// A clear that landed between the check and Set is undone here, unless a
	// new login has already replaced the pair.
	if c.currentEpoch() != epoch {
		if stored, err := c.store.Get(ctx); err == nil && stored == pair {
			if err := c.store.Clear(ctx); err != nil {
				c.logger.Error("token_refresh_discard_failed", "err", err)
			}
		}
		return credstore.TokenPair{}, errClearedDuringRenewal
	}
	return pair, nil
}

func (c *Coordinator) terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()

	if c.term != nil {
		c.term.Terminate(context.Background(), terminator.ReasonCircuitOpen)
	}
}

// Reset clears the failure count and the breaker. Only a new login calls it.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.failures = 0
	c.tripped = false
	c.terminated = false
	c.lastDone = time.Time{}
	c.epoch++
	c.mu.Unlock()

	c.metrics.BreakerOpen(false)
}

// Tripped reports whether the breaker is open.
func (c *Coordinator) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped
}

// Failures returns the current consecutive failure count.
func (c *Coordinator) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Waiting returns how many callers are blocked in Refresh.
func (c *Coordinator) Waiting() int {
	return int(c.waiting.Load())
}
