// Package terminator ends a session that can no longer be recovered.
//
// It is the single sink for forced logouts: the refresh coordinator calls it
// when its breaker trips, the realtime manager when a renewal is rejected,
// and the session when the user logs out. Only the first call per login has
// any effect.
package terminator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonCircuitOpen        Reason = "circuit_open"
	ReasonRefreshRejected    Reason = "refresh_rejected"
	ReasonRefreshFailed      Reason = "refresh_failed"
	ReasonCredentialsCleared Reason = "credentials_cleared"
	ReasonLogout             Reason = "logout"
)

// Option configures a Terminator.
type Option func(*Terminator)

func WithLogger(l *slog.Logger) Option {
	return func(t *Terminator) { t.logger = slogx.Or(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Terminator) { t.metrics = m }
}

type Terminator struct {
	store   credstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	fired     bool
	reason    Reason
	done      chan struct{}
	nextID    int
	listeners map[int]func(Reason)
}

func New(store credstore.Store, opts ...Option) *Terminator {
	t := &Terminator{
		store:     store,
		logger:    slog.Default(),
		done:      make(chan struct{}),
		listeners: make(map[int]func(Reason)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnTerminate registers fn to be called, on its own goroutine, each time the
// session is terminated. Listeners survive Rearm.
func (t *Terminator) OnTerminate(fn func(Reason)) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners[id] = fn

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Terminate clears the credential store and signals listeners. It reports
// whether this call was the one that ended the session; later calls are
// no-ops until Rearm.
func (t *Terminator) Terminate(ctx context.Context, reason Reason) bool {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.reason = reason
	done := t.done
	fns := make([]func(Reason), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	t.logger.Warn("session_terminated", "reason", reason)
	t.metrics.Terminated(string(reason))

	// Detached so a cancelled caller still wipes the credentials.
	if err := t.store.Clear(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error("credential_clear_failed", "reason", reason, "err", err)
	}

	close(done)
	for _, fn := range fns {
		go fn(reason)
	}
	return true
}

// Done is closed when the current session is terminated.
func (t *Terminator) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Reason returns why the session ended and whether it has.
func (t *Terminator) Reason() (Reason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.fired
}

// Rearm readies the Terminator for a new login. Channels returned by Done
// before the call stay closed.
func (t *Terminator) Rearm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.fired {
		return
	}
	t.fired = false
	t.reason = ""
	t.done = make(chan struct{})
}
