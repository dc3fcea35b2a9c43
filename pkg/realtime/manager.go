// Package realtime keeps one authenticated realtime connection alive.
//
// A Manager runs a single event loop that owns the connection state. Dials,
// reads and token renewals happen on their own goroutines and report back
// as events, so the loop itself never waits on the network. Ahead of token
// expiry the manager renews and swaps the connection; after an unplanned
// drop it reconnects with exponential backoff; when renewal is impossible
// it hands the session to the Terminator and stops for good.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
)

// Refresher is satisfied by *refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (credstore.TokenPair, error)
	Tripped() bool
}

// Terminator is satisfied by *terminator.Terminator.
type Terminator interface {
	Terminate(ctx context.Context, reason terminator.Reason) bool
}

type Config struct {
	// CheckInterval is how often a live connection's token is inspected.
	CheckInterval time.Duration
	// RenewThreshold is the remaining lifetime below which the token is
	// renewed and the connection swapped.
	RenewThreshold time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// Jitter is the upper bound of random delay added to each backoff.
	Jitter time.Duration
	// MaxReconnectAttempts bounds consecutive backoff reconnects before the
	// manager waits for Resume.
	MaxReconnectAttempts int
	DialTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:        60 * time.Second,
		RenewThreshold:       5 * time.Minute,
		BackoffBase:          time.Second,
		BackoffMax:           30 * time.Second,
		Jitter:               time.Second,
		MaxReconnectAttempts: 10,
		DialTimeout:          15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.RenewThreshold <= 0 {
		c.RenewThreshold = d.RenewThreshold
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = slogx.Or(l) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithHandler receives every pushed message, on the reader goroutine.
func WithHandler(fn func(Message)) Option {
	return func(m *Manager) { m.handler = fn }
}

// WithStateHook is called on every state change, from the event loop. It
// must not block.
func WithStateHook(fn func(State)) Option {
	return func(m *Manager) { m.stateHook = fn }
}

// WithClock replaces time.Now for token lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// refreshPurpose says what to do with a renewal result.
type refreshPurpose int

const (
	// purposeProactive renews a live connection's token ahead of expiry.
	purposeProactive refreshPurpose = iota
	// purposeRecover renews after the server refused the token.
	purposeRecover
)

// Loop events.
type (
	dialResult struct {
		gen     uint64
		token   string
		conn    Conn
		expired bool
		err     error
	}
	closed struct {
		gen  uint64
		kind CloseKind
		err  error
	}
	refreshed struct {
		pair credstore.TokenPair
		err  error
	}
)

type Manager struct {
	store     credstore.Store
	dialer    Dialer
	refresher Refresher
	term      Terminator
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	handler   func(Message)
	stateHook func(State)
	now       func() time.Time

	events  chan any
	cleared chan struct{}
	resume  chan struct{}
	stop    chan struct{}
	done    chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once

	mu    sync.RWMutex
	state State

	// Owned by the event loop.
	ctx            context.Context
	cancel         context.CancelFunc
	backoff        *Backoff
	gen            uint64
	conn           Conn
	lastToken      string
	attempts       int
	stalled        bool
	refreshing     bool
	refreshPurpose refreshPurpose
	retry          *time.Timer
	ticker         *time.Ticker
}

func New(store credstore.Store, dialer Dialer, refresher Refresher, term Terminator, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:     store,
		dialer:    dialer,
		refresher: refresher,
		term:      term,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		events:    make(chan any, 16),
		cleared:   make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		backoff:   NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.Jitter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "realtime")
	return m
}

// Start launches the event loop and the first connection attempt. The loop
// ends when ctx is cancelled, Stop is called, or the manager terminates.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)
		m.started.Store(true)
		go m.run()
	})
}

// Stop closes the connection and waits for the loop to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

// Resume connects a Disconnected manager, or re-arms a Reconnecting one
// that gave up after MaxReconnectAttempts. It is a no-op otherwise.
func (m *Manager) Resume() {
	select {
	case m.resume <- struct{}{}:
	default:
	}
}

// Done is closed once the event loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	m.logger.Debug("realtime_state", "from", prev, "to", s)
	m.metrics.RealtimeState(s.String(), stateNames)
	if m.stateHook != nil {
		m.stateHook(s)
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.drain()
	defer m.cancel()

	unsubscribe := m.store.Subscribe(func(c credstore.Change) {
		if !c.Cleared {
			return
		}
		select {
		case m.cleared <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	m.begin()

	for m.State() != Terminated {
		select {
		case <-m.stop:
			m.shutdown()
			return
		case <-m.ctx.Done():
			m.shutdown()
			return
		case <-m.cleared:
			m.terminate(terminator.ReasonCredentialsCleared)
		case <-m.resume:
			m.handleResume()
		case ev := <-m.events:
			m.handle(ev)
		case <-m.retryC():
			m.retry = nil
			m.dial("")
		case <-m.tickC():
			m.check()
		}
	}
}

func (m *Manager) retryC() <-chan time.Time {
	if m.retry == nil {
		return nil
	}
	return m.retry.C
}

func (m *Manager) tickC() <-chan time.Time {
	if m.ticker == nil {
		return nil
	}
	return m.ticker.C
}

// begin leaves Disconnected.
func (m *Manager) begin() {
	if m.refresher.Tripped() {
		m.terminate(terminator.ReasonCircuitOpen)
		return
	}
	m.dial("")
}

func (m *Manager) handleResume() {
	switch m.State() {
	case Disconnected:
		m.begin()
	case Reconnecting:
		if !m.stalled {
			return
		}
		m.logger.Info("realtime_resumed", "attempts", m.attempts)
		m.stalled = false
		m.attempts = 0
		m.backoff.Reset()
		m.dial("")
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case dialResult:
		m.handleDial(ev)
	case closed:
		m.handleClosed(ev)
	case refreshed:
		m.handleRefreshed(ev)
	}
}

// dial opens a connection with token, or with the stored access token when
// token is empty.
func (m *Manager) dial(token string) {
	m.gen++
	gen := m.gen
	m.setState(Connecting)

	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		defer cancel()

		res := dialResult{gen: gen, token: token}
		if res.token == "" {
			pair, err := m.store.Get(ctx)
			if err != nil {
				res.err = err
				m.post(res)
				return
			}
			res.token = pair.Access
		}

		if left, err := jwtx.Remaining(res.token, m.now()); err == nil && left <= 0 {
			res.expired = true
			m.post(res)
			return
		}

		res.conn, res.err = m.dialer.Dial(ctx, res.token)
		m.post(res)
	}()
}

func (m *Manager) handleDial(r dialResult) {
	if r.gen != m.gen {
		if r.conn != nil {
			go r.conn.Close(CloseOther)
		}
		return
	}
	if r.token != "" {
		m.lastToken = r.token
	}

	switch {
	case r.expired:
		m.logger.Info("realtime_token_expired")
		m.startRefresh(purposeRecover)
	case errors.Is(r.err, credstore.ErrNotFound):
		m.logger.Info("realtime_no_credentials")
		m.setState(Disconnected)
	case r.err != nil:
		kind := Classify(r.err)
		m.logger.Warn("realtime_dial_failed", "kind", kind, "attempts", m.attempts, "err", r.err)
		m.onClosed(kind)
	default:
		m.conn = r.conn
		m.attempts = 0
		m.stalled = false
		m.backoff.Reset()
		m.ticker = time.NewTicker(m.cfg.CheckInterval)
		m.setState(Connected)
		m.logger.Info("realtime_connected")
		go m.read(r.gen, r.conn)
	}
}

func (m *Manager) handleClosed(c closed) {
	if c.gen != m.gen || m.conn == nil {
		return
	}
	m.dropConn()
	m.logger.Info("realtime_closed", "kind", c.kind, "err", c.err)
	m.onClosed(c.kind)
}

// onClosed routes an unplanned close or failed dial to its recovery path.
func (m *Manager) onClosed(kind CloseKind) {
	m.setState(Reconnecting)

	switch kind {
	case ClosePlanned:
		m.metrics.Reconnect("planned")
		m.dial("")
	case CloseAuthRejected:
		m.metrics.Reconnect("auth")
		m.startRefresh(purposeRecover)
	default:
		m.scheduleBackoff()
	}
}

func (m *Manager) scheduleBackoff() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.stalled = true
		m.logger.Warn("realtime_reconnect_stalled", "attempts", m.attempts)
		return
	}

	m.attempts++
	delay := m.backoff.Next()
	m.retry = time.NewTimer(delay)
	m.metrics.Reconnect("backoff")
	m.logger.Debug("realtime_reconnect_scheduled", "attempt", m.attempts, "delay", delay)
}

// check renews a live connection's token once it nears expiry.
func (m *Manager) check() {
	if m.conn == nil || m.refreshing {
		return
	}
	left, err := jwtx.Remaining(m.lastToken, m.now())
	if err != nil || left > m.cfg.RenewThreshold {
		return
	}
	m.logger.Info("realtime_token_near_expiry", "remaining", left)
	m.startRefresh(purposeProactive)
}

func (m *Manager) startRefresh(purpose refreshPurpose) {
	if m.refreshing {
		// A recovery outranks a proactive renewal already in flight.
		if purpose == purposeRecover {
			m.refreshPurpose = purposeRecover
		}
		return
	}
	m.refreshing = true
	m.refreshPurpose = purpose

	stale := m.lastToken
	go func() {
		pair, err := m.renewed(m.ctx, stale)
		m.post(refreshed{pair: pair, err: err})
	}()
}

// renewed returns a pair newer than stale, asking the coordinator only when
// the store has nothing fresher already.
func (m *Manager) renewed(ctx context.Context, stale string) (credstore.TokenPair, error) {
	if cur, err := m.store.Get(ctx); err == nil && cur.Access != stale && m.fresh(cur.Access) {
		return cur, nil
	}

	pair, err := m.refresher.Refresh(ctx)
	if errors.Is(err, refresh.ErrTooSoon) {
		if cur, gerr := m.store.Get(ctx); gerr == nil && cur.Access != stale {
			return cur, nil
		}
	}
	return pair, err
}

func (m *Manager) fresh(token string) bool {
	left, err := jwtx.Remaining(token, m.now())
	return err != nil || left > m.cfg.RenewThreshold
}

func (m *Manager) handleRefreshed(r refreshed) {
	m.refreshing = false
	purpose := m.refreshPurpose

	if r.err == nil {
		if purpose == purposeProactive {
			if m.conn == nil {
				// Dropped meanwhile; the reconnect path reads the new pair.
				return
			}
			old := m.conn
			m.dropConn()
			m.metrics.Reconnect("planned")
			m.logger.Info("realtime_renewing")
			go old.Close(ClosePlanned)
		}
		m.dial(r.pair.Access)
		return
	}

	if errors.Is(r.err, refresh.ErrCircuitOpen) || m.refresher.Tripped() {
		m.terminate(terminator.ReasonCircuitOpen)
		return
	}
	if errors.Is(r.err, context.Canceled) {
		return
	}

	if purpose == purposeProactive {
		m.logger.Debug("realtime_proactive_refresh_failed", "err", r.err)
		return
	}

	switch {
	case refresh.IsRejected(r.err):
		m.terminate(terminator.ReasonRefreshRejected)
	case errors.Is(r.err, refresh.ErrNoCredentials):
		m.terminate(terminator.ReasonCredentialsCleared)
	default:
		// The server has refused the current token, so there is nothing
		// left to reconnect with.
		m.logger.Warn("realtime_refresh_failed", "err", r.err)
		m.terminate(terminator.ReasonRefreshFailed)
	}
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.post(closed{gen: gen, kind: Classify(err), err: err})
			return
		}

		msg := DecodeMessage(raw)
		if msg.Type == TypeSessionRevoked {
			_ = conn.Close(CloseAuthRejected)
			m.post(closed{gen: gen, kind: CloseAuthRejected, err: ErrSessionRevoked})
			return
		}

		m.metrics.RealtimeMessage()
		if m.handler != nil {
			m.handler(msg)
		}
	}
}

// post delivers ev to the loop, or discards it once the loop has exited.
func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
		if r, ok := ev.(dialResult); ok && r.conn != nil {
			_ = r.conn.Close(CloseOther)
		}
	}
}

// drain closes connections from dials that finished after the loop stopped
// listening.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			if r, ok := ev.(dialResult); ok && r.conn != nil {
				_ = r.conn.Close(CloseOther)
			}
		default:
			return
		}
	}
}

func (m *Manager) dropConn() {
	m.conn = nil
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

func (m *Manager) closeAll(kind CloseKind) {
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		old := m.conn
		m.dropConn()
		go old.Close(kind)
	}
}

// terminate enters the absorbing state and ends the session.
func (m *Manager) terminate(reason terminator.Reason) {
	m.closeAll(CloseAuthRejected)
	m.setState(Terminated)
	m.logger.Warn("realtime_terminated", "reason", reason)

	if m.term != nil {
		go m.term.Terminate(context.Background(), reason)
	}
}

func (m *Manager) shutdown() {
	m.closeAll(CloseOther)
	m.setState(Disconnected)
}
