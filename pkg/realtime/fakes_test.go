package realtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/realtime"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
	"github.com/stretchr/testify/require"
)

var signer = func() *jwtx.HS256 {
	s, err := jwtx.NewHS256([]byte("realtime-test-secret-0123456789abcdef"))
	if err != nil {
		panic(err)
	}
	return s
}()

// token mints an access token valid for ttl from now.
func token(t *testing.T, ttl time.Duration) string {
	t.Helper()
	raw, err := signer.Sign(jwtx.NewAccessClaims("user-1", "sid-1", "kim", 1, ttl, time.Now()))
	require.NoError(t, err)
	return raw
}

type fakeConn struct {
	msgs      chan []byte
	drop      chan error
	closed    chan struct{}
	closeOnce sync.Once
	closeKind atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.drop:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close(kind realtime.CloseKind) error {
	c.closeOnce.Do(func() {
		c.closeKind.Store(int32(kind))
		close(c.closed)
	})
	return nil
}

// Drop simulates the server ending the connection.
func (c *fakeConn) Drop(kind realtime.CloseKind) {
	c.drop <- &realtime.CloseError{Kind: kind}
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) ClosedWith() realtime.CloseKind { return realtime.CloseKind(c.closeKind.Load()) }

type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	// fail, when set, decides whether dial n (0-based) fails.
	fail func(n int, token string) error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.tokens)
	d.tokens = append(d.tokens, token)
	if d.fail != nil {
		if err := d.fail(n, token); err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fn func(n int, token string) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) Token(n int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[n]
}

func (d *fakeDialer) Conn(n int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[n]
}

func (d *fakeDialer) Conns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeRefresher struct {
	calls   atomic.Int32
	tripped atomic.Bool
	fn      func(ctx context.Context) (credstore.TokenPair, error)
}

func (r *fakeRefresher) Refresh(ctx context.Context) (credstore.TokenPair, error) {
	r.calls.Add(1)
	return r.fn(ctx)
}

func (r *fakeRefresher) Tripped() bool { return r.tripped.Load() }

type fakeTerminator struct {
	mu      sync.Mutex
	reasons []terminator.Reason
}

func (f *fakeTerminator) Terminate(_ context.Context, reason terminator.Reason) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return len(f.reasons) == 1
}

func (f *fakeTerminator) Reasons() []terminator.Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]terminator.Reason(nil), f.reasons...)
}

type stateLog struct {
	mu     sync.Mutex
	states []realtime.State
}

func (l *stateLog) record(s realtime.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) All() []realtime.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.State(nil), l.states...)
}

func (l *stateLog) Count(s realtime.State) int {
	n := 0
	for _, st := range l.All() {
		if st == s {
			n++
		}
	}
	return n
}

type harness struct {
	store     *credstore.Memory
	dialer    *fakeDialer
	refresher *fakeRefresher
	term      *fakeTerminator
	states    *stateLog
	messages  chan realtime.Message
	mgr       *realtime.Manager
}

func testConfig() realtime.Config {
	return realtime.Config{
		CheckInterval:        10 * time.Millisecond,
		RenewThreshold:       5 * time.Minute,
		BackoffBase:          5 * time.Millisecond,
		BackoffMax:           20 * time.Millisecond,
		Jitter:               0,
		MaxReconnectAttempts: 10,
		DialTimeout:          time.Second,
	}
}

// newHarness seeds the store with access and builds a manager. Refresh
// installs and returns fresh unless the test replaces refresher.fn.
func newHarness(t *testing.T, access string, fresh credstore.TokenPair, cfg realtime.Config) *harness {
	t.Helper()

	h := &harness{
		store:    credstore.NewMemory(),
		dialer:   &fakeDialer{},
		term:     &fakeTerminator{},
		states:   &stateLog{},
		messages: make(chan realtime.Message, 16),
	}
	if access != "" {
		require.NoError(t, h.store.Set(context.Background(), credstore.TokenPair{Access: access, Refresh: "refresh-1"}))
	}
	h.refresher = &fakeRefresher{fn: func(ctx context.Context) (credstore.TokenPair, error) {
		if err := h.store.Set(ctx, fresh); err != nil {
			return credstore.TokenPair{}, err
		}
		return fresh, nil
	}}

	h.mgr = realtime.New(h.store, h.dialer, h.refresher, h.term, cfg,
		realtime.WithStateHook(h.states.record),
		realtime.WithHandler(func(m realtime.Message) { h.messages <- m }),
	)
	t.Cleanup(h.mgr.Stop)
	return h
}

func (h *harness) start() { h.mgr.Start(context.Background()) }

func (h *harness) waitState(t *testing.T, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgr.State() == want }, 2*time.Second, time.Millisecond,
		"state %s, want %s", h.mgr.State(), want)
}

func (h *harness) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.Dials() >= n }, 2*time.Second, time.Millisecond,
		"dials %d, want %d", h.dialer.Dials(), n)
}
