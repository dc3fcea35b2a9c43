// Package session assembles the session-resilience layer: one credential
// store, one refresh coordinator, one terminator, the REST pipeline and the
// realtime connection manager, sharing state the way the rest of the
// application expects.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/pipeline"
	"github.com/aussiebroadwan/sessionkeeper/pkg/realtime"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
)

const (
	DefaultLoginPath  = "/auth/login"
	DefaultLogoutPath = "/auth/logout"
)

var (
	// ErrNoSession is returned by Resume when the store holds no credentials.
	ErrNoSession = errors.New("session: no stored credentials")

	// ErrLoginFailed wraps every Login failure.
	ErrLoginFailed = errors.New("session: login failed")

	ErrClosed = errors.New("session: closed")
)

type Config struct {
	// BaseURL is the REST API root, e.g. https://api.example.com.
	BaseURL string
	// RealtimeURL is the WebSocket endpoint. Leave empty to run without a
	// realtime connection.
	RealtimeURL string

	LoginPath  string
	LogoutPath string

	Refresh  refresh.Config
	Realtime realtime.Config

	// RateLimit throttles outbound REST calls when RequestsPerWindow > 0.
	RateLimit pipeline.RateLimitConfig
}

type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = slogx.Or(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRenewer replaces the default JSON renewal endpoint client.
func WithRenewer(r refresh.Renewer) Option {
	return func(s *Session) { s.renewer = r }
}

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d realtime.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithHTTPTransport sets the round tripper REST calls finally go through.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(s *Session) { s.base = rt }
}

// WithMessageHandler receives every realtime message.
func WithMessageHandler(fn func(realtime.Message)) Option {
	return func(s *Session) { s.handler = fn }
}

// WithStateHook observes realtime state changes.
func WithStateHook(fn func(realtime.State)) Option {
	return func(s *Session) { s.stateHook = fn }
}

// Session is the authenticated user's session. Create one per process and
// share it.
type Session struct {
	cfg       Config
	store     credstore.Store
	logger    *slog.Logger
	log       *slog.Logger
	metrics   *metrics.Metrics
	renewer   refresh.Renewer
	dialer    realtime.Dialer
	base      http.RoundTripper
	handler   func(realtime.Message)
	stateHook func(realtime.State)

	term  *terminator.Terminator
	coord *refresh.Coordinator
	api   *pipeline.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rt     *realtime.Manager
	closed bool
}

func New(store credstore.Store, cfg Config, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: credential store is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("session: base URL is required")
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.LogoutPath == "" {
		cfg.LogoutPath = DefaultLogoutPath
	}

	s := &Session{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.logger.With("component", "session")

	if s.renewer == nil {
		s.renewer = refresh.NewHTTPRenewer(cfg.BaseURL)
	}
	if s.dialer == nil && cfg.RealtimeURL != "" {
		s.dialer = realtime.NewWebsocketDialer(cfg.RealtimeURL)
	}

	s.term = terminator.New(store,
		terminator.WithLogger(s.logger),
		terminator.WithMetrics(s.metrics),
	)
	s.coord = refresh.New(store, s.renewer, s.term, cfg.Refresh,
		refresh.WithLogger(s.logger),
		refresh.WithMetrics(s.metrics),
	)

	popts := []pipeline.Option{
		pipeline.WithLogger(s.logger),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithRateLimit(cfg.RateLimit),
		pipeline.WithExempt(exemptPaths(cfg)...),
	}
	if s.base != nil {
		popts = append(popts, pipeline.WithBase(s.base))
	}
	s.api = pipeline.New(cfg.BaseURL, store, s.coord, popts...)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func exemptPaths(cfg Config) []string {
	paths := append([]string(nil), pipeline.DefaultExempt...)
	for _, p := range []string{cfg.LoginPath, cfg.LogoutPath} {
		found := false
		for _, e := range paths {
			if e == p {
				found = true
				break
			}
		}
		if !found {
			paths = append(paths, p)
		}
	}
	return paths
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates with username and password, installs the new pair and
// starts a fresh session: breaker closed, terminator armed, realtime
// connection (re)started.
func (s *Session) Login(ctx context.Context, username, password string) error {
	if s.isClosed() {
		return ErrClosed
	}

	var pair credstore.TokenPair
	err := s.api.JSON(ctx, http.MethodPost, s.cfg.LoginPath, loginRequest{Username: username, Password: password}, &pair)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if err := pair.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	s.stopRealtime()
	s.term.Rearm()
	s.coord.Reset()
	if err := s.store.Set(ctx, pair); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	s.log.Info("session_login", "username", username)
	s.startRealtime()
	return nil
}

// Resume starts a session from credentials already in the store, e.g. after
// a process restart.
func (s *Session) Resume(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}

	if _, err := s.store.Get(ctx); err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return ErrNoSession
		}
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	s.stopRealtime()
	s.term.Rearm()
	s.coord.Reset()

	s.log.Info("session_resumed")
	s.startRealtime()
	return nil
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Logout revokes the refresh token on a best-effort basis and ends the
// session.
func (s *Session) Logout(ctx context.Context) error {
	pair, err := s.store.Get(ctx)
	switch {
	case err == nil:
		if err := s.api.JSON(ctx, http.MethodPost, s.cfg.LogoutPath, logoutRequest{RefreshToken: pair.Refresh}, nil); err != nil {
			s.log.Warn("logout_revoke_failed", "err", err)
		}
	case !errors.Is(err, credstore.ErrNotFound):
		s.log.Warn("logout_read_failed", "err", err)
	}

	s.term.Terminate(ctx, terminator.ReasonLogout)
	s.stopRealtime()
	return nil
}

// Close stops background work without touching stored credentials.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopRealtime()
	s.cancel()
	return nil
}

// API is the authenticated REST client.
func (s *Session) API() *pipeline.Client { return s.api }

// Realtime returns the current connection manager, or nil when the session
// runs without one or is not started.
func (s *Session) Realtime() *realtime.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Ended is closed when the current session ends for good. Call it again
// after Login for the new session's channel.
func (s *Session) Ended() <-chan struct{} { return s.term.Done() }

// EndReason reports why the session ended, if it has.
func (s *Session) EndReason() (terminator.Reason, bool) { return s.term.Reason() }

// OnEnded registers fn to run each time a session ends.
func (s *Session) OnEnded(fn func(terminator.Reason)) (remove func()) {
	return s.term.OnTerminate(fn)
}

// Refresher exposes the shared refresh coordinator.
func (s *Session) Refresher() *refresh.Coordinator { return s.coord }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) startRealtime() {
	if s.dialer == nil {
		return
	}

	opts := []realtime.Option{
		realtime.WithLogger(s.logger),
		realtime.WithMetrics(s.metrics),
	}
	if s.handler != nil {
		opts = append(opts, realtime.WithHandler(s.handler))
	}
	if s.stateHook != nil {
		opts = append(opts, realtime.WithStateHook(s.stateHook))
	}
	m := realtime.New(s.store, s.dialer, s.coord, s.term, s.cfg.Realtime, opts...)

	s.mu.Lock()
	s.rt = m
	s.mu.Unlock()
	m.Start(s.ctx)
}

func (s *Session) stopRealtime() {
	s.mu.Lock()
	m := s.rt
	s.rt = nil
	s.mu.Unlock()

	if m != nil {
		m.Stop()
	}
}
