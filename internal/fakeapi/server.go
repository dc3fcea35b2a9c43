// Package fakeapi is an in-process stand-in for the marketplace API. It
// issues short-lived HS256 access tokens and rotating refresh tokens, serves
// a few protected REST endpoints and a realtime WebSocket, and exposes knobs
// for tests to expire, revoke and break things.
package fakeapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/gorilla/websocket"
)

type Options struct {
	// Users maps usernames to passwords. Defaults to kim/hunter2.
	Users     map[string]string
	AccessTTL time.Duration
	Secret    []byte
	Logger    *slog.Logger
}

type session struct {
	username string
	sid      string
}

type Server struct {
	signer *jwtx.HS256
	logger *slog.Logger
	mux    *http.ServeMux
	srv    *httptest.Server

	upgrader websocket.Upgrader

	mu              sync.Mutex
	users           map[string]string
	accessTTL       time.Duration
	generation      int
	refreshTokens   map[string]session
	revoked         map[string]bool
	refreshFailures int
	refreshDelay    time.Duration
	conns           map[*websocket.Conn]*wsClient

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	apiCalls     atomic.Int32
	wsDials      atomic.Int32
}

// New builds the server without starting it; use Start or Handler.
func New(opts Options) *Server {
	secret := opts.Secret
	if len(secret) == 0 {
		secret = []byte("fakeapi-development-secret-0123456789")
	}
	signer, err := jwtx.NewHS256(secret)
	if err != nil {
		panic(err)
	}

	users := opts.Users
	if users == nil {
		users = map[string]string{"kim": "hunter2"}
	}
	ttl := opts.AccessTTL
	if ttl <= 0 {
		ttl = jwtx.DefaultAccessTokenTTL
	}

	s := &Server{
		signer:        signer,
		logger:        slogx.Or(opts.Logger).With("component", "fakeapi"),
		mux:           http.NewServeMux(),
		users:         users,
		accessTTL:     ttl,
		generation:    1,
		refreshTokens: make(map[string]session),
		revoked:       make(map[string]bool),
		conns:         make(map[*websocket.Conn]*wsClient),
	}
	s.routes()
	return s
}

// Start serves on a local httptest listener.
func Start(opts Options) *Server {
	s := New(opts)
	s.srv = httptest.NewServer(s.Handler())
	return s
}

// Handler is the API with request logging applied.
func (s *Server) Handler() http.Handler {
	return slogx.HTTPMiddleware(s.logger)(s.mux)
}

func (s *Server) URL() string { return s.srv.URL }

// WebsocketURL is the realtime endpoint, without the token parameter.
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.CloseConns(websocket.CloseGoingAway, "server shutdown")
	if s.srv != nil {
		s.srv.Close()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.HandleFunc("POST /oauth2/token", s.handleToken)

	s.mux.HandleFunc("GET /api/me", s.authn(s.handleMe))
	s.mux.HandleFunc("GET /api/stores", s.authn(s.handleStores))
	s.mux.HandleFunc("POST /api/posts", s.authn(s.handleCreatePost))
	s.mux.HandleFunc("GET /api/prices/gold", s.authn(s.handleGoldPrice))

	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
}

// ExpireAccessTokens invalidates every access token issued so far, the way
// a server-side key rotation or forced sign-out would.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// RevokeRefreshTokens revokes every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.refreshTokens {
		s.revoked[tok] = true
		delete(s.refreshTokens, tok)
	}
}

// FailRefreshes makes the next n renewals answer 503.
func (s *Server) FailRefreshes(n int) {
	s.mu.Lock()
	s.refreshFailures = n
	s.mu.Unlock()
}

// SlowRefreshes delays every renewal by d.
func (s *Server) SlowRefreshes(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// SetAccessTTL changes the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	s.accessTTL = d
	s.mu.Unlock()
}

func (s *Server) LoginCalls() int   { return int(s.loginCalls.Load()) }
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }
func (s *Server) APICalls() int     { return int(s.apiCalls.Load()) }
func (s *Server) WebsocketDials() int {
	return int(s.wsDials.Load())
}

func (s *Server) verify(raw string) (jwtx.Claims, error) {
	claims, err := s.signer.Verify(raw)
	if err != nil {
		return jwtx.Claims{}, err
	}

	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()
	if claims.Generation < current {
		return jwtx.Claims{}, jwtx.ErrExpired
	}
	return claims, nil
}

// issue mints a pair for sess. Callers hold s.mu.
func (s *Server) issue(sess session) (string, string, error) {
	claims := jwtx.NewAccessClaims(sess.username, sess.sid, sess.username, s.generation, s.accessTTL, time.Now())
	access, err := s.signer.Sign(claims)
	if err != nil {
		return "", "", err
	}
	refresh := jwtx.NewJTI()
	s.refreshTokens[refresh] = sess
	return access, refresh, nil
}
