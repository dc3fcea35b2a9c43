// Package pipeline wraps outbound REST calls with credential handling.
//
// Every request gets the current access token. A 401 on a non-exempt
// request suspends the caller until the shared refresh coordinator
// resolves, then replays the request exactly once with the new token.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
)

const maxErrorBody = 64 << 10

// DefaultExempt lists endpoints that authenticate by other means and must
// never trigger a renewal.
var DefaultExempt = []string{
	"/auth/login",
	"/auth/register",
	"/auth/refresh",
	"/auth/logout",
}

// Refresher is satisfied by *refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (credstore.TokenPair, error)
}

type Option func(*Transport)

// WithBase sets the round tripper requests are finally sent through.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithExempt replaces the exempt path list.
func WithExempt(paths ...string) Option {
	return func(t *Transport) { t.exempt = append([]string(nil), paths...) }
}

// WithRateLimit throttles outbound requests per host.
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(t *Transport) {
		if cfg.RequestsPerWindow > 0 && cfg.Window > 0 {
			t.limiter = newHostLimiter(cfg)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = slogx.Or(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport is an http.RoundTripper that attaches the bearer token and
// recovers once from an expired one. A request whose recovery fails returns
// an *APIError matching ErrAuthRejected instead of the 401 response.
type Transport struct {
	store     credstore.Store
	refresher Refresher
	base      http.RoundTripper
	exempt    []string
	limiter   *hostLimiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewTransport(store credstore.Store, refresher Refresher, opts ...Option) *Transport {
	t := &Transport{
		store:     store,
		refresher: refresher,
		exempt:    DefaultExempt,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.base == nil {
		t.base = &slogx.Transport{Base: http.DefaultTransport, Logger: t.logger}
	}
	return t
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, req); err != nil {
			closeBody(req)
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	if t.isExempt(req.URL.Path) {
		out := req.Clone(ctx)
		out.Header.Del("Authorization")
		return t.base.RoundTrip(out)
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}

	sent := t.accessToken(ctx)
	resp, err := t.dispatch(req, body, sent)
	if err != nil || !IsAuthFailure(resp.StatusCode) {
		return resp, err
	}

	rejected := readAPIError(resp)
	log := slogx.FromContextOr(ctx, t.logger).With("method", req.Method, "path", req.URL.Path)

	next, err := t.recoverToken(ctx, sent)
	if err != nil {
		t.metrics.AuthRetry("gave_up")
		log.Info("auth_recovery_failed", "expired", rejected.Expired, "err", err)
		rejected.Cause = err
		return nil, rejected
	}

	t.metrics.AuthRetry("replayed")
	log.Debug("auth_recovered_replaying")

	resp, err = t.dispatch(req, body, next)
	if err != nil || !IsAuthFailure(resp.StatusCode) {
		return resp, err
	}
	return nil, readAPIError(resp)
}

// recoverToken returns an access token newer than sent. If the store has
// already moved on, that token is used without asking for a renewal.
func (t *Transport) recoverToken(ctx context.Context, sent string) (string, error) {
	if current := t.accessToken(ctx); current != "" && current != sent {
		return current, nil
	}

	pair, err := t.refresher.Refresh(ctx)
	if err == nil {
		return pair.Access, nil
	}

	// A renewal that finished just before we asked leaves a fresh token
	// behind and answers ErrTooSoon.
	if errors.Is(err, refresh.ErrTooSoon) {
		if current := t.accessToken(ctx); current != "" && current != sent {
			return current, nil
		}
	}
	return "", err
}

func (t *Transport) dispatch(req *http.Request, body []byte, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}

	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return t.base.RoundTrip(out)
}

func (t *Transport) accessToken(ctx context.Context) string {
	pair, err := t.store.Get(ctx)
	if err != nil {
		if !errors.Is(err, credstore.ErrNotFound) {
			t.logger.Warn("credential_read_failed", "err", err)
		}
		return ""
	}
	return pair.Access
}

func (t *Transport) isExempt(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, e := range t.exempt {
		if path == e || strings.HasSuffix(path, e) {
			return true
		}
	}
	return false
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return parseAPIError(resp, body)
}
