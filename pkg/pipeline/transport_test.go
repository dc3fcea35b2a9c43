package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/pipeline"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	stalePair = credstore.TokenPair{Access: "old", Refresh: "refresh-1"}
	freshPair = credstore.TokenPair{Access: "new", Refresh: "refresh-2"}
)

type fakeRefresher struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (credstore.TokenPair, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context) (credstore.TokenPair, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

// storingRefresher installs freshPair the way the coordinator would.
func storingRefresher(store credstore.Store) *fakeRefresher {
	return &fakeRefresher{fn: func(ctx context.Context) (credstore.TokenPair, error) {
		if err := store.Set(ctx, freshPair); err != nil {
			return credstore.TokenPair{}, err
		}
		return freshPair, nil
	}}
}

func failingRefresher(err error) *fakeRefresher {
	return &fakeRefresher{fn: func(context.Context) (credstore.TokenPair, error) {
		return credstore.TokenPair{}, err
	}}
}

func seededStore(t *testing.T) *credstore.Memory {
	t.Helper()
	store := credstore.NewMemory()
	require.NoError(t, store.Set(context.Background(), stalePair))
	return store
}

func writeExpired(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"code":"TOKEN_EXPIRED","message":"access token expired","expired":true}`))
}

// acceptOnly serves 200 for the given token and 401 otherwise.
func acceptOnly(token string, hits *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeExpired(w)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func TestAttachesBearerToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(acceptOnly(stalePair.Access, &hits))
	defer srv.Close()

	refresher := failingRefresher(errors.New("unexpected"))
	client := pipeline.New(srv.URL, seededStore(t), refresher)

	resp, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/stores"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Zero(t, refresher.calls.Load())
}

func TestExemptEndpoints(t *testing.T) {
	t.Parallel()

	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"BAD_CREDENTIALS","message":"wrong password"}`))
	}))
	defer srv.Close()

	refresher := storingRefresher(credstore.NewMemory())
	client := pipeline.New(srv.URL, seededStore(t), refresher)

	_, err := client.Send(context.Background(), &pipeline.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   []byte(`{"username":"kim","password":"nope"}`),
	})

	var apiErr *pipeline.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "BAD_CREDENTIALS", apiErr.Code)
	require.Equal(t, "wrong password", apiErr.Message)
	require.Nil(t, apiErr.Cause)
	require.False(t, sawAuth.Load())
	require.Zero(t, refresher.calls.Load())
}

func TestRetryOnceAfterRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(acceptOnly(freshPair.Access, &hits))
	defer srv.Close()

	store := seededStore(t)
	refresher := storingRefresher(store)
	client := pipeline.New(srv.URL, store, refresher)

	resp, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/posts"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), refresher.calls.Load())
}

func TestRetryOnlyOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(acceptOnly("never-valid", &hits))
	defer srv.Close()

	store := seededStore(t)
	refresher := storingRefresher(store)
	client := pipeline.New(srv.URL, store, refresher)

	_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/chat"})
	require.ErrorIs(t, err, pipeline.ErrAuthRejected)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), refresher.calls.Load())
}

func TestRefreshFailureReturnsOriginalRejection(t *testing.T) {
	t.Parallel()

	for _, cause := range []error{refresh.ErrCircuitOpen, refresh.ErrTooSoon, refresh.ErrRefreshFailed} {
		t.Run(cause.Error(), func(t *testing.T) {
			t.Parallel()

			var hits atomic.Int32
			srv := httptest.NewServer(acceptOnly(freshPair.Access, &hits))
			defer srv.Close()

			client := pipeline.New(srv.URL, seededStore(t), failingRefresher(cause))

			_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/prices"})
			require.ErrorIs(t, err, pipeline.ErrAuthRejected)
			require.ErrorIs(t, err, cause)

			var apiErr *pipeline.APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
			require.Equal(t, pipeline.CodeTokenExpired, apiErr.Code)
			require.True(t, apiErr.Expired)
			require.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestRecoveryFailureUsesConfiguredLogger(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(acceptOnly(freshPair.Access, &hits))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	client := pipeline.New(srv.URL, seededStore(t), failingRefresher(refresh.ErrRefreshFailed),
		pipeline.WithLogger(logger))

	_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/prices"})
	require.ErrorIs(t, err, pipeline.ErrAuthRejected)
	require.Contains(t, buf.String(), `"msg":"auth_recovery_failed"`)
	require.Contains(t, buf.String(), `"path":"/api/prices"`)
}

func TestNonAuthFailuresSurface(t *testing.T) {
	t.Parallel()

	t.Run("server error", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"MAINTENANCE"}`))
		}))
		defer srv.Close()

		refresher := storingRefresher(credstore.NewMemory())
		client := pipeline.New(srv.URL, seededStore(t), refresher)

		_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/notifications"})
		var apiErr *pipeline.APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
		require.NotErrorIs(t, err, pipeline.ErrAuthRejected)
		require.Equal(t, int32(1), hits.Load())
		require.Zero(t, refresher.calls.Load())
	})

	t.Run("network error", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		refresher := storingRefresher(credstore.NewMemory())
		client := pipeline.New(url, seededStore(t), refresher)

		_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/stores"})
		require.Error(t, err)
		var apiErr *pipeline.APIError
		require.False(t, errors.As(err, &apiErr))
		require.Zero(t, refresher.calls.Load())
	})
}

func TestStaleTokenShortcut(t *testing.T) {
	t.Parallel()

	store := seededStore(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "Bearer "+freshPair.Access {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Another caller renewed while this request was in flight.
		require.NoError(t, store.Set(r.Context(), freshPair))
		writeExpired(w)
	}))
	defer srv.Close()

	refresher := failingRefresher(errors.New("should not be called"))
	client := pipeline.New(srv.URL, store, refresher)

	_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/posts"})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
	require.Zero(t, refresher.calls.Load())
}

func TestReplaysBody(t *testing.T) {
	t.Parallel()

	const payload = `{"title":"gold is up","body":"again"}`

	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+freshPair.Access {
			writeExpired(w)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := seededStore(t)
	client := pipeline.New(srv.URL, store, storingRefresher(store))

	resp, err := client.Send(context.Background(), &pipeline.Request{
		Method: http.MethodPost,
		Path:   "/api/posts",
		Body:   []byte(payload),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, []string{payload, payload}, bodies)
}

func TestConcurrentStaleCallsShareOneRenewal(t *testing.T) {
	t.Parallel()

	const callers = 5

	// Hold every stale request until all of them are in flight.
	var stale atomic.Int32
	allStale := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+freshPair.Access {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		if stale.Add(1) == callers {
			close(allStale)
		}
		<-allStale
		writeExpired(w)
	}))
	defer srv.Close()

	store := seededStore(t)

	var renewals atomic.Int32
	renewer := refresh.RenewerFunc(func(_ context.Context, refreshToken string) (credstore.TokenPair, error) {
		renewals.Add(1)
		require.Equal(t, stalePair.Refresh, refreshToken)
		time.Sleep(20 * time.Millisecond)
		return freshPair, nil
	})
	coord := refresh.New(store, renewer, nil, refresh.DefaultConfig())
	client := pipeline.New(srv.URL, store, coord)

	var g errgroup.Group
	for range callers {
		g.Go(func() error {
			_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/stores"})
			return err
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), renewals.Load())
	require.Equal(t, int32(callers), stale.Load())
}

func TestHTTPClientWrapsErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(acceptOnly(freshPair.Access, &hits))
	defer srv.Close()

	client := pipeline.New(srv.URL, seededStore(t), failingRefresher(refresh.ErrCircuitOpen))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/api/stores", nil)
	require.NoError(t, err)

	_, err = client.HTTPClient().Do(req)
	require.ErrorIs(t, err, pipeline.ErrAuthRejected)
	require.ErrorIs(t, err, refresh.ErrCircuitOpen)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := pipeline.New(srv.URL, seededStore(t), failingRefresher(errors.New("unused")),
		pipeline.WithRateLimit(pipeline.RateLimitConfig{RequestsPerWindow: 1, Window: time.Hour, Burst: 1}),
	)

	_, err := client.Send(context.Background(), &pipeline.Request{Path: "/api/stores"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Send(ctx, &pipeline.Request{Path: "/api/stores"})
	require.ErrorContains(t, err, "rate limit")
}

func TestCustomExemptList(t *testing.T) {
	t.Parallel()

	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := pipeline.New(srv.URL, seededStore(t), failingRefresher(errors.New("unused")),
		pipeline.WithExempt("/public/prices"),
	)

	_, err := client.Send(context.Background(), &pipeline.Request{Path: "/public/prices"})
	require.NoError(t, err)
	require.False(t, sawAuth.Load())

	_, err = client.Send(context.Background(), &pipeline.Request{Path: "/auth/login"})
	require.NoError(t, err)
	require.True(t, sawAuth.Load())
}
