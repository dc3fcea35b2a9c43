//go:build e2e

package sessiond_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sessionkeeper/internal/fakeapi"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/realtime"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
)

func TestSharedStore(t *testing.T) {
	addr := setupRedisContainer(t)
	ctx := context.Background()

	t.Run("renewal in one process is picked up by another", func(t *testing.T) {
		srv := fakeapi.Start(fakeapi.Options{})
		t.Cleanup(srv.Close)

		a, _ := newProcess(t, srv, addr, false)
		b, _ := newProcess(t, srv, addr, false)

		require.NoError(t, a.Login(ctx, "kim", "hunter2"))
		require.NoError(t, b.Resume(ctx))

		srv.ExpireAccessTokens()

		require.NoError(t, a.API().JSON(ctx, http.MethodGet, "/api/me", nil, nil))
		require.NoError(t, b.API().JSON(ctx, http.MethodGet, "/api/me", nil, nil))

		// b replayed with a's new token instead of spending the rotated
		// refresh token.
		require.Equal(t, 1, srv.RefreshCalls())
	})

	t.Run("logout in one process ends the other", func(t *testing.T) {
		srv := fakeapi.Start(fakeapi.Options{})
		t.Cleanup(srv.Close)

		a, _ := newProcess(t, srv, addr, false)
		b, storeB := newProcess(t, srv, addr, true)

		require.NoError(t, a.Login(ctx, "kim", "hunter2"))
		require.NoError(t, b.Resume(ctx))
		require.Eventually(t, func() bool {
			return b.Realtime().State() == realtime.Connected
		}, 5*time.Second, 20*time.Millisecond)

		require.NoError(t, a.Logout(ctx))

		waitEnded(t, b, 5*time.Second)
		reason, _ := b.EndReason()
		require.Equal(t, terminator.ReasonCredentialsCleared, reason)

		_, err := storeB.Get(ctx)
		require.ErrorIs(t, err, credstore.ErrNotFound)
	})
}
