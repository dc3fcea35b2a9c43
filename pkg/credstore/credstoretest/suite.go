// Package credstoretest is a behavioural suite every credstore.Store driver
// runs in its own tests.
package credstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/stretchr/testify/require"
)

// Run exercises the Store contract against stores built by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) credstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx)
		require.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("replace", func(t *testing.T) {
		s := newStore(t)
		first := credstore.TokenPair{Access: "a1", Refresh: "r1"}
		second := credstore.TokenPair{Access: "a2", Refresh: "r2"}

		require.NoError(t, s.Set(ctx, first))
		require.NoError(t, s.Set(ctx, second))

		got, err := s.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, second, got)
	})

	t.Run("partial pair", func(t *testing.T) {
		s := newStore(t)
		require.ErrorIs(t, s.Set(ctx, credstore.TokenPair{Access: "a"}), credstore.ErrPartialPair)
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, credstore.TokenPair{Access: "a", Refresh: "r"}))
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Clear(ctx))

		_, err := s.Get(ctx)
		require.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("notifications", func(t *testing.T) {
		s := newStore(t)

		var (
			mu      sync.Mutex
			changes []credstore.Change
		)
		unsubscribe := s.Subscribe(func(c credstore.Change) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		})
		defer unsubscribe()

		pair := credstore.TokenPair{Access: "a", Refresh: "r"}
		require.NoError(t, s.Set(ctx, pair))

		// Some drivers deliver through an external channel, so wait for the
		// set to land before clearing to keep the order deterministic.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(changes) == 1
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, s.Clear(ctx))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(changes) == 2
		}, 2*time.Second, 5*time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, pair, changes[0].Pair)
		require.False(t, changes[0].Cleared)
		require.True(t, changes[1].Cleared)
	})
}
