package redis_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore/credstoretest"
	redisstore "github.com/aussiebroadwan/sessionkeeper/pkg/credstore/drivers/redis"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newStore(t *testing.T, rdb redis.UniversalClient) *redisstore.Store {
	t.Helper()

	s, err := redisstore.New(context.Background(), rdb, redisstore.Options{Logger: slogx.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	credstoretest.Run(t, func(t *testing.T) credstore.Store {
		mr := miniredis.RunT(t)
		return newStore(t, newClient(t, mr))
	})
}

func TestChangesReachOtherProcesses(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// Two stores on separate connections stand in for two processes.
	writer := newStore(t, newClient(t, mr))
	reader := newStore(t, newClient(t, mr))

	var cleared atomic.Bool
	var lastAccess atomic.Value
	reader.Subscribe(func(c credstore.Change) {
		if c.Cleared {
			cleared.Store(true)
			return
		}
		lastAccess.Store(c.Pair.Access)
	})

	require.NoError(t, writer.Set(ctx, credstore.TokenPair{Access: "a2", Refresh: "r2"}))
	require.Eventually(t, func() bool {
		return lastAccess.Load() == "a2"
	}, 2*time.Second, 5*time.Millisecond)

	got, err := reader.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "r2", got.Refresh)

	require.NoError(t, writer.Clear(ctx))
	require.Eventually(t, cleared.Load, 2*time.Second, 5*time.Millisecond)
}

func TestCorruptValue(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newStore(t, newClient(t, mr))

	require.NoError(t, mr.Set(redisstore.DefaultKey, "{not json"))
	_, err := s.Get(context.Background())
	require.Error(t, err)
}
