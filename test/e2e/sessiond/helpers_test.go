//go:build e2e

package sessiond_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aussiebroadwan/sessionkeeper/internal/fakeapi"
	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore/drivers/redis"
	"github.com/aussiebroadwan/sessionkeeper/pkg/realtime"
	"github.com/aussiebroadwan/sessionkeeper/pkg/session"
)

/*
 * End-to-end tests run several sessions, standing in for separate
 * processes, against one fake API and one real Redis container.
 */

const redisImage = "redis:7-alpine"

// setupRedisContainer starts Redis and returns its address.
func setupRedisContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForListeningPort("6379/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	mappedPort, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, mappedPort.Port())
}

// newProcess builds a session with its own Redis connection, the way a
// second process on the same machine would.
func newProcess(t *testing.T, srv *fakeapi.Server, addr string, withRealtime bool) (*session.Session, *redis.Store) {
	t.Helper()
	ctx := context.Background()

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := redis.New(ctx, rdb, redis.Options{Key: "e2e:" + t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := session.Config{BaseURL: srv.URL()}
	if withRealtime {
		cfg.RealtimeURL = srv.WebsocketURL()
		cfg.Realtime = realtime.Config{
			CheckInterval:  50 * time.Millisecond,
			RenewThreshold: time.Minute,
			BackoffBase:    10 * time.Millisecond,
			BackoffMax:     100 * time.Millisecond,
		}
	}

	s, err := session.New(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, store
}

// waitEnded fails the test unless s ends within timeout.
func waitEnded(t *testing.T, s *session.Session, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.Ended():
	case <-time.After(timeout):
		t.Fatal("session did not end")
	}
}
