package terminator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/terminator"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *credstore.Memory {
	t.Helper()
	store := credstore.NewMemory()
	require.NoError(t, store.Set(context.Background(), credstore.TokenPair{Access: "a", Refresh: "r"}))
	return store
}

func TestTerminate(t *testing.T) {
	t.Parallel()

	t.Run("clears store and closes done", func(t *testing.T) {
		t.Parallel()
		store := seeded(t)
		term := terminator.New(store)

		require.True(t, term.Terminate(context.Background(), terminator.ReasonLogout))

		_, err := store.Get(context.Background())
		require.ErrorIs(t, err, credstore.ErrNotFound)

		select {
		case <-term.Done():
		default:
			t.Fatal("done not closed")
		}

		reason, ended := term.Reason()
		require.True(t, ended)
		require.Equal(t, terminator.ReasonLogout, reason)
	})

	t.Run("fires once under concurrency", func(t *testing.T) {
		t.Parallel()
		term := terminator.New(seeded(t))

		var calls atomic.Int32
		term.OnTerminate(func(terminator.Reason) { calls.Add(1) })

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if term.Terminate(context.Background(), terminator.ReasonCircuitOpen) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		require.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("cancelled context still clears", func(t *testing.T) {
		t.Parallel()
		store := seeded(t)
		term := terminator.New(store)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		term.Terminate(ctx, terminator.ReasonRefreshRejected)

		_, err := store.Get(context.Background())
		require.ErrorIs(t, err, credstore.ErrNotFound)
	})

	t.Run("removed listener is not called", func(t *testing.T) {
		t.Parallel()
		term := terminator.New(seeded(t))

		var calls atomic.Int32
		remove := term.OnTerminate(func(terminator.Reason) { calls.Add(1) })
		remove()

		term.Terminate(context.Background(), terminator.ReasonLogout)
		require.Never(t, func() bool { return calls.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	})
}

func TestRearm(t *testing.T) {
	t.Parallel()

	term := terminator.New(seeded(t))
	first := term.Done()

	term.Terminate(context.Background(), terminator.ReasonCircuitOpen)
	term.Rearm()

	_, ended := term.Reason()
	require.False(t, ended)

	second := term.Done()
	select {
	case <-first:
	default:
		t.Fatal("old done channel reopened")
	}
	select {
	case <-second:
		t.Fatal("new done channel already closed")
	default:
	}

	require.True(t, term.Terminate(context.Background(), terminator.ReasonLogout))
	<-second
}
