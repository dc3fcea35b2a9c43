package credstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. It is the default for short-lived CLI runs
// and the store most tests use.
type Memory struct {
	Notifier

	mu   sync.RWMutex
	pair TokenPair
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(ctx context.Context) (TokenPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pair.IsZero() {
		return TokenPair{}, ErrNotFound
	}
	return m.pair, nil
}

func (m *Memory) Set(ctx context.Context, pair TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = pair
	m.mu.Unlock()

	m.Notify(Change{Pair: pair})
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	had := !m.pair.IsZero()
	m.pair = TokenPair{}
	m.mu.Unlock()

	if had {
		m.Notify(Change{Cleared: true})
	}
	return nil
}
