// Package keyring keeps the token pair in the operating system keychain
// (macOS Keychain, Secret Service, Windows Credential Manager).
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/zalando/go-keyring"
)

const DefaultService = "sessionkeeper"

// Store keeps the JSON encoded pair under one service/user entry.
// Notifications are delivered in-process only; the OS keychain has no change
// feed.
type Store struct {
	credstore.Notifier

	// mu orders writes from this process. The keychain itself is the
	// authority for reads.
	mu      sync.Mutex
	service string
	user    string
}

// New returns a store for the given account. An empty service uses
// DefaultService.
func New(service, user string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service, user: user}
}

func (s *Store) Get(ctx context.Context) (credstore.TokenPair, error) {
	raw, err := keyring.Get(s.service, s.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return credstore.TokenPair{}, credstore.ErrNotFound
	}
	if err != nil {
		return credstore.TokenPair{}, fmt.Errorf("keyring credstore: get: %w", err)
	}

	var pair credstore.TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return credstore.TokenPair{}, fmt.Errorf("keyring credstore: decode: %w", err)
	}
	if err := pair.Validate(); err != nil {
		return credstore.TokenPair{}, err
	}
	return pair, nil
}

func (s *Store) Set(ctx context.Context, pair credstore.TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(pair)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = keyring.Set(s.service, s.user, string(payload))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("keyring credstore: set: %w", err)
	}

	s.Notify(credstore.Change{Pair: pair})
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := keyring.Delete(s.service, s.user)
	s.mu.Unlock()

	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring credstore: delete: %w", err)
	}

	s.Notify(credstore.Change{Cleared: true})
	return nil
}
