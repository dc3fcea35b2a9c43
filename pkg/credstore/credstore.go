// Package credstore holds the session's token pair behind a small
// read/replace/clear contract with change notification.
//
// Every component of the session layer reads the current pair from a Store
// at the start of an operation and never keeps its own copy past it.
package credstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no pair is stored.
	ErrNotFound = errors.New("credstore: no credentials stored")

	// ErrPartialPair is returned by Set when either token is empty.
	ErrPartialPair = errors.New("credstore: token pair must carry both tokens")
)

// TokenPair is the access/refresh credential pair. It is a value: stores
// replace it wholesale and never mutate it in place.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// IsZero reports whether p carries no credentials at all.
func (p TokenPair) IsZero() bool { return p.Access == "" && p.Refresh == "" }

// Validate rejects partial pairs.
func (p TokenPair) Validate() error {
	if p.Access == "" || p.Refresh == "" {
		return ErrPartialPair
	}
	return nil
}

// Change describes one store mutation. Cleared is true when the pair was
// removed; Pair is then zero.
type Change struct {
	Pair    TokenPair
	Cleared bool
}

// Store is the credential persistence contract the session layer relies on.
type Store interface {
	// Get returns the current pair or ErrNotFound.
	Get(ctx context.Context) (TokenPair, error)

	// Set atomically replaces the stored pair.
	Set(ctx context.Context, pair TokenPair) error

	// Clear removes the stored pair. Clearing an empty store is not an error.
	Clear(ctx context.Context) error

	// Subscribe registers fn for change notifications and returns a func that
	// removes the subscription. fn must not block.
	Subscribe(fn func(Change)) (unsubscribe func())
}
