package jwtx

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Inspect decodes the claims of a token without verifying its signature.
//
// Clients never hold the signing key; they only need exp to decide when to
// renew. Anything read here must not be trusted for authorization.
func Inspect(raw string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of raw.
func ExpiresAt(raw string) (time.Time, error) {
	claims, err := Inspect(raw)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// Remaining reports how long raw stays valid at now. A token that is already
// expired yields a negative duration.
func Remaining(raw string, now time.Time) (time.Duration, error) {
	exp, err := ExpiresAt(raw)
	if err != nil {
		return 0, err
	}
	return exp.Sub(now), nil
}
