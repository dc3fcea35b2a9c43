package fakeapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/aussiebroadwan/sessionkeeper/pkg/httpx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/jwtx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
)

// Error codes the fake API puts in JSON error bodies.
const (
	CodeBadCredentials     = "BAD_CREDENTIALS"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTokenExpired       = httpx.CodeTokenExpired
	CodeTokenInvalid       = httpx.CodeTokenInvalid
	CodeRefreshInvalid     = "REFRESH_TOKEN_INVALID"
	CodeRefreshRevoked     = "REFRESH_TOKEN_REVOKED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeServerError        = "SERVER_ERROR"
)

// ErrorBody is the JSON error envelope.
type ErrorBody = httpx.ErrorBody

type ctxKey struct{}

// ClaimsFrom returns the verified access-token claims of an authenticated
// request.
func ClaimsFrom(ctx context.Context) (jwtx.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(jwtx.Claims)
	return c, ok
}

// authn verifies the bearer token and rejects tokens minted before the
// current generation.
func (s *Server) authn(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := httpx.BearerToken(r)
		if !ok {
			httpx.WriteBearerError(w, false, "missing bearer token")
			return
		}

		claims, err := s.verify(raw)
		switch {
		case errors.Is(err, jwtx.ErrExpired):
			httpx.WriteBearerError(w, true, "access token expired")
			return
		case err != nil:
			slogx.FromContext(r.Context()).Debug("jwt_verify_failed", "err", err)
			httpx.WriteBearerError(w, false, "token verification failed")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	}
}
