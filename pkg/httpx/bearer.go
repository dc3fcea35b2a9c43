package httpx

import (
	"net/http"
	"strings"
)

// Codes a protected endpoint answers with when the bearer token is refused.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))
	return tok, tok != ""
}

// WriteBearerError writes a 401 with the RFC 6750 challenge. Expired tokens
// also carry the API's own expired flag in the body.
func WriteBearerError(w http.ResponseWriter, expired bool, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	body := ErrorBody{Code: CodeTokenInvalid, Message: desc}
	if expired {
		body.Code = CodeTokenExpired
		body.Expired = true
	}
	WriteJSON(w, http.StatusUnauthorized, body)
}
