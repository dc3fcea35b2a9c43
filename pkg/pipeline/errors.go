package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrAuthRejected matches an *APIError for a 401 that survived recovery.
var ErrAuthRejected = errors.New("pipeline: authentication rejected")

// Codes the marketplace API uses in error bodies.
const (
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Expired is set when the server flagged the access token as expired.
	Expired bool
	Body    []byte

	// Cause is why an auth failure could not be recovered, usually a
	// refresh error.
	Cause error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("api error %d %s (%v)", e.StatusCode, msg, e.Cause)
	}
	return fmt.Sprintf("api error %d %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error { return e.Cause }

func (e *APIError) Is(target error) bool {
	return target == ErrAuthRejected && e.StatusCode == http.StatusUnauthorized
}

// IsAuthFailure reports whether the response denotes a rejected access token.
func IsAuthFailure(status int) bool { return status == http.StatusUnauthorized }

// parseAPIError builds an APIError from a response and its fully read body.
func parseAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       body,
	}

	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "code", "error", "message", "error_description", "expired")
		apiErr.Code = res[0].String()
		if apiErr.Code == "" {
			apiErr.Code = res[1].String()
		}
		apiErr.Message = res[2].String()
		if apiErr.Message == "" {
			apiErr.Message = res[3].String()
		}
		apiErr.Expired = res[4].Bool() || apiErr.Code == CodeTokenExpired
	}

	if challenge := resp.Header.Get("WWW-Authenticate"); strings.Contains(challenge, `error="invalid_token"`) {
		apiErr.Expired = true
	}
	return apiErr
}
