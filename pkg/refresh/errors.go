package refresh

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrRefreshFailed wraps every failed renewal attempt.
	ErrRefreshFailed = errors.New("refresh: renewal failed")

	// ErrCircuitOpen is returned once the breaker has tripped. Only a new
	// login resets it.
	ErrCircuitOpen = errors.New("refresh: circuit open")

	// ErrTooSoon is returned when an attempt completed less than the cooldown
	// ago. No renewal is started.
	ErrTooSoon = errors.New("refresh: too soon after previous attempt")

	// ErrNoCredentials means the store held no refresh token to renew with.
	ErrNoCredentials = errors.New("refresh: no refresh token stored")

	errClearedDuringRenewal = fmt.Errorf("%w: cleared during renewal", ErrNoCredentials)

	// ErrRejected matches any *RenewalError.
	ErrRejected = errors.New("refresh: refresh token rejected")
)

// RejectKind classifies why the server refused a refresh token.
type RejectKind int

const (
	RejectInvalid RejectKind = iota + 1
	RejectExpired
	RejectRevoked
)

func (k RejectKind) String() string {
	switch k {
	case RejectExpired:
		return "expired"
	case RejectRevoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// Message is a user-facing explanation suitable for a sign-in prompt.
func (k RejectKind) Message() string {
	switch k {
	case RejectExpired:
		return "Your session has expired. Please sign in again."
	case RejectRevoked:
		return "You were signed out on another device. Please sign in again."
	default:
		return "Your session is no longer valid. Please sign in again."
	}
}

// RenewalError is a definitive refusal of the refresh token by the server.
type RenewalError struct {
	Kind        RejectKind
	StatusCode  int
	Code        string
	Description string
}

func (e *RenewalError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("refresh token %s (HTTP %d %s)", e.Kind, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("refresh token %s (HTTP %d %s): %s", e.Kind, e.StatusCode, e.Code, e.Description)
}

func (e *RenewalError) Is(target error) bool { return target == ErrRejected }

// IsRejected reports whether err carries a definitive refusal of the
// refresh token.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// classify maps a failed renewal response to an error. Client errors are
// definitive refusals; anything else is transient.
func classify(status int, code, description string) error {
	if status < 400 || status >= 500 || status == http.StatusTooManyRequests {
		if code == "" {
			code = http.StatusText(status)
		}
		return fmt.Errorf("renewal endpoint returned HTTP %d: %s", status, code)
	}

	kind := RejectInvalid
	text := strings.ToLower(code + " " + description)
	switch {
	case strings.Contains(text, "revoked"):
		kind = RejectRevoked
	case strings.Contains(text, "expired"):
		kind = RejectExpired
	}

	return &RenewalError{
		Kind:        kind,
		StatusCode:  status,
		Code:        code,
		Description: description,
	}
}

// parseErrorBody reads the error code and description from either an OAuth2
// style or a marketplace style JSON body.
func parseErrorBody(status int, body []byte) error {
	res := gjson.GetManyBytes(body, "error", "code", "error_description", "message")

	code := res[0].String()
	if code == "" {
		code = res[1].String()
	}
	description := res[2].String()
	if description == "" {
		description = res[3].String()
	}
	return classify(status, code, description)
}
