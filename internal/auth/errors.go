package auth

import (
	"errors"
	"fmt"

	"github.com/dgellow/u5auth/internal/config"
)

// ErrLoggedOut means the caller has no usable provider session and must
// log in again. Refresh failures wrap it together with their cause.
var ErrLoggedOut = errors.New("logged out")

// ErrInvalidState is returned when a callback's state or credential token
// is malformed, forged, expired or already used.
var ErrInvalidState = errors.New("invalid login state")

// ConfigError reports a missing or incomplete provider configuration
type ConfigError = config.ConfigError

// TokenExchangeError is returned when the token endpoint rejects a grant or
// cannot be reached. StatusCode and Body are kept for diagnostics.
type TokenExchangeError struct {
	Grant      string
	StatusCode int
	ErrorCode  string
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.ErrorCode != "":
		return fmt.Sprintf("token exchange (%s) failed: %s", e.Grant, e.ErrorCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("token exchange (%s) failed with status %d: %v", e.Grant, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("token exchange (%s) failed: %v", e.Grant, e.Err)
	}
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// IdentityFetchError is returned when the userinfo endpoint fails
type IdentityFetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *IdentityFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("identity fetch failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("identity fetch failed: %v", e.Err)
}

func (e *IdentityFetchError) Unwrap() error {
	return e.Err
}
