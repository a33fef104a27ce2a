package sessionkit

import (
	"errors"
	"fmt"
)

// Failure taxonomy for the session lifecycle.
var (
	// ErrMissingCredential is returned when a request required a token and
	// none was stored. The request fails locally, before the network.
	ErrMissingCredential = errors.New("no access token available")

	// ErrMalformedToken is returned when the stored token cannot be decoded.
	ErrMalformedToken = errors.New("access token is malformed")

	// ErrTokenExpired reports a locally expired token. Advisory only; it
	// never forces a logout by itself.
	ErrTokenExpired = errors.New("access token has expired")

	// ErrRefreshFailed is fatal: the renewal call failed or the backend
	// rejected the refresh token. The session is torn down.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrInvalidCredentials is returned when the backend rejects a login.
	// Recoverable; surfaced to the caller for a user-facing retry.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrLoggedOut is returned by the refresh coordinator once the session
	// has terminally ended and no further renewal will be attempted.
	ErrLoggedOut = errors.New("session is logged out")
)

// APIError carries an error payload returned by the backend.
type APIError struct {
	Status  int
	Mensaje string `json:"mensaje"`
}

func (e *APIError) Error() string {
	if e.Mensaje != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Mensaje)
	}
	return fmt.Sprintf("api error %d", e.Status)
}
