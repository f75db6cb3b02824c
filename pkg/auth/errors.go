package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned by a Store that has nothing persisted yet.
	ErrNoCredential = errors.New("no stored credential")
	// ErrLoginTimeout means the device code expired before the user approved it.
	ErrLoginTimeout = errors.New("oauth device login timed out")
	// ErrInteractionRequired is returned when a token can only be obtained by
	// an interactive device login and the caller did not allow one.
	ErrInteractionRequired = errors.New("interactive login required")
	ErrUnknownRegion       = errors.New("unknown oauth region")
)

// OAuthError carries a failure reported by the provider itself.
type OAuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *OAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oauth %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("oauth %s failed: %s", e.Op, e.Message)
}
