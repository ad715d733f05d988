package auth

import "errors"

// Domain errors for token handling.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrUnknownScope = errors.New("unknown scope")
	ErrNoSecret     = errors.New("no signing secret configured")
)
