package session

import "errors"

// ErrNotFound is returned when no record exists for an (account, platform).
var ErrNotFound = errors.New("session: not found")

// ErrTokenNotFound is returned when a connect token does not match any
// record; the caller must request a fresh token.
var ErrTokenNotFound = errors.New("session: connect token not found")

// ErrTokenExpired is returned when a connect token exists but its short TTL
// has passed; the caller must request a fresh token.
var ErrTokenExpired = errors.New("session: connect token expired")
