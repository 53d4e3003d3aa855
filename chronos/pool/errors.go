package pool

import (
	"errors"
	"fmt"
)

// ErrBadCredentials marks connector errors caused by rejected credentials.
// Connectors wrap it so the pool can fail fast instead of retrying.
var ErrBadCredentials = errors.New("bad credentials")

// NotFoundError is returned when no account is configured for a key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account %q not found", e.Key)
}

// AuthenticationError is returned when credential retrieval or remote
// authentication fails. It is never retried, so callers can re-prompt
// for credentials instead of waiting out a retry loop.
type AuthenticationError struct {
	Key string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for account %q: %v", e.Key, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned when connecting failed after all retries, or
// when the account's circuit breaker rejected the request. In the breaker
// case it wraps circuitbreaker.ErrOpenCircuit, so callers can tell "did
// not try" from "tried and failed".
type ConnectionError struct {
	Key string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed for account %q: %v", e.Key, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
