// Package pool manages authenticated sessions to remote calendar accounts.
// Each account key owns at most one live connection, created lazily under a
// per-key lock, gated by a circuit breaker, retried with exponential backoff
// and evicted when it outlives its time to live. The pool tracks per-account
// connection health for introspection.
package pool
