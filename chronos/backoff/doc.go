// Package backoff provides exponential backoff utilities with jitter support
// for the connection pool's retry loop.
package backoff
