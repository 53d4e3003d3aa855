// Package errgroup provides a goroutine group with panic recovery and an
// optional concurrency limit.
//
// It differs from golang.org/x/sync/errgroup in two ways that matter for the
// bulk engine: a panicking goroutine is converted into an error instead of
// crashing the process, and the concurrency limit blocks Go instead of
// queueing unbounded goroutines.
package errgroup
