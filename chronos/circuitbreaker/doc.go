// Package circuitbreaker provides per-account circuit breakers for the
// connection pool.
//
// Each account gets its own breaker so one consistently-failing backend never
// gates attempts against healthy ones. Allow hands back a report callback,
// letting the pool gate every connect attempt and report its outcome without
// wrapping the attempt in a closure.
package circuitbreaker
