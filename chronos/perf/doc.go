// Package perf tracks recent operation durations per operation kind.
// Bulk execution uses the per-kind mean to scale its worker parallelism
// up or down between batches.
package perf
