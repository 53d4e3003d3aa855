// Package metrics provides a concurrency-safe factory for OpenTelemetry
// instruments with lazy creation and a no-op fallback, plus the metric
// definitions used by the connection pool and the bulk executor.
package metrics
