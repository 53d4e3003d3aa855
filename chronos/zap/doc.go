// Package zap provides the production implementation of the lib-chronos log
// abstraction on top of go.uber.org/zap.
//
// New builds a logger from an environment profile (production profiles emit
// JSON, local profiles emit console output) and tees entries into the
// OpenTelemetry log bridge so hosts that export logs get them for free.
package zap
