// Package chronos carries request-scoped facilities through context for
// the resilience packages in this module: the logger, the metric factory
// and a correlation id.
package chronos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chronoswork/lib-chronos/chronos/log"
	"github.com/chronoswork/lib-chronos/chronos/metrics"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

type contextKey string

const requestContextKey = contextKey("request_context")

type requestContext struct {
	requestID     string
	logger        log.Logger
	metricFactory *metrics.Factory
}

func requestContextFrom(ctx context.Context) *requestContext {
	values, _ := ctx.Value(requestContextKey).(*requestContext)
	if values == nil {
		return &requestContext{}
	}

	clone := *values

	return &clone
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := requestContextFrom(ctx)
	values.logger = logger

	return context.WithValue(ctx, requestContextKey, values)
}

// LoggerFromContext extracts the logger from the context, falling back to
// a no-op logger so callers never need a nil check.
func LoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(requestContextKey).(*requestContext); ok && values.logger != nil {
		return values.logger
	}

	return &log.NoneLogger{}
}

// ContextWithMetricFactory returns a context carrying the given factory.
func ContextWithMetricFactory(ctx context.Context, factory *metrics.Factory) context.Context {
	values := requestContextFrom(ctx)
	values.metricFactory = factory

	return context.WithValue(ctx, requestContextKey, values)
}

// MetricFactoryFromContext extracts the metric factory from the context,
// falling back to a no-op factory.
func MetricFactoryFromContext(ctx context.Context) *metrics.Factory {
	if values, ok := ctx.Value(requestContextKey).(*requestContext); ok && values.metricFactory != nil {
		return values.metricFactory
	}

	return metrics.NewNopFactory()
}

// ContextWithRequestID returns a context carrying the given correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	values := requestContextFrom(ctx)
	values.requestID = requestID

	return context.WithValue(ctx, requestContextKey, values)
}

// RequestIDFromContext extracts the correlation id from the context,
// generating a fresh one when the context carries none.
func RequestIDFromContext(ctx context.Context) string {
	if values, ok := ctx.Value(requestContextKey).(*requestContext); ok {
		if trimmed := strings.TrimSpace(values.requestID); trimmed != "" {
			return trimmed
		}
	}

	return uuid.NewString()
}

// WithTimeoutSafe creates a context with the given timeout while
// respecting any shorter deadline already present on the parent. When the
// parent's deadline is nearer than the requested timeout, the returned
// context inherits it instead of extending it.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < timeout {
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
