package bulk

import (
	"errors"
	"fmt"
	"time"
)

// Mode is the consistency contract governing how a batch of independent
// operations handles partial failure.
type Mode string

const (
	// ModeContinue attempts every item regardless of prior failures.
	ModeContinue Mode = "continue"
	// ModeFailFast stops scheduling new batches after the first failure.
	ModeFailFast Mode = "fail_fast"
	// ModeAtomic rolls back every completed item when any item fails and
	// reports the whole call as failed. It requires a rollback operation.
	ModeAtomic Mode = "atomic"
)

const (
	defaultMaxParallel           = 5
	defaultMinParallel           = 1
	defaultMaxParallelLimit      = 20
	defaultBackpressureThreshold = 1 * time.Second
	defaultTimeoutPerOperation   = 30 * time.Second
)

// ErrAtomicRequiresRollback is returned when atomic mode is selected for
// an operation that has no rollback, such as bulk delete. Atomic mode has
// nothing to restore in that case, so it is a configuration error rather
// than a silent downgrade.
var ErrAtomicRequiresRollback = errors.New("atomic mode requires a rollback operation")

// Options is the per-call configuration for bulk execution. The zero
// value runs in CONTINUE mode with the default limits.
type Options struct {
	Mode Mode
	// MaxParallel is the starting worker parallelism. Default 5.
	MaxParallel int
	// MinParallel is the floor adaptive scaling may shrink to. Default 1.
	MinParallel int
	// MaxParallelLimit is the ceiling adaptive scaling may grow to.
	// Default 20.
	MaxParallelLimit int
	// AdaptiveScaling enables latency-driven parallelism adjustment
	// between batches.
	AdaptiveScaling bool
	// BackpressureThreshold is the mean item latency above which
	// parallelism is halved. Default 1s.
	BackpressureThreshold time.Duration
	// TimeoutPerOperation caps each item's execution. Default 30s.
	TimeoutPerOperation time.Duration
	// ValidateBeforeExecute runs the operation's structural validation
	// on every item before anything is dispatched.
	ValidateBeforeExecute bool
	// DryRun reports every item successful with a synthetic id without
	// invoking the operation.
	DryRun bool
}

func (o Options) normalized() Options {
	if o.Mode == "" {
		o.Mode = ModeContinue
	}

	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}

	if o.MinParallel <= 0 {
		o.MinParallel = defaultMinParallel
	}

	if o.MaxParallelLimit <= 0 {
		o.MaxParallelLimit = defaultMaxParallelLimit
	}

	if o.MaxParallelLimit < o.MaxParallel {
		o.MaxParallelLimit = o.MaxParallel
	}

	if o.BackpressureThreshold <= 0 {
		o.BackpressureThreshold = defaultBackpressureThreshold
	}

	if o.TimeoutPerOperation <= 0 {
		o.TimeoutPerOperation = defaultTimeoutPerOperation
	}

	return o
}

func (o Options) check(hasRollback bool) error {
	switch o.Mode {
	case ModeContinue, ModeFailFast:
	case ModeAtomic:
		if !hasRollback {
			return ErrAtomicRequiresRollback
		}
	default:
		return fmt.Errorf("unknown bulk mode %q", o.Mode)
	}

	return nil
}
