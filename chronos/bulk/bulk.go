package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronoswork/lib-chronos/chronos/errgroup"
	"github.com/chronoswork/lib-chronos/chronos/log"
	"github.com/chronoswork/lib-chronos/chronos/metrics"
	"github.com/chronoswork/lib-chronos/chronos/perf"
)

// Operation describes one kind of single-item work the executor can drive.
// Execute applies the item and returns the created resource id. Validate,
// when set, is a synchronous structural check run before dispatch.
// Rollback compensates a completed item; atomic mode requires it.
type Operation[T any] struct {
	Kind     string
	Execute  func(ctx context.Context, calendarID string, item T) (string, error)
	Validate func(item T) error
	Rollback func(ctx context.Context, calendarID, resultID string) error
}

// Executor drives bulk calls. It holds the cross-call latency tracker that
// adaptive scaling feeds on; the per-call knobs live in Options.
type Executor struct {
	tracker *perf.Tracker
	logger  log.Logger
	factory *metrics.Factory
}

// NewExecutor creates an executor. Any nil dependency is replaced with an
// inert default.
func NewExecutor(tracker *perf.Tracker, logger log.Logger, factory *metrics.Factory) *Executor {
	if tracker == nil {
		tracker = perf.NewTracker(perf.DefaultWindowSize)
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	if factory == nil {
		factory = metrics.NewNopFactory()
	}

	return &Executor{tracker: tracker, logger: logger, factory: factory}
}

// Tracker exposes the executor's latency tracker for introspection.
func (e *Executor) Tracker() *perf.Tracker {
	return e.tracker
}

type completed struct {
	index    int
	resultID string
}

// Run applies op to every item in consecutive batches sized by the current
// parallelism, bounded by a worker pool of min(batch size, parallelism)
// workers. Per-item failures become failed rows, never errors; Run itself
// only fails on configuration errors. Results are in input order. Under
// fail-fast, items never scheduled are absent from the results; under
// atomic, a failure rolls back completed items and fails the whole call.
func Run[T any](ctx context.Context, e *Executor, calendarID string, items []T, opts Options, op Operation[T]) (*Result, error) {
	opts = opts.normalized()
	if err := opts.check(op.Rollback != nil); err != nil {
		return nil, err
	}

	start := time.Now()
	total := len(items)
	logger := e.logger.WithFields(
		"request_id", uuid.NewString(),
		"calendar_id", calendarID,
		"operation", op.Kind,
		"mode", string(opts.Mode),
	)

	logger.Infof("bulk call started with %d items", total)

	if opts.DryRun {
		return dryRunResult(total, start), nil
	}

	rows := make([]*OperationResult, total)

	if opts.ValidateBeforeExecute && op.Validate != nil {
		offenders := 0

		for i, item := range items {
			if err := op.Validate(item); err != nil {
				rows[i] = &OperationResult{Index: i, Error: err.Error()}
				offenders++
			}
		}

		// Atomic calls must not touch the network when any item is
		// structurally invalid.
		if offenders > 0 && opts.Mode == ModeAtomic {
			logger.Warnf("atomic call aborted, %d items failed validation", offenders)
			return assemble(rows, total, start), nil
		}
	}

	parallelism := opts.MaxParallel
	succeeded := make([]completed, 0, total)
	aborted := false

	for batchStart := 0; batchStart < total; {
		batchEnd := batchStart + parallelism
		if batchEnd > total {
			batchEnd = total
		}

		e.reportParallelism(ctx, op.Kind, parallelism)
		runBatch(ctx, e, calendarID, items, rows, batchStart, batchEnd, parallelism, opts, op)

		for i := batchStart; i < batchEnd; i++ {
			if rows[i].Success {
				succeeded = append(succeeded, completed{index: i, resultID: rows[i].ResultID})
			}
		}

		if batchFailed(rows, batchEnd) {
			switch opts.Mode {
			case ModeFailFast:
				logger.Warnf("stopping after batch ending at item %d, first failure observed", batchEnd)
				aborted = true
			case ModeAtomic:
				rollback(ctx, logger, calendarID, op, rows, succeeded, total)
				aborted = true
			}
		}

		if aborted {
			break
		}

		batchStart = batchEnd

		if opts.AdaptiveScaling {
			next := e.tracker.Recommend(op.Kind, parallelism, opts.BackpressureThreshold, opts.MinParallel, opts.MaxParallelLimit)
			if next != parallelism {
				logger.Infof("adaptive scaling adjusted parallelism %d -> %d", parallelism, next)
				parallelism = next
			}
		}
	}

	result := assemble(rows, total, start)
	e.countItems(ctx, op.Kind, result)
	logger.Infof("bulk call finished: %d/%d succeeded in %s", result.Successful, result.Total, result.Duration)

	return result, nil
}

// runBatch executes rows[batchStart:batchEnd] concurrently, bounded by
// min(batch size, parallelism) workers. Items that already carry a
// validation failure are skipped.
func runBatch[T any](ctx context.Context, e *Executor, calendarID string, items []T, rows []*OperationResult, batchStart, batchEnd, parallelism int, opts Options, op Operation[T]) {
	group, _ := errgroup.WithContext(ctx)

	limit := batchEnd - batchStart
	if parallelism < limit {
		limit = parallelism
	}

	group.SetLimit(limit)

	for i := batchStart; i < batchEnd; i++ {
		if rows[i] != nil {
			continue
		}

		group.Go(func() error {
			row := executeItem(ctx, calendarID, items[i], i, opts.TimeoutPerOperation, op)
			rows[i] = &row

			e.tracker.Record(op.Kind, row.Duration)
			e.recordDuration(ctx, op.Kind, row)

			return nil
		})
	}

	// Workers never return errors; failures are captured per item.
	_ = group.Wait()
}

// executeItem runs one item with its own deadline, converting panics from
// the delegate into a failed row so one bad item never aborts the batch.
func executeItem[T any](ctx context.Context, calendarID string, item T, index int, timeout time.Duration, op Operation[T]) OperationResult {
	start := time.Now()

	var resultID string

	err := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("operation panicked: %v", recovered)
			}
		}()

		itemCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resultID, err = op.Execute(itemCtx, calendarID, item)

		return err
	}()

	elapsed := time.Since(start)

	if err != nil {
		return OperationResult{Index: index, Error: err.Error(), Duration: elapsed}
	}

	return OperationResult{Index: index, Success: true, ResultID: resultID, Duration: elapsed}
}

// rollback compensates every item that completed before the failure,
// exactly once each, then rewrites the rows so the call reports zero
// successes and a failure for every input item. Rollback errors are
// logged, not surfaced.
func rollback[T any](ctx context.Context, logger log.Logger, calendarID string, op Operation[T], rows []*OperationResult, succeeded []completed, total int) {
	logger.Warnf("atomic batch failed, rolling back %d completed items", len(succeeded))

	for _, item := range succeeded {
		if err := op.Rollback(ctx, calendarID, item.resultID); err != nil {
			logger.Errorf("rollback of item %d (%s) failed: %v", item.index, item.resultID, err)
		}

		rows[item.index] = &OperationResult{
			Index:    item.index,
			Error:    "rolled back after batch failure",
			Duration: rows[item.index].Duration,
		}
	}

	for i := range total {
		if rows[i] == nil {
			rows[i] = &OperationResult{Index: i, Error: "aborted before execution"}
		}
	}
}

func batchFailed(rows []*OperationResult, upto int) bool {
	for i := range upto {
		if rows[i] != nil && !rows[i].Success {
			return true
		}
	}

	return false
}

func dryRunResult(total int, start time.Time) *Result {
	results := make([]OperationResult, total)

	for i := range total {
		results[i] = OperationResult{
			Index:    i,
			Success:  true,
			ResultID: fmt.Sprintf("dry-run-uid-%d", i),
		}
	}

	return &Result{
		Total:      total,
		Successful: total,
		Results:    results,
		Duration:   time.Since(start),
	}
}

func assemble(rows []*OperationResult, total int, start time.Time) *Result {
	result := &Result{Total: total, Duration: time.Since(start)}

	for _, row := range rows {
		if row == nil {
			continue
		}

		result.Results = append(result.Results, *row)

		if row.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}

	return result
}

func (e *Executor) reportParallelism(ctx context.Context, kind string, parallelism int) {
	if gauge, err := e.factory.Gauge(metrics.MetricBulkParallelism); err == nil {
		_ = gauge.WithLabels(map[string]string{"kind": kind}).Set(ctx, int64(parallelism))
	}
}

func (e *Executor) recordDuration(ctx context.Context, kind string, row OperationResult) {
	if histogram, err := e.factory.Histogram(metrics.MetricBulkItemDuration); err == nil {
		_ = histogram.WithLabels(map[string]string{"kind": kind}).Record(ctx, row.Duration.Milliseconds())
	}
}

func (e *Executor) countItems(ctx context.Context, kind string, result *Result) {
	counter, err := e.factory.Counter(metrics.MetricBulkItemsProcessed)
	if err != nil {
		return
	}

	if result.Successful > 0 {
		_ = counter.WithLabels(map[string]string{"kind": kind, "status": "success"}).Add(ctx, int64(result.Successful))
	}

	if result.Failed > 0 {
		_ = counter.WithLabels(map[string]string{"kind": kind, "status": "failure"}).Add(ctx, int64(result.Failed))
	}
}
