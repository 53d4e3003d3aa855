package bulk

import "time"

// OperationResult is the outcome of one item. Index is the item's
// position in the input, stable regardless of completion order.
type OperationResult struct {
	Index    int
	Success  bool
	ResultID string
	Error    string
	Duration time.Duration
}

// Result is the outcome of a whole bulk call. Total always equals the
// input length. Under atomic mode with any failure, Successful is forced
// to zero and Failed to Total after rollback.
type Result struct {
	Total      int
	Successful int
	Failed     int
	Results    []OperationResult
	Duration   time.Duration
}

// SuccessRate is the fraction of items that succeeded, zero for an
// empty call.
func (r *Result) SuccessRate() float64 {
	if r.Total == 0 {
		return 0.0
	}

	return float64(r.Successful) / float64(r.Total)
}

// Failures returns the per-item results that failed, in input order.
func (r *Result) Failures() []OperationResult {
	var out []OperationResult

	for _, item := range r.Results {
		if !item.Success {
			out = append(out, item)
		}
	}

	return out
}

// Successes returns the per-item results that succeeded, in input order.
func (r *Result) Successes() []OperationResult {
	var out []OperationResult

	for _, item := range r.Results {
		if item.Success {
			out = append(out, item)
		}
	}

	return out
}
