package perf

import (
	"sync"
	"time"
)

// DefaultWindowSize is how many recent samples are kept per operation kind.
const DefaultWindowSize = 50

// Tracker keeps a sliding window of the most recent operation durations,
// one window per operation kind. Older samples fall out as new ones arrive.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	window  int
	samples map[string]*ring
}

type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func (r *ring) push(d time.Duration) {
	r.buf[r.next] = d
	r.next++

	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}

	return r.next
}

func (r *ring) mean() time.Duration {
	n := r.len()
	if n == 0 {
		return 0
	}

	var total time.Duration
	for i := range n {
		total += r.buf[i]
	}

	return total / time.Duration(n)
}

// NewTracker creates a tracker with the given window size per operation
// kind. A non-positive size falls back to DefaultWindowSize.
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	return &Tracker{
		window:  windowSize,
		samples: make(map[string]*ring),
	}
}

// Record stores one duration sample for the given operation kind.
func (t *Tracker) Record(kind string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.samples[kind]
	if !ok {
		r = &ring{buf: make([]time.Duration, t.window)}
		t.samples[kind] = r
	}

	r.push(d)
}

// Mean returns the mean duration over the current window for the given
// kind, or zero when no samples have been recorded.
func (t *Tracker) Mean(kind string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.samples[kind]
	if !ok {
		return 0
	}

	return r.mean()
}

// Len returns the number of samples currently held for the given kind.
func (t *Tracker) Len(kind string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.samples[kind]
	if !ok {
		return 0
	}

	return r.len()
}

// Snapshot returns the mean duration per operation kind for every kind
// that has at least one sample.
func (t *Tracker) Snapshot() map[string]time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]time.Duration, len(t.samples))

	for kind, r := range t.samples {
		if r.len() > 0 {
			out[kind] = r.mean()
		}
	}

	return out
}

// Recommend suggests a parallelism level for the given kind based on the
// mean duration of its recent samples. Fast operations (mean below half
// the threshold) grow parallelism by half, capped at max. Slow operations
// (mean above the threshold) halve it, floored at min. With no samples,
// or a mean inside the comfortable band, current is returned unchanged.
func (t *Tracker) Recommend(kind string, current int, threshold time.Duration, minPar, maxPar int) int {
	mean := t.Mean(kind)
	if mean == 0 {
		return current
	}

	switch {
	case mean < threshold/2:
		scaled := current + current/2
		if scaled > maxPar {
			scaled = maxPar
		}

		return scaled
	case mean > threshold:
		scaled := current / 2
		if scaled < minPar {
			scaled = minPar
		}

		return scaled
	default:
		return current
	}
}
