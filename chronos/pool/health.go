package pool

import (
	"sync"
	"time"
)

// HealthRecord holds rolling connection counters for one account. Counters
// are monotonic for the lifetime of the pool.
type HealthRecord struct {
	TotalAttempts         int64
	SuccessfulConnections int64
	FailedConnections     int64
	LastError             string
	LastAttemptAt         time.Time
}

// SuccessRate is the fraction of attempts that connected, zero when the
// account has never been attempted.
func (h HealthRecord) SuccessRate() float64 {
	if h.TotalAttempts == 0 {
		return 0.0
	}

	return float64(h.SuccessfulConnections) / float64(h.TotalAttempts)
}

type healthRegistry struct {
	mu      sync.RWMutex
	records map[string]*HealthRecord
}

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{records: make(map[string]*HealthRecord)}
}

func (r *healthRegistry) recordAttempt(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(key)
	rec.TotalAttempts++
	rec.LastAttemptAt = time.Now()
}

func (r *healthRegistry) recordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(key)
	rec.SuccessfulConnections++
	rec.LastError = ""
}

func (r *healthRegistry) recordFailure(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(key)
	rec.FailedConnections++

	if err != nil {
		rec.LastError = err.Error()
	}
}

func (r *healthRegistry) recordLocked(key string) *HealthRecord {
	rec, ok := r.records[key]
	if !ok {
		rec = &HealthRecord{}
		r.records[key] = rec
	}

	return rec
}

func (r *healthRegistry) snapshot(key string) (HealthRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return HealthRecord{}, false
	}

	return *rec, true
}

func (r *healthRegistry) all() map[string]HealthRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]HealthRecord, len(r.records))
	for key, rec := range r.records {
		out[key] = *rec
	}

	return out
}
