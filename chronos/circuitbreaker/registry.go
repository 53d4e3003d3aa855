package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/chronoswork/lib-chronos/chronos/log"
)

// ErrOpenCircuit is wrapped by Allow when an account's breaker rejects the
// request without attempting it. Callers can distinguish "didn't try" from
// "tried and failed" via errors.Is.
var ErrOpenCircuit = errors.New("circuitbreaker: circuit open")

// Registry manages one circuit breaker per account. Breakers are created
// lazily on first use and persist for the registry's lifetime.
type Registry struct {
	config    Config
	logger    log.Logger
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.TwoStepCircuitBreaker
	listeners []StateChangeListener
}

// NewRegistry creates a registry whose breakers all share config.
func NewRegistry(config Config, logger log.Logger) *Registry {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	return &Registry{
		config:   config.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Allow asks the account's breaker whether a request may proceed. On
// admission it returns the callback that must be invoked with the attempt's
// outcome. On rejection it returns an error wrapping ErrOpenCircuit.
func (r *Registry) Allow(account string) (ReportFunc, error) {
	breaker := r.getOrCreate(account)

	done, err := breaker.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w for account %q: %v", ErrOpenCircuit, account, err)
		}

		return nil, err
	}

	return ReportFunc(done), nil
}

// State returns the current breaker state for an account, StateUnknown if no
// breaker exists yet.
func (r *Registry) State(account string) State {
	r.mu.RLock()
	breaker, exists := r.breakers[account]
	r.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// Counts returns the breaker statistics for an account, zero counts if no
// breaker exists yet.
func (r *Registry) Counts(account string) Counts {
	r.mu.RLock()
	breaker, exists := r.breakers[account]
	r.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	counts := breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// Reset discards the account's breaker; the next Allow starts from a closed
// state. A no-op for unknown accounts.
func (r *Registry) Reset(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.breakers[account]; exists {
		r.logger.Infof("Resetting circuit breaker for account %q", account)
		delete(r.breakers, account)
	}
}

// RegisterStateChangeListener registers a listener for state change
// notifications across all accounts.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		r.logger.Warnf("Attempted to register a nil state change listener")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) getOrCreate(account string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.RLock()
	breaker, exists := r.breakers[account]
	r.mu.RUnlock()

	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if breaker, exists = r.breakers[account]; exists {
		return breaker
	}

	cfg := r.config
	settings := gobreaker.Settings{
		Name:        "account-" + account,
		MaxRequests: 1, // exactly one half-open trial
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			r.handleStateChange(account, from, to)
		},
	}

	breaker = gobreaker.NewTwoStepCircuitBreaker(settings)
	r.breakers[account] = breaker

	r.logger.Debugf("Created circuit breaker for account %q", account)

	return breaker
}

// handleStateChange logs transitions and notifies listeners.
func (r *Registry) handleStateChange(account string, from gobreaker.State, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		r.logger.Errorf("Circuit breaker [%s] OPENED - connection attempts will fast-fail", account)
	case gobreaker.StateHalfOpen:
		r.logger.Infof("Circuit breaker [%s] HALF-OPEN - testing recovery", account)
	case gobreaker.StateClosed:
		r.logger.Infof("Circuit breaker [%s] CLOSED - account is healthy", account)
	}

	fromState := convertState(from)
	toState := convertState(to)

	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		// Notify in a goroutine so a slow listener never blocks the breaker.
		go func(l StateChangeListener) {
			defer func() {
				if recovered := recover(); recovered != nil {
					r.logger.Errorf("State change listener panic for account %q: %v", account, recovered)
				}
			}()

			l.OnStateChange(account, fromState, toState)
		}(listener)
	}
}
