//go:build unit

package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoswork/lib-chronos/chronos/log"
)

func testConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 100 * time.Millisecond}
}

func TestUnknownAccountState(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(DefaultConfig(), &log.NoneLogger{})

	assert.Equal(t, StateUnknown, registry.State("nobody"))
	assert.Equal(t, Counts{}, registry.Counts("nobody"))
}

func TestClosedBreakerAdmitsRequests(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	report, err := registry.Allow("work")
	require.NoError(t, err)
	require.NotNil(t, report)

	report(true)
	assert.Equal(t, StateClosed, registry.State("work"))
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 3 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	assert.Equal(t, StateOpen, registry.State("work"))

	_, err := registry.Allow("work")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOpenCircuit)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 2 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	report, err := registry.Allow("work")
	require.NoError(t, err)
	report(true)

	// Two more failures are below the threshold again.
	for range 2 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	assert.Equal(t, StateClosed, registry.State("work"))
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 3 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	time.Sleep(150 * time.Millisecond)

	trial, err := registry.Allow("work")
	require.NoError(t, err, "first request after recovery timeout is the trial")

	// A second request during the trial is rejected.
	_, err = registry.Allow("work")
	assert.ErrorIs(t, err, ErrOpenCircuit)

	trial(true)
	assert.Equal(t, StateClosed, registry.State("work"))
}

func TestFailedTrialReopens(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 3 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	time.Sleep(150 * time.Millisecond)

	trial, err := registry.Allow("work")
	require.NoError(t, err)
	trial(false)

	assert.Equal(t, StateOpen, registry.State("work"))

	_, err = registry.Allow("work")
	assert.ErrorIs(t, err, ErrOpenCircuit)
}

func TestAccountsAreIndependent(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 3 {
		report, err := registry.Allow("flaky")
		require.NoError(t, err)
		report(false)
	}

	assert.Equal(t, StateOpen, registry.State("flaky"))

	report, err := registry.Allow("healthy")
	require.NoError(t, err, "healthy account must not be gated by flaky one")
	report(true)
	assert.Equal(t, StateClosed, registry.State("healthy"))
}

func TestReset(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	for range 3 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	registry.Reset("work")

	report, err := registry.Allow("work")
	require.NoError(t, err, "reset breaker starts closed")
	report(true)
}

type recordingListener struct {
	mu          sync.Mutex
	transitions []State
	notified    chan struct{}
}

func (l *recordingListener) OnStateChange(_ string, _ State, to State) {
	l.mu.Lock()
	l.transitions = append(l.transitions, to)
	l.mu.Unlock()

	select {
	case l.notified <- struct{}{}:
	default:
	}
}

func TestStateChangeListener(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})
	listener := &recordingListener{notified: make(chan struct{}, 1)}
	registry.RegisterStateChangeListener(listener)

	for range 3 {
		report, err := registry.Allow("work")
		require.NoError(t, err)
		report(false)
	}

	select {
	case <-listener.notified:
	case <-time.After(time.Second):
		t.Fatal("listener was not notified of the open transition")
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	require.NotEmpty(t, listener.transitions)
	assert.Equal(t, StateOpen, listener.transitions[0])
}

func TestConcurrentAllowSingleBreakerPerAccount(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testConfig(), &log.NoneLogger{})

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			report, err := registry.Allow("work")
			if err == nil {
				report(true)
			}
		}()
	}

	wg.Wait()

	counts := registry.Counts("work")
	assert.Equal(t, uint32(20), counts.TotalSuccesses)
}
