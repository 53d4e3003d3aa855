//go:build unit

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoswork/lib-chronos/chronos/circuitbreaker"
	"github.com/chronoswork/lib-chronos/chronos/log"
)

type fakeSession struct {
	calendars []string
	closed    atomic.Bool
	listErr   error
}

func (s *fakeSession) ListCalendars(_ context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	return s.calendars, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeConnector fails the first failures calls, then succeeds. failWith
// overrides the transient error for every failing call.
type fakeConnector struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
	delay    time.Duration
	sessions []*fakeSession
}

func (c *fakeConnector) Connect(_ context.Context, _, _, _ string) (Session, string, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	if call <= c.failures {
		err := c.failWith
		if err == nil {
			err = fmt.Errorf("connect refused on call %d", call)
		}

		return nil, "", err
	}

	session := &fakeSession{calendars: []string{"personal", "work"}}

	c.mu.Lock()
	c.sessions = append(c.sessions, session)
	c.mu.Unlock()

	return session, "principals/tester", nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func testPool(t *testing.T, cfg Config, connector Connector) *Pool {
	t.Helper()

	source := StaticAccounts{
		"work": {URL: "https://caldav.example.com", Username: "tester", Password: "fallback"},
	}

	p, err := NewPool(cfg, source, nil, connector, &log.NoneLogger{}, nil)
	require.NoError(t, err)

	return p
}

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		Breaker:    circuitbreaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute},
	}
}

func TestGetConnectionUnknownAccount(t *testing.T) {
	t.Parallel()

	p := testPool(t, fastConfig(), &fakeConnector{})

	_, err := p.GetConnection(context.Background(), "missing")

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Key)
}

func TestGetConnectionReusesCachedHandle(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	p := testPool(t, fastConfig(), connector)

	first, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "principals/tester", first.Principal)

	second, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	assert.Equal(t, 1, connector.callCount())
	assert.Same(t, first.Session, second.Session)
}

func TestConcurrentGetConnectionConnectsOnce(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{delay: 20 * time.Millisecond}
	p := testPool(t, fastConfig(), connector)

	var wg sync.WaitGroup

	handles := make([]Handle, 16)

	for i := range handles {
		wg.Add(1)

		go func() {
			defer wg.Done()

			handle, err := p.GetConnection(context.Background(), "work")
			assert.NoError(t, err)
			handles[i] = handle
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, connector.callCount(), "all callers must share one connect")

	for _, handle := range handles[1:] {
		assert.Same(t, handles[0].Session, handle.Session)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{failures: 2}
	p := testPool(t, fastConfig(), connector)

	handle, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)
	require.NotNil(t, handle.Session)
	assert.Equal(t, 3, connector.callCount())

	health, ok := p.Health("work")
	require.True(t, ok)
	assert.EqualValues(t, 3, health.TotalAttempts)
	assert.EqualValues(t, 1, health.SuccessfulConnections)
	assert.EqualValues(t, 2, health.FailedConnections)
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{failures: 10}
	p := testPool(t, fastConfig(), connector)

	_, err := p.GetConnection(context.Background(), "work")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connector.callCount(), "bounded by MaxRetries")
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{
		failures: 10,
		failWith: fmt.Errorf("server said 401: %w", ErrBadCredentials),
	}
	p := testPool(t, fastConfig(), connector)

	_, err := p.GetConnection(context.Background(), "work")

	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, connector.callCount(), "auth failures are fatal")
}

func TestOpenBreakerFailsFastWithoutDialing(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{failures: 100}
	p := testPool(t, fastConfig(), connector)

	// Two calls of three attempts each; the breaker opens at the fifth
	// consecutive failure, so the second call's last attempt is already
	// rejected without dialing.
	for range 2 {
		_, err := p.GetConnection(context.Background(), "work")
		require.Error(t, err)
	}

	dialed := connector.callCount()
	assert.LessOrEqual(t, dialed, 6)
	assert.Equal(t, circuitbreaker.StateOpen, p.BreakerState("work"))

	_, err := p.GetConnection(context.Background(), "work")
	require.ErrorIs(t, err, circuitbreaker.ErrOpenCircuit)

	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, dialed, connector.callCount(), "open circuit must not dial")
}

func TestStaleConnectionIsReplaced(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	cfg := fastConfig()
	cfg.TTL = 30 * time.Millisecond
	p := testPool(t, cfg, connector)

	first, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	second, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	assert.Equal(t, 2, connector.callCount(), "stale record must be replaced")
	assert.NotSame(t, first.Session, second.Session)
	assert.True(t, first.Session.(*fakeSession).closed.Load(), "stale session must be closed")
}

func TestDisconnectAccount(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	p := testPool(t, fastConfig(), connector)

	handle, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	p.DisconnectAccount("work")
	p.DisconnectAccount("work") // idempotent

	assert.True(t, handle.Session.(*fakeSession).closed.Load())

	_, err = p.GetConnection(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, 2, connector.callCount())
}

func TestCleanupStale(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	p := testPool(t, fastConfig(), connector)

	_, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	assert.Equal(t, 0, p.CleanupStale(context.Background(), time.Hour))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, p.CleanupStale(context.Background(), 10*time.Millisecond))
	assert.Equal(t, 0, p.CleanupStale(context.Background(), 10*time.Millisecond))
}

func TestHealthUnknownAccount(t *testing.T) {
	t.Parallel()

	p := testPool(t, fastConfig(), &fakeConnector{})

	health, ok := p.Health("never-dialed")
	assert.False(t, ok)
	assert.Zero(t, health.SuccessRate())
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{failures: 1}
	p := testPool(t, fastConfig(), connector)

	_, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	health, ok := p.Health("work")
	require.True(t, ok)
	assert.InDelta(t, 0.5, health.SuccessRate(), 1e-9)
	assert.NotEmpty(t, health.LastAttemptAt)
}

func TestTestAccount(t *testing.T) {
	t.Parallel()

	p := testPool(t, fastConfig(), &fakeConnector{})

	calendars, err := p.TestAccount(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, []string{"personal", "work"}, calendars)
}

func TestTestAccountListFailure(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	p := testPool(t, fastConfig(), connector)

	handle, err := p.GetConnection(context.Background(), "work")
	require.NoError(t, err)
	handle.Session.(*fakeSession).listErr = errors.New("503 from backend")

	_, err = p.TestAccount(context.Background(), "work")

	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{}
	source := StaticAccounts{
		"a": {URL: "https://one.example.com", Username: "u", Password: "p"},
		"b": {URL: "https://two.example.com", Username: "u", Password: "p"},
	}

	p, err := NewPool(fastConfig(), source, nil, connector, &log.NoneLogger{}, nil)
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "a")
	require.NoError(t, err)
	_, err = p.GetConnection(context.Background(), "b")
	require.NoError(t, err)

	p.Shutdown()

	for _, session := range connector.sessions {
		assert.True(t, session.closed.Load())
	}
}

type mapCredentials map[string]string

func (m mapCredentials) Password(key, fallback string) (string, error) {
	if password, ok := m[key]; ok {
		return password, nil
	}

	return fallback, nil
}

type recordingConnector struct {
	fakeConnector
	mu        sync.Mutex
	passwords []string
}

func (c *recordingConnector) Connect(ctx context.Context, url, username, password string) (Session, string, error) {
	c.mu.Lock()
	c.passwords = append(c.passwords, password)
	c.mu.Unlock()

	return c.fakeConnector.Connect(ctx, url, username, password)
}

func TestCredentialStoreOverridesFallback(t *testing.T) {
	t.Parallel()

	connector := &recordingConnector{}
	source := StaticAccounts{
		"work": {URL: "https://caldav.example.com", Username: "tester", Password: "fallback"},
	}

	p, err := NewPool(fastConfig(), source, mapCredentials{"work": "vault-secret"}, connector, &log.NoneLogger{}, nil)
	require.NoError(t, err)

	_, err = p.GetConnection(context.Background(), "work")
	require.NoError(t, err)

	require.Len(t, connector.passwords, 1)
	assert.Equal(t, "vault-secret", connector.passwords[0])
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{}, StaticAccounts{}, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewPool(Config{}, nil, nil, &fakeConnector{}, nil, nil)
	assert.Error(t, err)
}
