package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chronoswork/lib-chronos/chronos/backoff"
	"github.com/chronoswork/lib-chronos/chronos/circuitbreaker"
	"github.com/chronoswork/lib-chronos/chronos/log"
	"github.com/chronoswork/lib-chronos/chronos/metrics"
)

const (
	defaultTTL            = 30 * time.Minute
	defaultMaxRetries     = 3
	defaultRetryBase      = 1 * time.Second
	defaultConnectTimeout = 30 * time.Second
)

// Account is the connection configuration for one remote account. Password
// is the fallback used when the credential store has no entry for the key.
type Account struct {
	URL      string
	Username string
	Password string
}

// AccountSource resolves account keys to connection configuration.
type AccountSource interface {
	Account(key string) (Account, bool)
}

// StaticAccounts is an in-memory AccountSource.
type StaticAccounts map[string]Account

func (s StaticAccounts) Account(key string) (Account, bool) {
	account, ok := s[key]
	return account, ok
}

// CredentialStore resolves passwords for account keys. Implementations
// return the fallback when they hold no entry for the key.
type CredentialStore interface {
	Password(key, fallback string) (string, error)
}

// Session is an authenticated connection to one account's backend. It is
// not safe for concurrent use by itself; the pool hands out at most one
// per account.
type Session interface {
	ListCalendars(ctx context.Context) ([]string, error)
	Close() error
}

// Connector establishes sessions against the remote backend. Credential
// rejections must be reported wrapping ErrBadCredentials; any other error
// is treated as transient and retried.
type Connector interface {
	Connect(ctx context.Context, url, username, password string) (session Session, principal string, err error)
}

// Handle is what callers receive from GetConnection: the live session plus
// the principal resolved during authentication.
type Handle struct {
	Session   Session
	Principal string
}

// Config carries the pool's resilience settings. Zero values fall back to
// the defaults.
type Config struct {
	// TTL is how long a connection may live before it is considered
	// stale and replaced on next use. Default 30 minutes.
	TTL time.Duration
	// MaxRetries bounds connect attempts per GetConnection call. Default 3.
	MaxRetries int
	// RetryBase is the backoff base delay between attempts. Default 1s.
	RetryBase time.Duration
	// ConnectTimeout caps each individual connect attempt. Default 30s.
	ConnectTimeout time.Duration
	// Breaker configures the per-account circuit breakers.
	Breaker circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	return c
}

type record struct {
	handle    Handle
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanoseconds
}

// Pool owns the per-account connection records and all resilience state
// around them. Structural map access is guarded by a coarse lock; the
// connect, evict and reconnect sequence for one account is linearized by
// that account's own lock, so unrelated accounts never block each other.
type Pool struct {
	cfg       Config
	source    AccountSource
	creds     CredentialStore
	connector Connector
	logger    log.Logger
	factory   *metrics.Factory
	breakers  *circuitbreaker.Registry
	retry     backoff.Policy

	mu    sync.RWMutex
	conns map[string]*record

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	health *healthRegistry
}

var errNilConnector = errors.New("connector cannot be nil")

// NewPool creates a connection pool. source and connector are required;
// creds may be nil, in which case account fallback passwords are used
// directly. logger and factory may be nil.
func NewPool(cfg Config, source AccountSource, creds CredentialStore, connector Connector, logger log.Logger, factory *metrics.Factory) (*Pool, error) {
	if connector == nil {
		return nil, errNilConnector
	}

	if source == nil {
		return nil, errors.New("account source cannot be nil")
	}

	if logger == nil {
		logger = &log.NoneLogger{}
	}

	if factory == nil {
		factory = metrics.NewNopFactory()
	}

	cfg = cfg.withDefaults()

	return &Pool{
		cfg:       cfg,
		source:    source,
		creds:     creds,
		connector: connector,
		logger:    logger,
		factory:   factory,
		breakers:  circuitbreaker.NewRegistry(cfg.Breaker, logger),
		retry:     backoff.Policy{Base: cfg.RetryBase, Cap: 30 * time.Second, Jitter: true},
		conns:     make(map[string]*record),
		locks:     make(map[string]*sync.Mutex),
		health:    newHealthRegistry(),
	}, nil
}

// GetConnection returns the live handle for the account, connecting or
// reconnecting if needed. A fresh cached handle is returned without taking
// the account's lock; everything else happens under it. Errors are typed:
// *NotFoundError for unknown keys, *AuthenticationError for credential
// failures (never retried) and *ConnectionError when the breaker rejected
// the request or all retries failed.
func (p *Pool) GetConnection(ctx context.Context, key string) (Handle, error) {
	if handle, ok := p.cached(key); ok {
		return handle, nil
	}

	keyLock := p.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	// Re-check under the lock: another caller may have connected while
	// this one was waiting, and staleness must be decided in the same
	// critical section that acts on it.
	if handle, ok := p.cached(key); ok {
		return handle, nil
	}

	p.evict(key, "stale")

	return p.connect(ctx, key)
}

// cached returns the handle for key if a record exists and is within its
// TTL, refreshing its last-used time.
func (p *Pool) cached(key string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.conns[key]
	if !ok {
		return Handle{}, false
	}

	if time.Since(rec.createdAt) > p.cfg.TTL {
		return Handle{}, false
	}

	rec.lastUsed.Store(time.Now().UnixNano())

	return rec.handle, true
}

// connect runs the breaker-gated retry loop for key. Caller must hold the
// key's lock.
func (p *Pool) connect(ctx context.Context, key string) (Handle, error) {
	requestID := uuid.NewString()
	logger := p.logger.WithFields("request_id", requestID, "account", key)

	account, ok := p.source.Account(key)
	if !ok {
		logger.Warnf("connection requested for unknown account")
		return Handle{}, &NotFoundError{Key: key}
	}

	password, err := p.password(key, account.Password)
	if err != nil {
		logger.Errorf("credential retrieval failed: %v", err)
		return Handle{}, &AuthenticationError{Key: key, Err: err}
	}

	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := p.retry.Wait(ctx, attempt); err != nil {
			return Handle{}, &ConnectionError{Key: key, Err: err}
		}

		report, err := p.breakers.Allow(key)
		if err != nil {
			p.countCircuitRejection(ctx, key)
			logger.Warnf("circuit breaker rejected connection request: %v", err)

			return Handle{}, &ConnectionError{Key: key, Err: err}
		}

		p.health.recordAttempt(key)

		session, principal, connErr := p.dial(ctx, account, password)
		if connErr == nil {
			report(true)
			p.health.recordSuccess(key)
			p.store(key, Handle{Session: session, Principal: principal})
			p.countEstablished(ctx, key)
			logger.Infof("connected on attempt %d", attempt+1)

			return Handle{Session: session, Principal: principal}, nil
		}

		report(false)
		p.health.recordFailure(key, connErr)
		p.countFailure(ctx, key)

		if errors.Is(connErr, ErrBadCredentials) {
			logger.Errorf("authentication rejected, not retrying: %v", connErr)
			return Handle{}, &AuthenticationError{Key: key, Err: connErr}
		}

		lastErr = connErr
		logger.Warnf("connect attempt %d/%d failed: %v", attempt+1, p.cfg.MaxRetries, connErr)
	}

	logger.Errorf("all %d connect attempts failed: %v", p.cfg.MaxRetries, lastErr)

	return Handle{}, &ConnectionError{
		Key: key,
		Err: fmt.Errorf("all %d attempts failed: %w", p.cfg.MaxRetries, lastErr),
	}
}

func (p *Pool) dial(ctx context.Context, account Account, password string) (Session, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	return p.connector.Connect(dialCtx, account.URL, account.Username, password)
}

func (p *Pool) password(key, fallback string) (string, error) {
	if p.creds == nil {
		return fallback, nil
	}

	return p.creds.Password(key, fallback)
}

func (p *Pool) store(key string, handle Handle) {
	rec := &record{handle: handle, createdAt: time.Now()}
	rec.lastUsed.Store(rec.createdAt.UnixNano())

	p.mu.Lock()
	p.conns[key] = rec
	p.mu.Unlock()
}

// evict removes key's record if present and closes its session. Caller
// must hold the key's lock.
func (p *Pool) evict(key, reason string) bool {
	p.mu.Lock()
	rec, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	if err := rec.handle.Session.Close(); err != nil {
		p.logger.Warnf("closing %s connection for account %q: %v", reason, key, err)
	}

	return true
}

// DisconnectAccount drops the account's connection if one exists. Breaker
// state, health counters and the per-key lock persist. Idempotent.
func (p *Pool) DisconnectAccount(key string) {
	keyLock := p.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	if p.evict(key, "disconnected") {
		p.logger.Infof("disconnected account %q", key)
	}
}

// CleanupStale disconnects every account whose connection is older than
// maxAge and returns how many were removed. A non-positive maxAge uses
// the pool's TTL.
func (p *Pool) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = p.cfg.TTL
	}

	p.mu.RLock()
	keys := make([]string, 0, len(p.conns))
	for key := range p.conns {
		keys = append(keys, key)
	}
	p.mu.RUnlock()

	removed := 0

	for _, key := range keys {
		keyLock := p.keyLock(key)
		keyLock.Lock()

		p.mu.RLock()
		rec, ok := p.conns[key]
		stale := ok && time.Since(rec.createdAt) > maxAge
		p.mu.RUnlock()

		if stale && p.evict(key, "stale") {
			removed++
		}

		keyLock.Unlock()
	}

	if removed > 0 {
		p.logger.Infof("cleaned up %d stale connections", removed)

		if counter, err := p.factory.Counter(metrics.MetricStaleConnectionsCleaned); err == nil {
			_ = counter.Add(ctx, int64(removed))
		}
	}

	return removed
}

// BreakerState reports the circuit breaker state for the account, or
// StateUnknown when the account has never been attempted.
func (p *Pool) BreakerState(key string) circuitbreaker.State {
	return p.breakers.State(key)
}

// BreakerCounts reports the breaker's request counters for the account.
func (p *Pool) BreakerCounts(key string) circuitbreaker.Counts {
	return p.breakers.Counts(key)
}

// ResetBreaker discards the account's breaker so the next request starts
// from a closed circuit.
func (p *Pool) ResetBreaker(key string) {
	p.breakers.Reset(key)
}

// Health returns the account's connection counters, reporting false when
// the account has never been attempted.
func (p *Pool) Health(key string) (HealthRecord, bool) {
	return p.health.snapshot(key)
}

// HealthAll returns connection counters for every attempted account.
func (p *Pool) HealthAll() map[string]HealthRecord {
	return p.health.all()
}

// TestAccount probes the account end to end: it connects (or reuses the
// cached connection) and lists the account's calendars.
func (p *Pool) TestAccount(ctx context.Context, key string) ([]string, error) {
	handle, err := p.GetConnection(ctx, key)
	if err != nil {
		return nil, err
	}

	calendars, err := handle.Session.ListCalendars(ctx)
	if err != nil {
		return nil, &ConnectionError{Key: key, Err: fmt.Errorf("listing calendars: %w", err)}
	}

	return calendars, nil
}

// Shutdown closes every live connection and clears the pool. The pool must
// not be used afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*record)
	p.mu.Unlock()

	for key, rec := range conns {
		if err := rec.handle.Session.Close(); err != nil {
			p.logger.Warnf("closing connection for account %q on shutdown: %v", key, err)
		}
	}

	p.logger.Infof("connection pool shut down, closed %d connections", len(conns))
}

// keyLock returns the mutex owned by key, creating it on first use. The
// coarse lock guards only the lock map's structure.
func (p *Pool) keyLock(key string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}

	return l
}

func (p *Pool) countEstablished(ctx context.Context, key string) {
	if counter, err := p.factory.Counter(metrics.MetricConnectionsEstablished); err == nil {
		_ = counter.WithLabels(map[string]string{"account": key}).AddOne(ctx)
	}
}

func (p *Pool) countFailure(ctx context.Context, key string) {
	if counter, err := p.factory.Counter(metrics.MetricConnectionFailures); err == nil {
		_ = counter.WithLabels(map[string]string{"account": key}).AddOne(ctx)
	}
}

func (p *Pool) countCircuitRejection(ctx context.Context, key string) {
	if counter, err := p.factory.Counter(metrics.MetricCircuitRejections); err == nil {
		_ = counter.WithLabels(map[string]string{"account": key}).AddOne(ctx)
	}
}
