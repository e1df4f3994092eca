package pgdb

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

const defaultMaxIdleConns = 5
const defaultDialConcurrency = 8

// OnConnectHook runs once against a freshly opened Session, before it is
// handed back to the caller: on-connect hooks receive the new backend
// connection exactly once.
type OnConnectHook func(ctx context.Context, sess *Session) error

// ConnectionHandler receives the "connection(conn)" event, fired each
// time the Manager opens a new backend.
type ConnectionHandler func(info BackendInfo)

// Stats reports Manager cache occupancy.
type Stats struct {
	Idle     int
	Capacity int
	Opened   int64
}

// Manager owns configuration, the idle connection cache, and the
// process-identity guard for fork safety.
type Manager struct {
	dsn            *parsedDSN
	reactor        Reactor
	logger         *slog.Logger
	connectTimeout time.Duration
	stmtCacheSize  int

	onConnect      []OnConnectHook
	onConnection   ConnectionHandler
	onNotification NotificationHandler
	onClose        CloseHandler

	dial    func(ctx context.Context) (conn, error)
	breaker *gobreaker.CircuitBreaker[conn]
	dialSem *semaphore.Weighted

	mu       sync.Mutex
	idle     []conn
	capacity int
	ownerPID int
	opened   int64
}

// ManagerOption configures optional Manager behavior via the functional-
// option convention.
type ManagerOption func(*Manager)

// WithLogger overrides the *slog.Logger used for cache and state-machine
// events. Defaults to slog.Default(), also when logger is nil.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReactor overrides the I/O reactor a Manager's Sessions register
// their sockets with. Defaults to a Reactor that panics if a Session ever
// actually needs to watch a socket, since a Manager built without an
// explicit Reactor is assumed to only run blocking queries.
func WithReactor(r Reactor) ManagerOption {
	return func(m *Manager) { m.reactor = r }
}

// WithConnectTimeout bounds how long opening a fresh backend connection
// may take.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithStatementCacheSize bounds the per-connection prepared statement LRU.
func WithStatementCacheSize(n int) ManagerOption {
	return func(m *Manager) { m.stmtCacheSize = n }
}

// WithMaxIdleConns sets the idle cache's initial capacity. Use
// Manager.MaxConnections to resize it after construction.
func WithMaxIdleConns(n int) ManagerOption {
	return func(m *Manager) { m.capacity = n }
}

// WithOnConnect registers an on-connect hook. Hooks run in
// registration order, each exactly once per freshly opened backend.
func WithOnConnect(hook OnConnectHook) ManagerOption {
	return func(m *Manager) { m.onConnect = append(m.onConnect, hook) }
}

// WithOnConnection registers the handler for the "connection(conn)"
// event.
func WithOnConnection(h ConnectionHandler) ManagerOption {
	return func(m *Manager) { m.onConnection = h }
}

// WithOnNotification registers the handler every Session opened by this
// Manager uses for the "notification(channel, backend_pid, payload)"
// event.
func WithOnNotification(h NotificationHandler) ManagerOption {
	return func(m *Manager) { m.onNotification = h }
}

// WithOnClose registers the handler every Session opened by this Manager
// uses for the "close()" event.
func WithOnClose(h CloseHandler) ManagerOption {
	return func(m *Manager) { m.onClose = h }
}

// withDialer overrides how the Manager opens fresh backend connections.
// Unexported: production callers always dial real PostgreSQL; tests use
// this to substitute fakeConn (see manager_test.go) so the cache and
// fork-safety behavior can be exercised without a live server.
func withDialer(dial func(ctx context.Context) (conn, error)) ManagerOption {
	return func(m *Manager) { m.dial = dial }
}

// NewManager builds a Manager from a connection URL. The DSN's
// search_path option, if present, is applied via `SET search_path TO ...`
// on every freshly opened connection.
func NewManager(databaseURL string, opts ...ManagerOption) (*Manager, error) {
	dsn, err := parseDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		dsn:            dsn,
		reactor:        noopReactor{},
		logger:         slog.Default(),
		connectTimeout: 10 * time.Second,
		stmtCacheSize:  32,
		capacity:       defaultMaxIdleConns,
		ownerPID:       os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.dial == nil {
		m.dial = func(ctx context.Context) (conn, error) {
			dialCtx := ctx
			var cancel context.CancelFunc
			if m.connectTimeout > 0 {
				dialCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
				defer cancel()
			}
			return dialPgx(dialCtx, m.dsn.raw, m.stmtCacheSize)
		}
	}

	m.breaker = gobreaker.NewCircuitBreaker[conn](gobreaker.Settings{
		Name:        "pgdb.manager.dial",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})
	m.dialSem = semaphore.NewWeighted(defaultDialConcurrency)

	return m, nil
}

// NewManagerFromConfig builds a Manager from a Config, applying its
// MaxIdleConns, ConnectTimeout and StatementCacheSize before any explicit
// opts (so explicit opts take precedence), and its SearchPath, when
// non-empty, in place of the DSN's search_path.
func NewManagerFromConfig(cfg *Config, opts ...ManagerOption) (*Manager, error) {
	all := append([]ManagerOption{
		WithConnectTimeout(cfg.ConnectTimeout),
		WithStatementCacheSize(cfg.StatementCacheSize),
		WithMaxIdleConns(cfg.MaxIdleConns),
	}, opts...)

	m, err := NewManager(cfg.DatabaseURL.Unmask(), all...)
	if err != nil {
		return nil, err
	}
	if len(cfg.SearchPath) > 0 {
		m.dsn.searchPath = cfg.SearchPath
	}
	return m, nil
}

// Session returns a Session bound to a Backend Connection: reusing the
// most recently dropped cached connection when one pings successfully,
// otherwise opening a fresh one.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	m.checkForkIdentity()

	for {
		c := m.popIdle()
		if c == nil {
			break
		}
		if c.Ping(ctx) == nil {
			return newSession(m, c, m.reactor, m.logger, m.onNotification, m.onClose), nil
		}
		m.logger.Debug("pgdb: discarding idle connection that failed to ping")
		_ = c.Close(ctx)
	}

	return m.openNew(ctx)
}

func (m *Manager) popIdle() conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.idle) == 0 {
		return nil
	}
	c := m.idle[len(m.idle)-1]
	m.idle = m.idle[:len(m.idle)-1]
	return c
}

// openNew dials a fresh backend connection through the dial semaphore and
// circuit breaker, applies search_path and on-connect hooks, and fires
// the connection event.
func (m *Manager) openNew(ctx context.Context) (*Session, error) {
	if err := m.dialSem.Acquire(ctx, 1); err != nil {
		return nil, connectionError("failed to acquire dial slot", err)
	}
	defer m.dialSem.Release(1)

	c, err := m.breaker.Execute(func() (conn, error) { return m.dial(ctx) })
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, connectionError("dial circuit breaker open", err)
		}
		return nil, connectionError("failed to open backend connection", err)
	}

	if len(m.dsn.searchPath) > 0 {
		if err := c.Exec(ctx, searchPathStmt(m.dsn.searchPath)); err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
	}

	sess := newSession(m, c, m.reactor, m.logger, m.onNotification, m.onClose)
	for _, hook := range m.onConnect {
		if err := hook(ctx, sess); err != nil {
			sess.Disconnect(ctx)
			return nil, err
		}
	}

	atomic.AddInt64(&m.opened, 1)
	m.logger.Info("pgdb: opened new backend connection", "pid", c.Backend().PID)
	if m.onConnection != nil {
		m.onConnection(c.Backend())
	}

	return sess, nil
}

// enqueue admits conn to the idle cache iff it is not marked no-reuse, has
// no async query in flight, and hasSubscriptions is false; otherwise it is
// disconnected. A connection offered after the process identity changed is
// neither cached nor closed. Evicts the oldest idle entry first if the
// cache is at capacity. It is called by a Session's Close.
func (m *Manager) enqueue(c conn, hasSubscriptions bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if os.Getpid() != m.ownerPID {
		// Belongs to the parent process; do not send a protocol-level
		// goodbye across a connection that process still owns, whatever
		// state the connection itself is in.
		return
	}
	if c.NoReuse() || c.AsyncPending() || hasSubscriptions {
		_ = c.Close(context.Background())
		return
	}
	if m.capacity <= 0 {
		_ = c.Close(context.Background())
		return
	}

	if len(m.idle) >= m.capacity {
		oldest := m.idle[0]
		m.idle = m.idle[1:]
		_ = oldest.Close(context.Background())
	}
	m.idle = append(m.idle, c)
}

// MaxConnections resizes the idle cache capacity, evicting excess idle
// entries immediately.
func (m *Manager) MaxConnections(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = n

	for len(m.idle) > m.capacity {
		oldest := m.idle[0]
		m.idle = m.idle[1:]
		_ = oldest.Close(context.Background())
	}
}

// checkForkIdentity discards the entire idle cache without a
// protocol-level goodbye if the current process identity no longer
// matches the identity recorded at construction (or at the last check),
// the fork-safety rule.
func (m *Manager) checkForkIdentity() {
	pid := os.Getpid()

	m.mu.Lock()
	if pid == m.ownerPID {
		m.mu.Unlock()
		return
	}
	stale := m.idle
	m.idle = nil
	m.ownerPID = pid
	m.mu.Unlock()

	if len(stale) > 0 {
		m.logger.Warn("pgdb: process identity changed, discarding idle cache", "pid", pid, "discarded", len(stale))
	}
}

// Ping opens (or reuses) a Session, pings it, and returns it to the
// cache: a health-check primitive distinct from request-path Session.Ping.
func (m *Manager) Ping(ctx context.Context) error {
	sess, err := m.Session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if !sess.Ping(ctx) {
		return connectionError("manager ping failed", nil)
	}
	return nil
}

// Stats reports current cache occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Idle:     len(m.idle),
		Capacity: m.capacity,
		Opened:   atomic.LoadInt64(&m.opened),
	}
}

// Close disconnects every cached connection. It does not affect Sessions
// currently checked out.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.idle = nil
	m.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
