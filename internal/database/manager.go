// Package database provides the resilience seam between business logic and
// PostgreSQL: a pool-backed connection manager with automatic reconnection,
// a retrying transaction runner with savepoint support, and a unit-of-work
// façade for coordinated multi-repository writes.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ProcureFlow/data_layer/internal/config"
	"github.com/ProcureFlow/data_layer/pkg/logger"
)

var (
	// ErrNotConfigured is returned by Initialize when the database URL is
	// missing. Startup must stop on it.
	ErrNotConfigured = errors.New("database URL is not configured")

	// ErrNotReady is returned when an operation needs a pool that does not
	// exist or is disconnected.
	ErrNotReady = errors.New("database connection is not ready")
)

// openDB is swapped out by tests to inject a mocked pool.
var openDB = func(dsn string) (*sqlx.DB, error) {
	return sqlx.Open("postgres", dsn)
}

type managerState int

const (
	stateIdle managerState = iota
	stateConnected
	stateDisconnected
)

func (s managerState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

// Stats is a read-only snapshot of cumulative connection counters.
type Stats struct {
	State             string        `json:"state"`
	ConnectionsOpened int64         `json:"connections_opened"`
	ConnectionsFailed int64         `json:"connections_failed"`
	QueriesOK         int64         `json:"queries_ok"`
	QueriesFailed     int64         `json:"queries_failed"`
	Reconnects        int64         `json:"reconnects"`
	LastSuccess       time.Time     `json:"last_success"`
	LastError         time.Time     `json:"last_error"`
	LastErrorMsg      string        `json:"last_error_msg"`
	Uptime            time.Duration `json:"uptime"`
	Pool              sql.DBStats   `json:"pool"`
}

// Manager owns the connection pool lifecycle: creation, health-check
// polling, reconnection with exponential backoff, and graceful shutdown.
// All failures after a successful Initialize are absorbed by the
// reconnection state machine; they are never surfaced to callers.
type Manager struct {
	cfg config.DatabaseConfig
	log *logger.Logger

	// OnReconnectFailed fires once the reconnect budget is exhausted. The
	// manager stays disconnected until Initialize is called again.
	OnReconnectFailed func()

	mu      sync.RWMutex
	db      *sqlx.DB
	state   managerState
	since   time.Time
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	closing bool

	connectionsOpened int64
	connectionsFailed int64
	queriesOK         int64
	queriesFailed     int64
	reconnects        int64
	lastSuccess       time.Time
	lastError         time.Time
	lastErrorMsg      string
}

// NewManager builds a manager. No I/O happens until Initialize.
func NewManager(cfg config.DatabaseConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{cfg: cfg, log: log.With("component", "db_manager")}
}

// Initialize creates the pool, verifies connectivity, runs migrations when
// configured, and starts the health-check loop. A missing URL or any failure
// here is fatal: the process cannot start without a working store.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.URL == "" {
		return ErrNotConfigured
	}

	// Re-initialization after shutdown or terminal reconnect failure starts
	// from a clean slate.
	m.stopLoopLocked()
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.log.Warn("failed to close previous pool", "error", err)
		}
		m.db = nil
	}

	db, err := m.openPoolLocked(ctx)
	if err != nil {
		return err
	}

	if m.cfg.MigrationsPath != "" {
		if err := runMigrations(db.DB, m.cfg.MigrationsPath, m.log); err != nil {
			_ = db.Close()
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	m.db = db
	m.state = stateConnected
	m.since = time.Now()
	m.closing = false

	m.stopCh = make(chan struct{})
	m.loopWG.Add(1)
	go m.healthLoop(m.stopCh)

	m.log.Info("database pool initialized",
		"max_open_conns", m.cfg.MaxOpenConns,
		"max_idle_conns", m.cfg.MaxIdleConns,
		"health_check_interval", m.healthInterval(),
	)
	return nil
}

// openPoolLocked opens and pings a new pool. Caller must hold m.mu.
func (m *Manager) openPoolLocked(ctx context.Context) (*sqlx.DB, error) {
	db, err := openDB(m.cfg.URL)
	if err != nil {
		m.connectionsFailed++
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime.Std())
	db.SetConnMaxIdleTime(m.cfg.ConnMaxIdleTime.Std())

	connectTimeout := m.cfg.ConnectTimeout.Std()
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		m.connectionsFailed++
		m.recordErrorLocked(err)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m.connectionsOpened++
	return db, nil
}

// TestConnection acquires a connection, runs a trivial round-trip and
// releases it. Used by the health-check loop and exposed for external
// health probes.
func (m *Manager) TestConnection(ctx context.Context) error {
	m.mu.RLock()
	db := m.db
	connected := m.state == stateConnected
	verbose := m.cfg.Verbose
	m.mu.RUnlock()

	// While disconnected the pool pointer may still be live but stale; probes
	// must not round-trip it.
	if db == nil || !connected {
		return ErrNotReady
	}
	if verbose {
		m.log.Debug("acquiring connection for health round-trip")
	}

	var one int
	err := db.GetContext(ctx, &one, "SELECT 1")
	m.recordQuery(err)
	return err
}

// DB returns the live pool, or nil while disconnected.
func (m *Manager) DB() *sqlx.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != stateConnected {
		return nil
	}
	return m.db
}

// IsReady reports whether the manager is connected and holds a pool.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == stateConnected && m.db != nil
}

// Stats returns a snapshot of the cumulative counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		State:             m.state.String(),
		ConnectionsOpened: m.connectionsOpened,
		ConnectionsFailed: m.connectionsFailed,
		QueriesOK:         m.queriesOK,
		QueriesFailed:     m.queriesFailed,
		Reconnects:        m.reconnects,
		LastSuccess:       m.lastSuccess,
		LastError:         m.lastError,
		LastErrorMsg:      m.lastErrorMsg,
	}
	if m.state == stateConnected {
		s.Uptime = time.Since(m.since)
	}
	if m.db != nil {
		s.Pool = m.db.Stats()
	}
	return s
}

// Close stops the health-check loop and closes the pool. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()

	if m.state == stateIdle && m.db == nil {
		m.mu.Unlock()
		return nil
	}

	m.closing = true
	m.stopLoopLocked()

	var err error
	if m.db != nil {
		err = m.db.Close()
		m.db = nil
	}
	m.state = stateDisconnected
	m.mu.Unlock()

	m.loopWG.Wait()
	m.log.Info("database pool closed")
	return err
}

// Shutdown is the explicit entry point the host process invokes from its own
// lifecycle; the library subscribes to no signals itself.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordQuery folds a query outcome into the stats. Also called by the
// transaction runner so every attempt is counted.
func (m *Manager) recordQuery(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.queriesOK++
		m.lastSuccess = time.Now()
		return
	}
	m.queriesFailed++
	m.recordErrorLocked(err)
}

func (m *Manager) recordErrorLocked(err error) {
	m.lastError = time.Now()
	m.lastErrorMsg = err.Error()
}

func (m *Manager) healthInterval() time.Duration {
	if iv := m.cfg.HealthCheckInterval.Std(); iv > 0 {
		return iv
	}
	return 30 * time.Second
}

// stopLoopLocked signals the health loop to exit. Caller must hold m.mu.
func (m *Manager) stopLoopLocked() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

func (m *Manager) healthLoop(stop chan struct{}) {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.healthInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.IsReady() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.TestConnection(ctx)
			cancel()

			switch {
			case err == nil:
				stats := m.Stats()
				m.log.Debug("health check passed",
					"open_connections", stats.Pool.OpenConnections,
					"in_use", stats.Pool.InUse,
					"idle", stats.Pool.Idle,
				)
			case IsConnectionError(err):
				m.log.Warn("health check failed, starting reconnection", "error", err)
				m.mu.Lock()
				m.state = stateDisconnected
				m.mu.Unlock()
				m.reconnect(stop)
			default:
				m.log.Warn("health check failed", "error", err)
			}
		}
	}
}

// reconnect retries pool creation with a doubling delay, capped at the
// configured maximum. Exhausting the attempt budget leaves the manager
// disconnected until an explicit Initialize.
func (m *Manager) reconnect(stop chan struct{}) {
	attempts := m.cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 10
	}
	delay := m.cfg.ReconnectBaseDelay.Std()
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := m.cfg.ReconnectMaxDelay.Std()
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		select {
		case <-stop:
			// Superseded by a shutdown or a fresh Initialize; the pool is no
			// longer ours to touch.
			m.mu.Unlock()
			return
		default:
		}
		if m.closing {
			m.mu.Unlock()
			return
		}
		if m.db != nil {
			if err := m.db.Close(); err != nil {
				m.log.Warn("failed to close stale pool", "error", err)
			}
			m.db = nil
		}

		db, err := m.openPoolLocked(context.Background())
		if err == nil {
			m.db = db
			m.state = stateConnected
			m.since = time.Now()
			m.reconnects++
			m.mu.Unlock()
			m.log.Info("database reconnected", "attempt", attempt)
			return
		}
		m.mu.Unlock()

		m.log.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"next_delay", delay,
			"error", err,
		)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	m.log.Error("reconnection attempts exhausted; manual re-initialization required",
		"attempts", attempts,
	)
	if m.OnReconnectFailed != nil {
		m.OnReconnectFailed()
	}
}
