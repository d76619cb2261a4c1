package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrConnectionFailed reports that the managed connection is not available
// or could not be established.
var ErrConnectionFailed = errors.New("database connection failed")

// Config holds the settings for a connection Manager.
type Config struct {
	// Path is the SQLite database file, or ":memory:".
	Path string
	// Retry governs connection establishment. Payload operations run
	// through With are never retried.
	Retry RetryPolicy
}

// Manager owns the single live database handle. All access goes through
// With; the raw handle is never leaked to callers, and no other component
// may hold it across a blocking operation.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	stats  *StatisticsCollector
	health *healthMonitor

	mu sync.Mutex
	db *sql.DB

	// open is swappable so tests can inject connect failures.
	open func(path string) (*sql.DB, error)
}

// NewManager creates a Manager. The connection is not opened until Connect
// is called.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "database"),
		stats:  NewStatisticsCollector(),
		health: newHealthMonitor(),
		open:   Open,
	}
}

// Connect establishes the database connection, retrying transient failures
// per the configured policy. On success health becomes Healthy; on
// exhaustion it becomes Failed. Each failed attempt is recorded as a
// reconnection attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.health.set(HealthConnecting)
	start := time.Now()

	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		db, err := m.open(m.cfg.Path)
		if err != nil {
			return Retryable(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
		m.mu.Lock()
		if m.db != nil {
			_ = m.db.Close()
		}
		m.db = db
		m.mu.Unlock()
		return nil
	}, func(error) {
		m.stats.RecordReconnectionAttempt()
	})

	if err != nil {
		m.health.set(HealthFailed)
		m.stats.RecordFailure(time.Since(start))
		m.logger.Error("connection failed", "path", m.cfg.Path, "error", err)
		return err
	}

	m.health.set(HealthHealthy)
	m.stats.RecordConnection()
	m.logger.Info("connection established", "path", m.cfg.Path)
	return nil
}

// With runs op against the managed handle under the connection lock. It
// fails with ErrConnectionFailed when no connection is active. The error
// returned by op is passed through unmodified; payload errors are not
// retried.
func (m *Manager) With(ctx context.Context, op func(db *sql.DB) error) error {
	start := time.Now()

	m.mu.Lock()
	db := m.db
	if db == nil {
		m.mu.Unlock()
		m.stats.RecordFailure(time.Since(start))
		return fmt.Errorf("%w: no active connection", ErrConnectionFailed)
	}
	err := op(db)
	m.mu.Unlock()

	if err != nil {
		m.stats.RecordFailure(time.Since(start))
		return err
	}
	m.stats.RecordSuccess(time.Since(start))
	return nil
}

// WithTx runs op inside a transaction obtained under the connection lock.
// The transaction is committed when op returns nil and rolled back
// otherwise.
func (m *Manager) WithTx(ctx context.Context, op func(tx *sql.Tx) error) error {
	return m.With(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		if err := op(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// HealthCheck issues a trivial round-trip to confirm liveness.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.With(ctx, func(db *sql.DB) error {
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
		}
		return nil
	})
}

// Health returns the current connection health.
func (m *Manager) Health() Health {
	return m.health.status()
}

// Stats returns a snapshot of connection statistics.
func (m *Manager) Stats() Stats {
	return m.stats.Snapshot()
}

// Close releases the handle and sets health to Failed.
func (m *Manager) Close() error {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()

	m.health.set(HealthFailed)
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	m.logger.Debug("connection closed")
	return nil
}
