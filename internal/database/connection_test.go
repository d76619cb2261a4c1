package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func newTestConnManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	m := NewManager(Config{Path: path, Retry: fastRetry(3)}, testLogger())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnect_SetsHealthy(t *testing.T) {
	m := newTestConnManager(t)

	if got := m.Health(); got != HealthFailed {
		t.Errorf("initial health = %v, want failed", got)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := m.Health(); got != HealthHealthy {
		t.Errorf("health after connect = %v, want healthy", got)
	}
}

func TestWith_FailsWithoutConnection(t *testing.T) {
	m := newTestConnManager(t)

	err := m.With(context.Background(), func(db *sql.DB) error { return nil })
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}
}

func TestWith_PassesPayloadErrorThroughUnretried(t *testing.T) {
	m := newTestConnManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	payloadErr := errors.New("constraint violation")
	calls := 0
	err := m.With(context.Background(), func(db *sql.DB) error {
		calls++
		return payloadErr
	})
	if !errors.Is(err, payloadErr) {
		t.Errorf("error = %v, want the payload error", err)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1 (payload errors are not retried)", calls)
	}
}

func TestConnect_RecordsReconnectionAttempts(t *testing.T) {
	m := newTestConnManager(t)

	const failures = 2
	calls := 0
	realOpen := m.open
	m.open = func(path string) (*sql.DB, error) {
		calls++
		if calls <= failures {
			return nil, fmt.Errorf("disk unavailable")
		}
		return realOpen(path)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect after transient failures: %v", err)
	}
	if got := m.Health(); got != HealthHealthy {
		t.Errorf("health = %v, want healthy", got)
	}
	if got := m.Stats().ReconnectionAttempts; got != failures {
		t.Errorf("reconnection attempts = %d, want %d", got, failures)
	}
}

func TestConnect_ExhaustionSetsFailed(t *testing.T) {
	m := newTestConnManager(t)
	m.open = func(path string) (*sql.DB, error) {
		return nil, fmt.Errorf("permanent failure")
	}

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("error = %v, want ErrConnectionFailed", err)
	}
	if got := m.Health(); got != HealthFailed {
		t.Errorf("health = %v, want failed", got)
	}
}

func TestHealthCheck_RoundTrips(t *testing.T) {
	m := newTestConnManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}
}

func TestClose_SetsFailed(t *testing.T) {
	m := newTestConnManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := m.Health(); got != HealthFailed {
		t.Errorf("health after close = %v, want failed", got)
	}
	if err := m.HealthCheck(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("health check after close = %v, want ErrConnectionFailed", err)
	}
}

func TestWithTx_CommitsAndRollsBack(t *testing.T) {
	m := newTestConnManager(t)
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY)`)
		return err
	}); err != nil {
		t.Fatalf("creating table: %v", err)
	}

	if err := m.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES (1)`)
		return err
	}); err != nil {
		t.Fatalf("committed tx: %v", err)
	}

	wantErr := errors.New("abort")
	err := m.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO items (id) VALUES (2)`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("rolled-back tx error = %v, want %v", err, wantErr)
	}

	var count int
	if err := m.With(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count)
	}); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 (second insert rolled back)", count)
	}
}
