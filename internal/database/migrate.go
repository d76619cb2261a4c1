package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration is one versioned, reversible schema change.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationError reports a failed migration step. Migrations are never
// retried; a failure at startup is fatal.
type MigrationError struct {
	Version int
	Message string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d failed: %s", e.Version, e.Message)
}

// MigrationManager holds the ordered registry of schema migrations. The
// registry is built once from the embedded SQL scripts.
type MigrationManager struct {
	migrations []Migration // ascending by version
}

var migrationName = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// NewMigrationManager loads the embedded migration scripts. Script files
// are named NNNN_description.up.sql / NNNN_description.down.sql.
func NewMigrationManager() (*MigrationManager, error) {
	byVersion := make(map[int]*Migration)

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	for _, entry := range entries {
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("unrecognized migration file name: %s", entry.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil || version < 1 {
			return nil, fmt.Errorf("invalid migration version in %s", entry.Name())
		}
		script, err := fs.ReadFile(migrationFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{
				Version:     version,
				Description: strings.ReplaceAll(m[2], "_", " "),
			}
			byVersion[version] = mig
		}
		if m[3] == "up" {
			mig.Up = string(script)
		} else {
			mig.Down = string(script)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration %d has no up script", mig.Version)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return &MigrationManager{migrations: migrations}, nil
}

// Migrations returns the registry in ascending version order.
func (m *MigrationManager) Migrations() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

// LatestVersion returns the highest registered version, or 0 when the
// registry is empty.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// CurrentVersion returns the schema version: MAX(version) of applied
// migrations, or 0 when none are applied or the tracking table does not
// exist yet.
func (m *MigrationManager) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	if ok, err := trackingTableExists(ctx, db); err != nil {
		return 0, err
	} else if !ok {
		return 0, nil
	}
	var version int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM migrations WHERE applied = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("querying current schema version: %w", err)
	}
	return version, nil
}

// Pending returns the migrations with version above current, ascending.
func (m *MigrationManager) Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	current, err := m.CurrentVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if mig.Version > current {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Up ensures the tracking table exists, then applies each pending migration
// in its own transaction. A script failure rolls back only that migration
// and aborts the remaining sequence; versions applied earlier in the run
// remain applied. Returns the migrations applied by this call; an empty
// slice means nothing was pending.
func (m *MigrationManager) Up(ctx context.Context, db *sql.DB) ([]Migration, error) {
	if err := ensureTrackingTable(ctx, db); err != nil {
		return nil, err
	}

	pending, err := m.Pending(ctx, db)
	if err != nil {
		return nil, err
	}

	applied := make([]Migration, 0, len(pending))
	for _, mig := range pending {
		if err := applyOne(ctx, db, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig)
	}
	return applied, nil
}

// Down rolls back from the current version to target, descending one
// registered version at a time. It is rejected when target is not below
// the current version. Each rollback runs in its own transaction.
func (m *MigrationManager) Down(ctx context.Context, db *sql.DB, target int) error {
	current, err := m.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if target >= current {
		return fmt.Errorf("rollback target %d is not below current version %d", target, current)
	}

	// Walk the registry high to low so sparse version numbering cannot
	// skip or mis-target a step.
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version > current || mig.Version <= target {
			continue
		}
		if mig.Down == "" {
			return &MigrationError{Version: mig.Version, Message: "no down script"}
		}
		if err := rollbackOne(ctx, db, mig); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO migrations (version, description, applied, applied_at, rolled_back_at)
		VALUES (?, ?, 1, ?, NULL)
		ON CONFLICT(version) DO UPDATE SET applied = 1, applied_at = excluded.applied_at, rolled_back_at = NULL
	`, mig.Version, mig.Description, now()); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	return nil
}

func rollbackOne(ctx context.Context, db *sql.DB, mig Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE migrations SET applied = 0, rolled_back_at = ? WHERE version = ?
	`, now(), mig.Version); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: mig.Version, Message: err.Error()}
	}
	return nil
}

func ensureTrackingTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied INTEGER NOT NULL DEFAULT 1,
			applied_at TEXT,
			rolled_back_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

func trackingTableExists(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'migrations'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking migrations table: %w", err)
	}
	return count > 0, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Migrate applies all pending migrations on db. Convenience entry point
// for startup and tests.
func Migrate(db *sql.DB) error {
	mgr, err := NewMigrationManager()
	if err != nil {
		return err
	}
	_, err = mgr.Up(context.Background(), db)
	return err
}
