package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tgraves/toneshelf/internal/database"
	"github.com/tgraves/toneshelf/internal/filesystem"
)

const libraryColumns = `id, name, path, created_at, updated_at`

// Service provides library data operations.
type Service struct {
	db *database.Manager
}

// NewService creates a library service on top of the connection manager.
func NewService(db *database.Manager) *Service {
	return &Service{db: db}
}

// Create inserts a new library. The path is normalized before storage so
// equivalent spellings of the same directory map to one library row.
func (s *Service) Create(ctx context.Context, lib *Library) error {
	if lib.Name == "" {
		return fmt.Errorf("library name is required")
	}
	if lib.Path == "" {
		return fmt.Errorf("library path is required")
	}
	lib.Path = filesystem.NormalizePath(lib.Path)

	if lib.ID == "" {
		lib.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	lib.CreatedAt = now
	lib.UpdatedAt = now

	err := s.db.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO libraries (id, name, path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, lib.ID, lib.Name, lib.Path, now.Format(time.RFC3339), now.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return fmt.Errorf("creating library: %w", err)
	}
	return nil
}

// GetByID retrieves a library by primary key.
func (s *Service) GetByID(ctx context.Context, id string) (*Library, error) {
	var lib *Library
	err := s.db.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT `+libraryColumns+` FROM libraries WHERE id = ?`, id)
		var err error
		lib, err = scanLibrary(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("library not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting library by id: %w", err)
	}
	return lib, nil
}

// GetByPath retrieves a library by normalized filesystem path.
// Returns nil, nil when no library matches the path.
func (s *Service) GetByPath(ctx context.Context, path string) (*Library, error) {
	path = filesystem.NormalizePath(path)

	var lib *Library
	err := s.db.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT `+libraryColumns+` FROM libraries WHERE path = ?`, path)
		var err error
		lib, err = scanLibrary(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting library by path: %w", err)
	}
	return lib, nil
}

// ResolveOrCreate returns the library registered at path, creating one
// with the given name when none exists yet.
func (s *Service) ResolveOrCreate(ctx context.Context, name, path string) (*Library, error) {
	lib, err := s.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if lib != nil {
		return lib, nil
	}

	lib = &Library{Name: name, Path: path}
	if err := s.Create(ctx, lib); err != nil {
		return nil, err
	}
	return lib, nil
}

// List returns all libraries ordered by name.
func (s *Service) List(ctx context.Context) ([]Library, error) {
	var libs []Library
	err := s.db.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+libraryColumns+` FROM libraries ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			lib, err := scanLibrary(rows)
			if err != nil {
				return err
			}
			libs = append(libs, *lib)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}
	return libs, nil
}

// Update modifies an existing library's name and path.
func (s *Service) Update(ctx context.Context, lib *Library) error {
	if lib.Name == "" {
		return fmt.Errorf("library name is required")
	}
	if lib.Path == "" {
		return fmt.Errorf("library path is required")
	}
	lib.Path = filesystem.NormalizePath(lib.Path)
	lib.UpdatedAt = time.Now().UTC()

	err := s.db.With(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `
			UPDATE libraries SET name = ?, path = ?, updated_at = ? WHERE id = ?
		`, lib.Name, lib.Path, lib.UpdatedAt.Format(time.RFC3339), lib.ID)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("library not found: %s", lib.ID)
	}
	if err != nil {
		return fmt.Errorf("updating library: %w", err)
	}
	return nil
}

// Delete removes a library and all audiobooks belonging to it in a
// single transaction.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM audiobooks WHERE library_id = ?`, id); err != nil {
			return fmt.Errorf("deleting library audiobooks: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM libraries WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("library not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("deleting library: %w", err)
	}
	return nil
}

// CountAudiobooks returns the number of audiobooks in a library.
func (s *Service) CountAudiobooks(ctx context.Context, libraryID string) (int, error) {
	var count int
	err := s.db.With(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audiobooks WHERE library_id = ?`, libraryID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting audiobooks for library: %w", err)
	}
	return count, nil
}

// scanLibrary scans a database row into a Library struct.
func scanLibrary(row interface{ Scan(...any) error }) (*Library, error) {
	var lib Library
	var createdAt, updatedAt string

	err := row.Scan(&lib.ID, &lib.Name, &lib.Path, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	lib.CreatedAt = parseTime(createdAt)
	lib.UpdatedAt = parseTime(updatedAt)
	return &lib, nil
}

// parseTime parses a time string, handling both RFC3339 and SQLite datetime formats.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
