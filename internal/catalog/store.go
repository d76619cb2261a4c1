package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tgraves/toneshelf/internal/database"
)

const audiobookColumns = `id, library_id, path, title, author, narrator, description,
	duration_seconds, size_bytes, cover_art, selected, created_at, updated_at`

const upsertAudiobook = `
	INSERT INTO audiobooks (id, library_id, path, title, author, narrator, description,
		duration_seconds, size_bytes, cover_art, selected, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(library_id, path) DO UPDATE SET
		title = excluded.title,
		author = excluded.author,
		narrator = excluded.narrator,
		description = excluded.description,
		duration_seconds = excluded.duration_seconds,
		size_bytes = excluded.size_bytes,
		cover_art = excluded.cover_art,
		updated_at = excluded.updated_at
`

// Store provides audiobook data operations. All writes key on
// (library_id, path), so re-scanning the same file updates in place.
type Store struct {
	db *database.Manager
}

// NewStore creates an audiobook store on top of the connection manager.
func NewStore(db *database.Manager) *Store {
	return &Store{db: db}
}

// Upsert inserts the audiobook or, when (library_id, path) already exists,
// refreshes its metadata. The row's identity and created_at are preserved
// across updates.
func (s *Store) Upsert(ctx context.Context, book *Audiobook) error {
	if err := prepare(book); err != nil {
		return err
	}
	err := s.db.With(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, upsertAudiobook, upsertArgs(book)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting audiobook %s: %w", book.Path, err)
	}
	return nil
}

// UpsertBatch writes all audiobooks in one transaction. Either the whole
// batch commits or none of it does.
func (s *Store) UpsertBatch(ctx context.Context, books []*Audiobook) error {
	if len(books) == 0 {
		return nil
	}
	for _, book := range books {
		if err := prepare(book); err != nil {
			return err
		}
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertAudiobook)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck

		for _, book := range books {
			if _, err := stmt.ExecContext(ctx, upsertArgs(book)...); err != nil {
				return fmt.Errorf("upserting %s: %w", book.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting batch of %d audiobooks: %w", len(books), err)
	}
	return nil
}

// GetByID retrieves an audiobook by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Audiobook, error) {
	var book *Audiobook
	err := s.db.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT `+audiobookColumns+` FROM audiobooks WHERE id = ?`, id)
		var err error
		book, err = scanAudiobook(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audiobook not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting audiobook by id: %w", err)
	}
	return book, nil
}

// GetByPath retrieves an audiobook by library and path.
// Returns nil, nil when no row matches.
func (s *Store) GetByPath(ctx context.Context, libraryID, path string) (*Audiobook, error) {
	var book *Audiobook
	err := s.db.With(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx,
			`SELECT `+audiobookColumns+` FROM audiobooks WHERE library_id = ? AND path = ?`,
			libraryID, path)
		var err error
		book, err = scanAudiobook(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting audiobook by path: %w", err)
	}
	return book, nil
}

// ListByLibrary returns all audiobooks in a library ordered by path.
func (s *Store) ListByLibrary(ctx context.Context, libraryID string) ([]Audiobook, error) {
	var books []Audiobook
	err := s.db.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+audiobookColumns+` FROM audiobooks WHERE library_id = ? ORDER BY path`,
			libraryID)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			book, err := scanAudiobook(rows)
			if err != nil {
				return err
			}
			books = append(books, *book)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing audiobooks: %w", err)
	}
	return books, nil
}

// Search returns audiobooks in a library whose title or author matches the
// query, case-insensitively.
func (s *Store) Search(ctx context.Context, libraryID, query string) ([]Audiobook, error) {
	pattern := "%" + query + "%"
	var books []Audiobook
	err := s.db.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT `+audiobookColumns+` FROM audiobooks
			WHERE library_id = ? AND (title LIKE ? COLLATE NOCASE OR author LIKE ? COLLATE NOCASE)
			ORDER BY author, title
		`, libraryID, pattern, pattern)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			book, err := scanAudiobook(rows)
			if err != nil {
				return err
			}
			books = append(books, *book)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("searching audiobooks: %w", err)
	}
	return books, nil
}

// Count returns the number of audiobooks in a library.
func (s *Store) Count(ctx context.Context, libraryID string) (int, error) {
	var count int
	err := s.db.With(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audiobooks WHERE library_id = ?`, libraryID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("counting audiobooks: %w", err)
	}
	return count, nil
}

// SetSelected marks or unmarks an audiobook for bulk operations.
func (s *Store) SetSelected(ctx context.Context, id string, selected bool) error {
	err := s.db.With(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`UPDATE audiobooks SET selected = ?, updated_at = ? WHERE id = ?`,
			boolToInt(selected), time.Now().UTC().Format(time.RFC3339), id)
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
		return fmt.Errorf("audiobook not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("setting selection: %w", err)
	}
	return nil
}

// ListSelected returns the audiobooks currently marked selected in a library.
func (s *Store) ListSelected(ctx context.Context, libraryID string) ([]Audiobook, error) {
	var books []Audiobook
	err := s.db.With(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT `+audiobookColumns+` FROM audiobooks WHERE library_id = ? AND selected = 1 ORDER BY path`,
			libraryID)
		if err != nil {
			return err
		}
		defer rows.Close() //nolint:errcheck

		for rows.Next() {
			book, err := scanAudiobook(rows)
			if err != nil {
				return err
			}
			books = append(books, *book)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing selected audiobooks: %w", err)
	}
	return books, nil
}

// Delete removes an audiobook by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.With(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `DELETE FROM audiobooks WHERE id = ?`, id)
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
		return fmt.Errorf("audiobook not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("deleting audiobook: %w", err)
	}
	return nil
}

func prepare(book *Audiobook) error {
	if book.LibraryID == "" {
		return fmt.Errorf("audiobook library_id is required")
	}
	if book.Path == "" {
		return fmt.Errorf("audiobook path is required")
	}
	if book.ID == "" {
		book.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if book.CreatedAt.IsZero() {
		book.CreatedAt = now
	}
	book.UpdatedAt = now
	return nil
}

func upsertArgs(book *Audiobook) []any {
	var duration any
	if book.DurationSeconds != nil {
		duration = *book.DurationSeconds
	}
	return []any{
		book.ID, book.LibraryID, book.Path,
		nullableString(book.Title), nullableString(book.Author),
		nullableString(book.Narrator), nullableString(book.Description),
		duration, book.SizeBytes, book.CoverArt, boolToInt(book.Selected),
		book.CreatedAt.Format(time.RFC3339), book.UpdatedAt.Format(time.RFC3339),
	}
}

// scanAudiobook scans a database row into an Audiobook struct.
func scanAudiobook(row interface{ Scan(...any) error }) (*Audiobook, error) {
	var book Audiobook
	var title, author, narrator, description sql.NullString
	var duration sql.NullInt64
	var size sql.NullInt64
	var selected int
	var createdAt, updatedAt string

	err := row.Scan(
		&book.ID, &book.LibraryID, &book.Path,
		&title, &author, &narrator, &description,
		&duration, &size, &book.CoverArt, &selected,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	book.Title = title.String
	book.Author = author.String
	book.Narrator = narrator.String
	book.Description = description.String
	if duration.Valid {
		d := duration.Int64
		book.DurationSeconds = &d
	}
	book.SizeBytes = size.Int64
	book.Selected = selected != 0
	book.CreatedAt = parseTime(createdAt)
	book.UpdatedAt = parseTime(updatedAt)

	return &book, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
