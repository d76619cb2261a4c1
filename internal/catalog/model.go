package catalog

import "time"

// Audiobook is one cataloged audio file within a library.
type Audiobook struct {
	ID              string    `json:"id"`
	LibraryID       string    `json:"library_id"`
	Path            string    `json:"path"`
	Title           string    `json:"title,omitempty"`
	Author          string    `json:"author,omitempty"`
	Narrator        string    `json:"narrator,omitempty"`
	Description     string    `json:"description,omitempty"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
	CoverArt        []byte    `json:"-"`
	Selected        bool      `json:"selected"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
