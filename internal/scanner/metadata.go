package scanner

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dhowden/tag"

	"github.com/tgraves/toneshelf/internal/image"
)

// Cover art larger than this on either axis is downscaled before storage.
const maxCoverDimension = 1024

// FileMetadata holds everything extracted from one audio file.
type FileMetadata struct {
	Path            string
	Title           string
	Author          string
	Narrator        string
	Description     string
	DurationSeconds *int64
	SizeBytes       int64
	ModTime         time.Time
	CoverArt        []byte
}

// ExtractionError is a recoverable per-file failure. The scan records it
// against the file and moves on.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor reads audio file tags and cover art.
type Extractor struct {
	logger      *slog.Logger
	monitor     *Monitor
	maxFileSize int64
}

// NewExtractor creates an Extractor. Files larger than maxFileSize fail
// extraction instead of being read. The monitor may be nil.
func NewExtractor(logger *slog.Logger, maxFileSize int64, monitor *Monitor) *Extractor {
	return &Extractor{
		logger:      logger.With("component", "extractor"),
		monitor:     monitor,
		maxFileSize: maxFileSize,
	}
}

// Extract stats and parses the file at path. Tag-level failures come back
// as *ExtractionError so the caller can treat them as per-file results
// rather than scan failures.
func (e *Extractor) Extract(path string) (*FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	if e.maxFileSize > 0 && info.Size() > e.maxFileSize {
		return nil, &ExtractionError{
			Path: path,
			Err:  fmt.Errorf("file size %d exceeds limit %d", info.Size(), e.maxFileSize),
		}
	}

	meta := &FileMetadata{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}

	readStart := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck
	e.record(OpFileRead, path, readStart)

	tagStart := time.Now()
	tags, err := tag.ReadFrom(f)
	if err != nil {
		return nil, &ExtractionError{Path: path, Err: fmt.Errorf("reading tags: %w", err)}
	}
	e.record(OpMetadataExtraction, path, tagStart)

	meta.Title = tags.Title()
	meta.Author = tags.Artist()
	// Audiobook rips conventionally carry the narrator in the composer
	// field and the synopsis in the comment field.
	meta.Narrator = tags.Composer()
	meta.Description = tags.Comment()

	if pic := tags.Picture(); pic != nil && len(pic.Data) > 0 {
		imgStart := time.Now()
		meta.CoverArt = e.processCoverArt(path, pic.Data)
		e.record(OpImageProcessing, path, imgStart)
	}

	return meta, nil
}

// processCoverArt downscales oversized embedded art. Art that cannot be
// decoded is dropped rather than failing the file.
func (e *Extractor) processCoverArt(path string, data []byte) []byte {
	w, h, err := image.GetDimensions(bytes.NewReader(data))
	if err != nil {
		e.logger.Warn("undecodable cover art, skipping", "path", path, "error", err)
		return nil
	}
	if w <= maxCoverDimension && h <= maxCoverDimension {
		return data
	}

	resized, _, err := image.Resize(bytes.NewReader(data), maxCoverDimension, maxCoverDimension)
	if err != nil {
		e.logger.Warn("cover art resize failed, keeping original", "path", path, "error", err)
		return data
	}
	return resized
}

func (e *Extractor) record(kind OpKind, path string, start time.Time) {
	if e.monitor != nil {
		e.monitor.RecordOperation(kind, path, time.Since(start))
	}
}
