package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tgraves/toneshelf/internal/catalog"
	"github.com/tgraves/toneshelf/internal/config"
)

// ErrNoFiles is returned when a scan is started with nothing to process.
var ErrNoFiles = errors.New("no audio files to process")

// fileResult is the outcome of extracting one file.
type fileResult struct {
	path string
	book *catalog.Audiobook
	err  error
}

// BatchCoordinator runs bounded-concurrency metadata extraction and commits
// results to the catalog in fixed-size batches. Extraction parallelism and
// database parallelism are limited independently.
type BatchCoordinator struct {
	store     *catalog.Store
	extractor *Extractor
	cache     *MetadataCache
	monitor   *Monitor
	cfg       config.ScannerConfig
	logger    *slog.Logger
}

// NewBatchCoordinator wires a coordinator from its parts. The cache may be nil.
func NewBatchCoordinator(store *catalog.Store, extractor *Extractor, cache *MetadataCache,
	monitor *Monitor, cfg config.ScannerConfig, logger *slog.Logger) *BatchCoordinator {
	return &BatchCoordinator{
		store:     store,
		extractor: extractor,
		cache:     cache,
		monitor:   monitor,
		cfg:       cfg,
		logger:    logger.With("component", "batch"),
	}
}

// Run processes paths into the catalog under libraryID and reports progress
// to sink. Per-file extraction failures are recorded and do not stop the
// run; a batch commit failure does, though batches committed before the
// failure stand. Cancellation stops dispatch, drains in-flight work, and
// leaves committed batches in place.
func (b *BatchCoordinator) Run(ctx context.Context, libraryID string, paths []string, sink ProgressSink) (*Summary, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}
	if sink == nil {
		sink = NopSink{}
	}
	start := time.Now()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan fileResult)
	go b.dispatch(scanCtx, libraryID, paths, results)

	summary := &Summary{Failures: make(map[string]error)}
	total := len(paths)
	batch := make([]*catalog.Audiobook, 0, b.cfg.BatchSize)
	dbSem := semaphore.NewWeighted(int64(b.cfg.MaxConcurrentDBOps))
	extracted := 0
	var flushErr error

	fail := func(path string, err error) {
		summary.Errors++
		summary.Failures[path] = err
		b.monitor.RecordFile(false)
		sink.Publish(Progress{
			Kind: ProgressFileFailed, LibraryID: libraryID, Path: path, Err: err,
			Processed: extracted, Failed: summary.Errors, Total: total,
		})
	}

	// File outcomes reach the monitor only once they are final: a
	// successful extraction still fails if its batch never commits.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := b.flushBatch(scanCtx, dbSem, batch)
		if err != nil {
			flushErr = err
			for _, book := range batch {
				summary.Errors++
				summary.Failures[book.Path] = err
				b.monitor.RecordFile(false)
			}
			cancel()
			sink.Publish(Progress{
				Kind: ProgressError, LibraryID: libraryID, Err: err,
				Processed: summary.Processed, Failed: summary.Errors, Total: total,
			})
		} else {
			summary.Processed += len(batch)
			for range batch {
				b.monitor.RecordFile(true)
			}
			sink.Publish(Progress{
				Kind: ProgressBatchCommitted, LibraryID: libraryID, BatchSize: len(batch),
				Processed: summary.Processed, Failed: summary.Errors, Total: total,
			})
		}
		batch = batch[:0]
	}

	for res := range results {
		if res.err != nil {
			fail(res.path, res.err)
			continue
		}
		extracted++
		sink.Publish(Progress{
			Kind: ProgressFileProcessed, LibraryID: libraryID, Path: res.path,
			Processed: extracted, Failed: summary.Errors, Total: total,
		})

		if flushErr != nil {
			// The scan is already over; results still draining cannot be
			// persisted.
			summary.Errors++
			summary.Failures[res.path] = flushErr
			b.monitor.RecordFile(false)
			continue
		}

		batch = append(batch, res.book)
		if len(batch) >= b.cfg.BatchSize {
			flush()
		}
	}

	if flushErr == nil {
		if cErr := ctx.Err(); cErr != nil {
			// Extracted but uncommitted work is discarded on cancellation.
			for _, book := range batch {
				summary.Errors++
				summary.Failures[book.Path] = cErr
				b.monitor.RecordFile(false)
			}
			summary.Duration = time.Since(start)
			return summary, cErr
		}
		flush()
	}

	summary.Duration = time.Since(start)
	if flushErr != nil {
		return summary, fmt.Errorf("committing batch: %w", flushErr)
	}
	return summary, nil
}

// ProcessAndStore extracts one file and commits it immediately, outside any
// batch. Used for single-file updates rather than full scans.
func (b *BatchCoordinator) ProcessAndStore(ctx context.Context, libraryID, path string) (*catalog.Audiobook, error) {
	res := b.processFile(ctx, libraryID, path)
	if res.err != nil {
		b.monitor.RecordFile(false)
		return nil, res.err
	}
	if err := b.store.Upsert(ctx, res.book); err != nil {
		b.monitor.RecordFile(false)
		return nil, err
	}
	b.monitor.RecordFile(true)
	return res.book, nil
}

// dispatch feeds paths to extraction workers, honoring the task semaphore,
// and closes results once every in-flight worker has finished.
func (b *BatchCoordinator) dispatch(ctx context.Context, libraryID string, paths []string, results chan<- fileResult) {
	defer close(results)

	sem := semaphore.NewWeighted(int64(b.cfg.MaxConcurrentTasks))
	var wg sync.WaitGroup

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)
			results <- b.processFile(ctx, libraryID, path)
		}(path)
	}
	wg.Wait()
}

// processFile extracts one file, serving from the metadata cache when the
// file is unchanged. Extraction is bounded by the configured task timeout.
func (b *BatchCoordinator) processFile(ctx context.Context, libraryID, path string) fileResult {
	if info, err := os.Stat(path); err == nil && b.cache != nil {
		if meta, ok := b.cache.Get(path, info.ModTime(), info.Size()); ok {
			return fileResult{path: path, book: bookFromMetadata(libraryID, meta)}
		}
	}

	taskCtx, cancel := context.WithTimeout(ctx, b.cfg.TaskTimeout)
	defer cancel()

	done := make(chan fileResult, 1)
	go func() {
		meta, err := b.extractor.Extract(path)
		if err != nil {
			done <- fileResult{path: path, err: err}
			return
		}
		if b.cache != nil {
			b.cache.Put(path, meta.ModTime, meta.SizeBytes, meta)
		}
		done <- fileResult{path: path, book: bookFromMetadata(libraryID, meta)}
	}()

	select {
	case res := <-done:
		return res
	case <-taskCtx.Done():
		return fileResult{path: path, err: &ExtractionError{Path: path, Err: taskCtx.Err()}}
	}
}

// flushBatch commits one batch under the database semaphore. Admission is
// cancellable, so no new flush starts after cancellation.
func (b *BatchCoordinator) flushBatch(ctx context.Context, dbSem *semaphore.Weighted, batch []*catalog.Audiobook) error {
	if err := dbSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer dbSem.Release(1)
	return b.commitBatch(ctx, batch)
}

// commitBatch runs the bulk write to completion even when ctx has already
// been cancelled. Cancellation gates the start of a flush, never a write
// underway.
func (b *BatchCoordinator) commitBatch(ctx context.Context, batch []*catalog.Audiobook) error {
	start := time.Now()
	err := b.store.UpsertBatch(context.WithoutCancel(ctx), batch)
	b.monitor.RecordOperation(OpDatabaseInsert, "", time.Since(start))
	if err != nil {
		return err
	}

	b.logger.Debug("batch committed", "size", len(batch))
	return nil
}

func bookFromMetadata(libraryID string, meta *FileMetadata) *catalog.Audiobook {
	return &catalog.Audiobook{
		LibraryID:       libraryID,
		Path:            meta.Path,
		Title:           meta.Title,
		Author:          meta.Author,
		Narrator:        meta.Narrator,
		Description:     meta.Description,
		DurationSeconds: meta.DurationSeconds,
		SizeBytes:       meta.SizeBytes,
		CoverArt:        meta.CoverArt,
	}
}
