package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tgraves/toneshelf/internal/catalog"
	"github.com/tgraves/toneshelf/internal/config"
	"github.com/tgraves/toneshelf/internal/database"
	"github.com/tgraves/toneshelf/internal/library"
)

// State describes what the orchestrator is currently doing.
type State int32

// Orchestrator states.
const (
	StateIdle State = iota
	StateScanning
	StateComplete
	StateError
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Summary is the outcome of one scan.
type Summary struct {
	Processed int              `json:"processed"` // files committed to the catalog
	Errors    int              `json:"errors"`    // files that failed at any stage
	NewFiles  int              `json:"new_files"` // files not previously cataloged
	Duration  time.Duration    `json:"duration"`
	Failures  map[string]error `json:"-"`
}

// Orchestrator runs full library scans: discovery, bounded-concurrency
// extraction, and batched persistence. Only one scan runs at a time.
type Orchestrator struct {
	cfg         config.ScannerConfig
	libraries   *library.Service
	store       *catalog.Store
	coordinator *BatchCoordinator
	monitor     *Monitor
	cache       *MetadataCache
	logger      *slog.Logger

	state atomic.Int32

	mu   sync.Mutex
	last *Summary
}

// New builds an Orchestrator and its pipeline on top of the connection manager.
func New(cfg config.ScannerConfig, db *database.Manager, logger *slog.Logger) (*Orchestrator, error) {
	cache, err := NewMetadataCache(cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	logger = logger.With("component", "scanner")
	monitor := NewMonitor(0)
	store := catalog.NewStore(db)
	extractor := NewExtractor(logger, cfg.MaxFileSize, monitor)

	return &Orchestrator{
		cfg:         cfg,
		libraries:   library.NewService(db),
		store:       store,
		coordinator: NewBatchCoordinator(store, extractor, cache, monitor, cfg, logger),
		monitor:     monitor,
		cache:       cache,
		logger:      logger,
	}, nil
}

// Scan catalogs every supported audio file under root into the library
// registered at root (created with libraryName if missing).
func (o *Orchestrator) Scan(ctx context.Context, libraryName, root string) (*Summary, error) {
	return o.ScanWithProgress(ctx, libraryName, root, NopSink{})
}

// ScanWithProgress is Scan with progress notifications sent to sink.
func (o *Orchestrator) ScanWithProgress(ctx context.Context, libraryName, root string, sink ProgressSink) (*Summary, error) {
	if !o.state.CompareAndSwap(int32(StateIdle), int32(StateScanning)) &&
		!o.transitionFromFinished() {
		return nil, fmt.Errorf("scan already in progress")
	}
	if sink == nil {
		sink = NopSink{}
	}

	summary, err := o.run(ctx, libraryName, root, sink)

	switch {
	case err == nil:
		o.state.Store(int32(StateComplete))
	case ctx.Err() != nil:
		o.state.Store(int32(StateCancelled))
	default:
		o.state.Store(int32(StateError))
	}

	if summary != nil {
		o.mu.Lock()
		o.last = summary
		o.mu.Unlock()
	}
	return summary, err
}

func (o *Orchestrator) run(ctx context.Context, libraryName, root string, sink ProgressSink) (*Summary, error) {
	start := time.Now()

	lib, err := o.libraries.ResolveOrCreate(ctx, libraryName, root)
	if err != nil {
		return nil, fmt.Errorf("resolving library: %w", err)
	}

	paths, err := DiscoverFiles(ctx, lib.Path, o.cfg.Extensions, o.logger)
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}

	countBefore, err := o.store.Count(ctx, lib.ID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("scan started",
		"library", lib.Name, "path", lib.Path, "files", len(paths),
		"tasks", o.cfg.MaxConcurrentTasks, "batch_size", o.cfg.BatchSize)
	sink.Publish(Progress{Kind: ProgressStarted, LibraryID: lib.ID, Total: len(paths)})

	if len(paths) == 0 {
		summary := &Summary{Duration: time.Since(start), Failures: map[string]error{}}
		sink.Publish(Progress{Kind: ProgressCompleted, LibraryID: lib.ID, Summary: summary})
		o.logger.Info("scan completed", "processed", 0, "errors", 0)
		return summary, nil
	}

	summary, runErr := o.coordinator.Run(ctx, lib.ID, paths, sink)
	if summary == nil {
		return nil, runErr
	}
	summary.Duration = time.Since(start)

	// Accounting still runs after cancellation.
	countCtx := context.WithoutCancel(ctx)
	if countAfter, err := o.store.Count(countCtx, lib.ID); err == nil {
		summary.NewFiles = countAfter - countBefore
	} else {
		o.logger.Warn("counting cataloged files", "error", err)
	}

	if runErr != nil {
		kind := ProgressError
		if ctx.Err() != nil {
			kind = ProgressCancelled
			o.logger.Info("scan cancelled",
				"processed", summary.Processed, "errors", summary.Errors)
		} else {
			o.logger.Error("scan failed", "error", runErr,
				"processed", summary.Processed, "errors", summary.Errors)
		}
		sink.Publish(Progress{
			Kind: kind, LibraryID: lib.ID, Err: runErr,
			Processed: summary.Processed, Failed: summary.Errors, Total: len(paths),
			Summary: summary,
		})
		return summary, runErr
	}

	o.logger.Info("scan completed",
		"processed", summary.Processed, "errors", summary.Errors,
		"new_files", summary.NewFiles, "duration", summary.Duration)
	sink.Publish(Progress{
		Kind: ProgressCompleted, LibraryID: lib.ID,
		Processed: summary.Processed, Failed: summary.Errors, Total: len(paths),
		Summary: summary,
	})
	return summary, nil
}

// ProcessAndStore catalogs one file into the library registered at root,
// creating the library when needed. It does not touch the scan state machine
// and may run alongside a scan.
func (o *Orchestrator) ProcessAndStore(ctx context.Context, libraryName, root, path string) (*catalog.Audiobook, error) {
	lib, err := o.libraries.ResolveOrCreate(ctx, libraryName, root)
	if err != nil {
		return nil, fmt.Errorf("resolving library: %w", err)
	}
	return o.coordinator.ProcessAndStore(ctx, lib.ID, path)
}

// transitionFromFinished moves a finished orchestrator back into the
// scanning state. Returns false when a scan is actually in progress.
func (o *Orchestrator) transitionFromFinished() bool {
	for _, from := range []State{StateComplete, StateError, StateCancelled} {
		if o.state.CompareAndSwap(int32(from), int32(StateScanning)) {
			return true
		}
	}
	return false
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastSummary returns the most recent scan outcome, or nil before any scan.
func (o *Orchestrator) LastSummary() *Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Performance returns a snapshot of scan performance measurements.
func (o *Orchestrator) Performance() Report {
	return o.monitor.Report()
}

// Recommendations returns tuning suggestions based on observed performance.
func (o *Orchestrator) Recommendations() []string {
	return o.monitor.Recommendations()
}

// ClearCache drops all cached file metadata.
func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
}
