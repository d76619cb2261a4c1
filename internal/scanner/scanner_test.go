package scanner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tgraves/toneshelf/internal/catalog"
	"github.com/tgraves/toneshelf/internal/config"
	"github.com/tgraves/toneshelf/internal/database"
	"github.com/tgraves/toneshelf/internal/event"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		MaxConcurrentTasks: 4,
		MaxConcurrentDBOps: 1,
		BatchSize:          2,
		TaskTimeout:        10 * time.Second,
		Extensions:         []string{"mp3", "m4b"},
		MaxFileSize:        10 << 20,
		CacheCapacity:      100,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.ScannerConfig) (*Orchestrator, *database.Manager) {
	t.Helper()
	m := database.NewManager(database.Config{
		Path: ":memory:",
		Retry: database.RetryPolicy{
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
		},
	}, testLogger())
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.With(ctx, database.Migrate); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	orch, err := New(cfg, m, testLogger())
	if err != nil {
		t.Fatalf("creating orchestrator: %v", err)
	}
	return orch, m
}

// collectSink records every progress notification.
type collectSink struct {
	mu     sync.Mutex
	events []Progress
	onFile func(Progress)
}

func (s *collectSink) Publish(p Progress) {
	s.mu.Lock()
	s.events = append(s.events, p)
	cb := s.onFile
	s.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (s *collectSink) count(kind ProgressKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func writeLibrary(t *testing.T, dir string, valid, corrupt int) {
	t.Helper()
	for i := 0; i < valid; i++ {
		writeTaggedFile(t, dir, fmt.Sprintf("book%02d.mp3", i), testTags{
			title:  fmt.Sprintf("Book %d", i),
			artist: "An Author",
		})
	}
	for i := 0; i < corrupt; i++ {
		writeCorruptFile(t, dir, fmt.Sprintf("corrupt%02d.mp3", i))
	}
}

func TestScan_CatalogsAllFiles(t *testing.T) {
	orch, m := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	writeLibrary(t, root, 5, 1)

	summary, err := orch.Scan(context.Background(), "Books", root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if summary.Processed != 5 {
		t.Errorf("processed = %d, want 5", summary.Processed)
	}
	if summary.Errors != 1 {
		t.Errorf("errors = %d, want 1", summary.Errors)
	}
	if summary.Processed+summary.Errors != 6 {
		t.Errorf("processed+errors = %d, want the full file count 6",
			summary.Processed+summary.Errors)
	}
	if summary.NewFiles != 5 {
		t.Errorf("new files = %d, want 5", summary.NewFiles)
	}
	if len(summary.Failures) != 1 {
		t.Errorf("failures = %v, want exactly the corrupt file", summary.Failures)
	}
	if orch.State() != StateComplete {
		t.Errorf("state = %v, want complete", orch.State())
	}

	// The catalog rows really exist with extracted metadata.
	store := catalog.NewStore(m)
	lib, err := orch.libraries.GetByPath(context.Background(), root)
	if err != nil || lib == nil {
		t.Fatalf("library lookup: %v %v", lib, err)
	}
	books, err := store.ListByLibrary(context.Background(), lib.ID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(books) != 5 {
		t.Fatalf("cataloged = %d, want 5", len(books))
	}
	if books[0].Title == "" || books[0].Author != "An Author" {
		t.Errorf("metadata not persisted: %+v", books[0])
	}
}

func TestScan_RescanUpdatesInPlace(t *testing.T) {
	orch, m := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	writeLibrary(t, root, 5, 0)
	ctx := context.Background()

	first, err := orch.Scan(ctx, "Books", root)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if first.NewFiles != 5 {
		t.Errorf("first scan new files = %d, want 5", first.NewFiles)
	}

	second, err := orch.Scan(ctx, "Books", root)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if second.Processed != 5 {
		t.Errorf("second scan processed = %d, want 5", second.Processed)
	}
	if second.NewFiles != 0 {
		t.Errorf("second scan new files = %d, want 0", second.NewFiles)
	}

	lib, _ := orch.libraries.GetByPath(ctx, root)
	count, err := catalog.NewStore(m).Count(ctx, lib.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("catalog rows = %d, want 5 (no duplicates)", count)
	}
}

func TestScan_EmptyDirectory(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	sink := &collectSink{}

	summary, err := orch.ScanWithProgress(context.Background(), "Books", t.TempDir(), sink)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.Processed != 0 || summary.Errors != 0 || summary.NewFiles != 0 {
		t.Errorf("summary = %+v, want zeros", summary)
	}
	if orch.State() != StateComplete {
		t.Errorf("state = %v, want complete", orch.State())
	}
	if sink.count(ProgressStarted) != 1 || sink.count(ProgressCompleted) != 1 {
		t.Errorf("events = %+v, want one started and one completed", sink.events)
	}
}

func TestScan_ProgressEvents(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	writeLibrary(t, root, 4, 0)
	sink := &collectSink{}

	if _, err := orch.ScanWithProgress(context.Background(), "Books", root, sink); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if got := sink.count(ProgressStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	if got := sink.count(ProgressFileProcessed); got != 4 {
		t.Errorf("file events = %d, want 4", got)
	}
	// 4 files with batch size 2 commit in two batches.
	if got := sink.count(ProgressBatchCommitted); got != 2 {
		t.Errorf("batch events = %d, want 2", got)
	}
	if got := sink.count(ProgressCompleted); got != 1 {
		t.Errorf("completed events = %d, want 1", got)
	}
}

func TestScan_CancellationStopsDispatch(t *testing.T) {
	cfg := testScannerConfig()
	cfg.MaxConcurrentTasks = 1
	orch, m := newTestOrchestrator(t, cfg)
	root := t.TempDir()
	writeLibrary(t, root, 8, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &collectSink{}
	sink.onFile = func(p Progress) {
		if p.Kind == ProgressBatchCommitted {
			cancel()
		}
	}

	summary, err := orch.ScanWithProgress(ctx, "Books", root, sink)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if orch.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", orch.State())
	}
	if summary == nil {
		t.Fatal("expected a partial summary")
	}

	// Committed batches stand; nothing beyond them was persisted.
	lib, _ := orch.libraries.GetByPath(context.Background(), root)
	count, countErr := catalog.NewStore(m).Count(context.Background(), lib.ID)
	if countErr != nil {
		t.Fatalf("count: %v", countErr)
	}
	if count != summary.Processed {
		t.Errorf("catalog rows = %d, summary processed = %d; committed work must match",
			count, summary.Processed)
	}
	if count == 0 {
		t.Error("expected at least one committed batch before cancellation")
	}
	if count == 8 {
		t.Error("expected cancellation to stop the scan early")
	}

	// Discarded files count as failures in the monitor as well, so the
	// performance view and the summary agree.
	report := orch.Performance()
	if report.FilesProcessed != summary.Processed {
		t.Errorf("monitor processed = %d, summary = %d; they must agree",
			report.FilesProcessed, summary.Processed)
	}
	if report.FilesFailed != summary.Errors {
		t.Errorf("monitor failed = %d, summary = %d; they must agree",
			report.FilesFailed, summary.Errors)
	}
}

func TestScan_RejectsConcurrentScan(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	orch.state.Store(int32(StateScanning))

	if _, err := orch.Scan(context.Background(), "Books", t.TempDir()); err == nil {
		t.Fatal("expected error while a scan is in progress")
	}
}

func TestScan_CacheSpeedsRescan(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	writeLibrary(t, root, 3, 0)
	ctx := context.Background()

	if _, err := orch.Scan(ctx, "Books", root); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if orch.cache.Len() != 3 {
		t.Errorf("cache len = %d, want 3", orch.cache.Len())
	}

	reads := orch.monitor.Report().Operations[OpFileRead].Count
	if _, err := orch.Scan(ctx, "Books", root); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	// Unchanged files are served from cache, so no new file reads happen.
	if got := orch.monitor.Report().Operations[OpFileRead].Count; got != reads {
		t.Errorf("file reads after rescan = %d, want unchanged %d", got, reads)
	}
}

func TestBatchCoordinator_InFlightFlushCommits(t *testing.T) {
	orch, m := newTestOrchestrator(t, testScannerConfig())
	ctx := context.Background()
	lib, err := orch.libraries.ResolveOrCreate(ctx, "Books", t.TempDir())
	if err != nil {
		t.Fatalf("resolving library: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	// A flush past its admission point runs to completion even though the
	// scan context has been cancelled.
	books := []*catalog.Audiobook{
		{LibraryID: lib.ID, Path: "/books/a.mp3", Title: "A"},
		{LibraryID: lib.ID, Path: "/books/b.mp3", Title: "B"},
	}
	if err := orch.coordinator.commitBatch(cancelled, books); err != nil {
		t.Fatalf("in-flight commit under cancelled context: %v", err)
	}

	count, err := catalog.NewStore(m).Count(ctx, lib.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("catalog rows = %d, want the full batch of 2", count)
	}

	// A flush not yet admitted must not start after cancellation.
	more := []*catalog.Audiobook{{LibraryID: lib.ID, Path: "/books/c.mp3"}}
	if err := orch.coordinator.flushBatch(cancelled, semaphore.NewWeighted(1), more); err == nil {
		t.Fatal("expected admission to fail under cancelled context")
	}
	if count, _ := catalog.NewStore(m).Count(ctx, lib.ID); count != 2 {
		t.Errorf("catalog rows = %d, a refused flush must not write", count)
	}
}

func TestBatchCoordinator_FlushFailureCountsFailures(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	writeLibrary(t, root, 2, 0)
	ctx := context.Background()

	paths, err := DiscoverFiles(ctx, root, []string{"mp3"}, testLogger())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	// The library row does not exist, so the batch commit violates the
	// foreign key and the flush fails.
	summary, err := orch.coordinator.Run(ctx, "no-such-library", paths, nil)
	if err == nil {
		t.Fatal("expected flush failure")
	}
	if summary.Processed != 0 || summary.Errors != 2 {
		t.Errorf("summary = %+v, want 0 processed and 2 errors", summary)
	}

	report := orch.Performance()
	if report.FilesProcessed != summary.Processed {
		t.Errorf("monitor processed = %d, summary = %d; they must agree",
			report.FilesProcessed, summary.Processed)
	}
	if report.FilesFailed != summary.Errors {
		t.Errorf("monitor failed = %d, summary = %d; they must agree",
			report.FilesFailed, summary.Errors)
	}
}

func TestProcessAndStore_SingleFile(t *testing.T) {
	orch, m := newTestOrchestrator(t, testScannerConfig())
	root := t.TempDir()
	path := writeTaggedFile(t, root, "solo.m4b", testTags{
		title: "Solo", artist: "An Author",
	})
	ctx := context.Background()

	book, err := orch.ProcessAndStore(ctx, "Books", root, path)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if book.Title != "Solo" || book.Author != "An Author" {
		t.Errorf("book = %+v", book)
	}

	lib, _ := orch.libraries.GetByPath(ctx, root)
	stored, err := catalog.NewStore(m).GetByPath(ctx, lib.ID, path)
	if err != nil || stored == nil {
		t.Fatalf("lookup: %v %v", stored, err)
	}
	if stored.ID != book.ID {
		t.Errorf("stored ID = %s, want %s", stored.ID, book.ID)
	}

	// A corrupt file fails without disturbing the catalog.
	bad := writeCorruptFile(t, root, "bad.m4b")
	if _, err := orch.ProcessAndStore(ctx, "Books", root, bad); err == nil {
		t.Fatal("expected extraction error")
	}
	count, _ := catalog.NewStore(m).Count(ctx, lib.ID)
	if count != 1 {
		t.Errorf("catalog rows = %d, want 1", count)
	}
}

func TestBatchCoordinator_ErrNoFiles(t *testing.T) {
	orch, _ := newTestOrchestrator(t, testScannerConfig())
	_, err := orch.coordinator.Run(context.Background(), "lib", nil, nil)
	if err != ErrNoFiles {
		t.Errorf("err = %v, want ErrNoFiles", err)
	}
}

func TestBusSink_MapsProgressToEvents(t *testing.T) {
	bus := event.NewBus(testLogger(), 16)
	go bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var got []event.Event
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	sink := NewBusSink(bus)
	sink.Publish(Progress{Kind: ProgressStarted, LibraryID: "lib", Total: 3})
	sink.Publish(Progress{Kind: ProgressFileProcessed, LibraryID: "lib", Path: "/a.mp3", Processed: 1, Total: 3})
	sink.Publish(Progress{Kind: ProgressCompleted, LibraryID: "lib", Summary: &Summary{Processed: 3}})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Type != event.ScanStarted {
		t.Errorf("first event = %s, want scan.started", got[0].Type)
	}
	if got[1].Type != event.ScanFile || got[1].Data["path"] != "/a.mp3" {
		t.Errorf("second event = %+v", got[1])
	}
	if got[2].Type != event.ScanCompleted {
		t.Errorf("third event = %s, want scan.completed", got[2].Type)
	}
}
