package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tgraves/toneshelf/internal/event"
	"github.com/tgraves/toneshelf/internal/filesystem"
)

// Service watches a library root for audio file changes and triggers a
// rescan once the filesystem has settled. Rapid bursts of events (a copy
// of a whole series, say) coalesce into a single scan.
type Service struct {
	scanFn     func(ctx context.Context) error
	root       string
	extensions map[string]bool
	bus        *event.Bus
	logger     *slog.Logger
	debounce   time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watching map[string]bool
}

// NewService creates a watcher for root. scanFn runs after changes settle.
func NewService(scanFn func(ctx context.Context) error, root string, extensions []string,
	bus *event.Bus, logger *slog.Logger, debounce time.Duration) *Service {
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Service{
		scanFn:     scanFn,
		root:       filesystem.NormalizePath(root),
		extensions: allowed,
		bus:        bus,
		logger:     logger.With("component", "fs-watcher"),
		debounce:   debounce,
		watching:   make(map[string]bool),
	}
}

// Start blocks until ctx is canceled. The root and every subdirectory are
// watched; directories created later are picked up from their create events.
func (s *Service) Start(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer w.Close() //nolint:errcheck

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	if err := s.watchTree(s.root); err != nil {
		return err
	}
	s.logger.Info("filesystem watcher starting", "root", s.root)

	// Debounce timer for coalescing events into a single scan.
	// Starts stopped; reset on each relevant event.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	scanPending := false

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("filesystem watcher stopping")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if s.handleEvent(ev) {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(s.debounce)
				scanPending = true
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("fsnotify error", "error", err)

		case <-debounceTimer.C:
			if scanPending {
				scanPending = false
				s.logger.Info("library changed, triggering scan")
				if err := s.scanFn(ctx); err != nil {
					s.logger.Error("scan triggered by fs watcher failed", "error", err)
				}
			}
		}
	}
}

// handleEvent reports whether ev should schedule a rescan. New directories
// are added to the watch set as a side effect.
func (s *Service) handleEvent(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watch(ev.Name); err != nil {
				s.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			// A moved-in directory may already hold audio files.
			return true
		}
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if !s.extensions[filesystem.Extension(ev.Name)] {
		return false
	}

	s.logger.Debug("library file changed", "path", ev.Name, "op", ev.Op.String())
	s.bus.Publish(event.Event{
		Type: event.LibraryChanged,
		Data: map[string]any{
			"path": ev.Name,
			"op":   ev.Op.String(),
		},
	})
	return true
}

// watchTree adds root and all its current subdirectories to the watch set.
func (s *Service) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("reading watch root: %w", err)
			}
			s.logger.Warn("skipping unwatchable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return s.watch(path)
	})
}

func (s *Service) watch(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watching[path] {
		return nil
	}
	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	s.watching[path] = true
	return nil
}
