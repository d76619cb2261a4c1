package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tgraves/toneshelf/internal/catalog"
	"github.com/tgraves/toneshelf/internal/config"
	"github.com/tgraves/toneshelf/internal/database"
	"github.com/tgraves/toneshelf/internal/event"
	"github.com/tgraves/toneshelf/internal/filesystem"
	"github.com/tgraves/toneshelf/internal/library"
	"github.com/tgraves/toneshelf/internal/logging"
	"github.com/tgraves/toneshelf/internal/scanner"
	"github.com/tgraves/toneshelf/internal/watcher"
)

const usage = `usage: toneshelf <command> [args]

commands:
  scan [-json]              scan the configured library and catalog audiobooks
  watch                     scan, then rescan whenever the library changes
  list [query]              list cataloged audiobooks, optionally filtered
  export-cover <path> <out> write an audiobook's embedded cover art to a file
  migrate                   apply pending schema migrations
  migrate-status            show current schema version and pending migrations
  rollback <version>        roll the schema back to the given version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "watch":
		err = runWatch()
	case "list":
		err = runList(os.Args[2:])
	case "export-cover":
		err = runExportCover(os.Args[2:])
	case "migrate":
		err = runMigrate()
	case "migrate-status":
		err = runMigrateStatus()
	case "rollback":
		err = runRollback(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the pieces every subcommand needs.
type app struct {
	cfg    *config.Config
	logMgr *logging.Manager
	logger *slog.Logger
	db     *database.Manager
}

// setup loads configuration, initializes logging, and connects to the
// database. Migrations run unless the caller manages them itself.
func setup(ctx context.Context, migrate bool) (*app, error) {
	configPath := os.Getenv("TS_CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logMgr, logger := logging.NewManager(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	slog.SetDefault(logger)

	db := database.NewManager(database.Config{
		Path: cfg.Database.Path,
		Retry: database.RetryPolicy{
			MaxAttempts:    cfg.Database.Retry.MaxAttempts,
			InitialDelay:   cfg.Database.Retry.InitialDelay,
			MaxDelay:       cfg.Database.Retry.MaxDelay,
			AttemptTimeout: cfg.Database.Retry.AttemptTimeout,
		},
	}, logger)
	if err := db.Connect(ctx); err != nil {
		logMgr.Close() //nolint:errcheck
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if migrate {
		if err := db.With(ctx, database.Migrate); err != nil {
			db.Close()     //nolint:errcheck
			logMgr.Close() //nolint:errcheck
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	logger.Info("database ready", slog.String("path", cfg.Database.Path))
	return &app{cfg: cfg, logMgr: logMgr, logger: logger, db: db}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.logMgr.Close() //nolint:errcheck
}

func runScan(args []string) error {
	asJSON := len(args) > 0 && args[0] == "-json"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := scanner.New(a.cfg.Scanner, a.db, a.logger)
	if err != nil {
		return fmt.Errorf("creating scanner: %w", err)
	}

	summary, scanErr := orch.Scan(ctx, a.cfg.Library.Name, a.cfg.Library.Path)
	if summary != nil {
		if asJSON {
			out := struct {
				Summary         *scanner.Summary `json:"summary"`
				Performance     scanner.Report   `json:"performance"`
				Recommendations []string         `json:"recommendations,omitempty"`
			}{summary, orch.Performance(), orch.Recommendations()}
			if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
				return err
			}
		} else {
			printSummary(summary, orch)
		}
	}
	return scanErr
}

func printSummary(s *scanner.Summary, orch *scanner.Orchestrator) {
	fmt.Printf("scanned %d files in %s: %d cataloged, %d failed, %d new\n",
		s.Processed+s.Errors, s.Duration.Round(10*time.Millisecond), s.Processed, s.Errors, s.NewFiles)
	for path, err := range s.Failures {
		fmt.Printf("  failed: %s: %v\n", path, err)
	}

	report := orch.Performance()
	if report.Throughput > 0 {
		fmt.Printf("throughput: %.1f files/s\n", report.Throughput)
	}
	for _, rec := range orch.Recommendations() {
		fmt.Printf("hint: %s\n", rec)
	}
}

func runWatch() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	orch, err := scanner.New(a.cfg.Scanner, a.db, a.logger)
	if err != nil {
		return fmt.Errorf("creating scanner: %w", err)
	}

	bus := event.NewBus(a.logger, 256)
	go bus.Start()
	defer bus.Stop()
	sink := scanner.NewBusSink(bus)

	// Catch up before watching so the watcher only has deltas to handle.
	if _, err := orch.ScanWithProgress(ctx, a.cfg.Library.Name, a.cfg.Library.Path, sink); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Error("initial scan failed", "error", err)
	}

	scanFn := func(ctx context.Context) error {
		_, err := orch.ScanWithProgress(ctx, a.cfg.Library.Name, a.cfg.Library.Path, sink)
		return err
	}
	svc := watcher.NewService(scanFn, a.cfg.Library.Path, a.cfg.Scanner.Extensions,
		bus, a.logger, a.cfg.Watcher.Debounce)
	return svc.Start(ctx)
}

func runList(args []string) error {
	ctx := context.Background()
	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	libs := library.NewService(a.db)
	lib, err := libs.GetByPath(ctx, a.cfg.Library.Path)
	if err != nil {
		return err
	}
	if lib == nil {
		return fmt.Errorf("library %s has not been scanned yet", a.cfg.Library.Path)
	}

	store := catalog.NewStore(a.db)
	var books []catalog.Audiobook
	if len(args) > 0 {
		books, err = store.Search(ctx, lib.ID, args[0])
	} else {
		books, err = store.ListByLibrary(ctx, lib.ID)
	}
	if err != nil {
		return err
	}

	for _, b := range books {
		title := b.Title
		if title == "" {
			title = b.Path
		}
		line := title
		if b.Author != "" {
			line += " by " + b.Author
		}
		if b.Narrator != "" {
			line += " (read by " + b.Narrator + ")"
		}
		fmt.Println(line)
	}
	fmt.Printf("%d audiobooks\n", len(books))
	return nil
}

func runExportCover(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: toneshelf export-cover <audiobook-path> <out-file>")
	}
	bookPath, outPath := filesystem.NormalizePath(args[0]), args[1]

	ctx := context.Background()
	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	libs := library.NewService(a.db)
	lib, err := libs.GetByPath(ctx, a.cfg.Library.Path)
	if err != nil {
		return err
	}
	if lib == nil {
		return fmt.Errorf("library %s has not been scanned yet", a.cfg.Library.Path)
	}

	book, err := catalog.NewStore(a.db).GetByPath(ctx, lib.ID, bookPath)
	if err != nil {
		return err
	}
	if book == nil {
		return fmt.Errorf("no cataloged audiobook at %s", bookPath)
	}
	if len(book.CoverArt) == 0 {
		return fmt.Errorf("audiobook %s has no cover art", bookPath)
	}

	if err := filesystem.WriteFileAtomic(outPath, book.CoverArt, 0o644); err != nil {
		return fmt.Errorf("writing cover art: %w", err)
	}
	fmt.Printf("wrote %d bytes to %s\n", len(book.CoverArt), outPath)
	return nil
}

func runMigrate() error {
	ctx := context.Background()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	mgr, err := database.NewMigrationManager()
	if err != nil {
		return err
	}
	return a.db.With(ctx, func(db *sql.DB) error {
		applied, err := mgr.Up(ctx, db)
		for _, mig := range applied {
			fmt.Printf("applied %04d %s\n", mig.Version, mig.Description)
		}
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
		return nil
	})
}

func runMigrateStatus() error {
	ctx := context.Background()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	mgr, err := database.NewMigrationManager()
	if err != nil {
		return err
	}
	return a.db.With(ctx, func(db *sql.DB) error {
		current, err := mgr.CurrentVersion(ctx, db)
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (latest %d)\n", current, mgr.LatestVersion())

		pending, err := mgr.Pending(ctx, db)
		if err != nil {
			return err
		}
		for _, mig := range pending {
			fmt.Printf("pending %04d %s\n", mig.Version, mig.Description)
		}
		return nil
	})
}

func runRollback(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: toneshelf rollback <version>")
	}
	target, err := strconv.Atoi(args[0])
	if err != nil || target < 0 {
		return fmt.Errorf("invalid rollback target %q", args[0])
	}

	ctx := context.Background()
	a, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	mgr, err := database.NewMigrationManager()
	if err != nil {
		return err
	}
	return a.db.With(ctx, func(db *sql.DB) error {
		if err := mgr.Down(ctx, db, target); err != nil {
			return err
		}
		fmt.Printf("schema rolled back to version %d\n", target)
		return nil
	})
}
