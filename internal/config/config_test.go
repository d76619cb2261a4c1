package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/data/toneshelf.db" {
		t.Errorf("database path = %q, want default", cfg.Database.Path)
	}
	if cfg.Scanner.BatchSize != 100 {
		t.Errorf("batch size = %d, want 100", cfg.Scanner.BatchSize)
	}
	if cfg.Database.Retry.MaxAttempts != 3 {
		t.Errorf("retry attempts = %d, want 3", cfg.Database.Retry.MaxAttempts)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
database:
  path: /tmp/books.db
library:
  name: Shelf
  path: /mnt/books
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/books.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Library.Name != "Shelf" || cfg.Library.Path != "/mnt/books" {
		t.Errorf("library = %+v", cfg.Library)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	// Scanner section absent: full default preset.
	if cfg.Scanner.BatchSize != 100 || cfg.Scanner.MaxConcurrentDBOps != 2 {
		t.Errorf("scanner = %+v, want default preset", cfg.Scanner)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "database:\n  path: /tmp/from-file.db\n")
	t.Setenv("TS_DB_PATH", "/tmp/from-env.db")
	t.Setenv("TS_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("database path = %q, want env value", cfg.Database.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_PresetWithFieldOverride(t *testing.T) {
	path := writeConfigFile(t, `
scanner:
  preset: conservative
  batch_size: 40
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scanner.BatchSize != 40 {
		t.Errorf("batch size = %d, want override 40", cfg.Scanner.BatchSize)
	}
	// Remaining fields come from the conservative preset.
	if cfg.Scanner.MaxConcurrentTasks != 2 {
		t.Errorf("tasks = %d, want 2 from preset", cfg.Scanner.MaxConcurrentTasks)
	}
	if cfg.Scanner.MaxConcurrentDBOps != 1 {
		t.Errorf("db ops = %d, want 1 from preset", cfg.Scanner.MaxConcurrentDBOps)
	}
	if cfg.Scanner.TaskTimeout != 15*time.Second {
		t.Errorf("timeout = %v, want 15s from preset", cfg.Scanner.TaskTimeout)
	}
}

func TestLoad_UnknownPreset(t *testing.T) {
	path := writeConfigFile(t, "scanner:\n  preset: turbo\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestLoad_RejectsInvalidScannerValues(t *testing.T) {
	path := writeConfigFile(t, `
scanner:
  max_concurrent_tasks: -1
  max_concurrent_db_ops: 1
  batch_size: 10
  task_timeout: 10s
  extensions: [mp3]
  max_file_size: 1024
  cache_capacity: 10
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for negative task count")
	}
}

func TestScannerPresets(t *testing.T) {
	def := DefaultScanner()
	large := LargeLibraryScanner()
	small := SmallLibraryScanner()
	cons := ConservativeScanner()

	if small.MaxConcurrentTasks >= large.MaxConcurrentTasks {
		t.Errorf("small tasks (%d) should be below large tasks (%d)",
			small.MaxConcurrentTasks, large.MaxConcurrentTasks)
	}
	if def.MaxConcurrentTasks != runtime.NumCPU() {
		t.Errorf("default tasks = %d, want NumCPU", def.MaxConcurrentTasks)
	}
	if large.BatchSize != 200 || small.BatchSize != 50 || cons.BatchSize != 25 {
		t.Errorf("batch sizes = %d/%d/%d, want 200/50/25",
			large.BatchSize, small.BatchSize, cons.BatchSize)
	}
	if cons.MaxConcurrentTasks != 2 || cons.MaxConcurrentDBOps != 1 {
		t.Errorf("conservative concurrency = %d/%d, want 2/1",
			cons.MaxConcurrentTasks, cons.MaxConcurrentDBOps)
	}
	if large.MaxFileSize != def.MaxFileSize*2 {
		t.Errorf("large max file size = %d, want double the default", large.MaxFileSize)
	}
	if cons.MaxFileSize != def.MaxFileSize/2 {
		t.Errorf("conservative max file size = %d, want half the default", cons.MaxFileSize)
	}

	for _, preset := range []ScannerConfig{def, large, small, cons} {
		if err := preset.validate(); err != nil {
			t.Errorf("preset %s invalid: %v", preset.Preset, err)
		}
		if len(preset.Extensions) != 7 {
			t.Errorf("preset %s has %d extensions, want 7", preset.Preset, len(preset.Extensions))
		}
	}
}

func TestScannerPreset_ByName(t *testing.T) {
	got, err := ScannerPreset("large-library")
	if err != nil {
		t.Fatalf("preset lookup: %v", err)
	}
	if got.BatchSize != 200 {
		t.Errorf("batch size = %d, want 200", got.BatchSize)
	}
	if _, err := ScannerPreset("warp-speed"); err == nil {
		t.Error("expected error for unknown preset name")
	}
}
