package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Library  LibraryConfig  `yaml:"library"`
	Scanner  ScannerConfig  `yaml:"scanner"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path  string      `yaml:"path"`
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig controls connection retry behavior.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// LibraryConfig holds the audiobook library root settings.
type LibraryConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// WatcherConfig holds filesystem watcher settings.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig holds logging settings. When File is set, logs rotate
// through it instead of going to stderr.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/data/toneshelf.db",
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialDelay:   100 * time.Millisecond,
				MaxDelay:       5 * time.Second,
				AttemptTimeout: 30 * time.Second,
			},
		},
		Library: LibraryConfig{
			Name: "Audiobooks",
			Path: "/audiobooks",
		},
		Scanner: DefaultScanner(),
		Watcher: WatcherConfig{
			Enabled:  false,
			Debounce: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence. The
// scanner preset is resolved last so explicit scanner fields survive it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if cfg.Scanner.Preset != "" {
		resolved, err := cfg.Scanner.resolvePreset()
		if err != nil {
			return nil, fmt.Errorf("resolving scanner preset: %w", err)
		}
		cfg.Scanner = resolved
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Start the scanner section empty so preset resolution can tell
	// file-provided fields apart from defaults.
	c.Scanner = ScannerConfig{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return err
	}
	if c.Scanner.Preset == "" && c.Scanner.isZero() {
		c.Scanner = DefaultScanner()
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("TS_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TS_LIBRARY_NAME"); v != "" {
		c.Library.Name = v
	}
	if v := os.Getenv("TS_LIBRARY_PATH"); v != "" {
		c.Library.Path = v
	}
	if v := os.Getenv("TS_SCANNER_PRESET"); v != "" {
		c.Scanner.Preset = v
	}
	if v := os.Getenv("TS_SCANNER_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scanner.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("TS_SCANNER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scanner.BatchSize = n
		}
	}
	if v := os.Getenv("TS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TS_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.Retry.MaxAttempts < 1 {
		return fmt.Errorf("database retry max_attempts must be at least 1")
	}
	if c.Library.Path == "" {
		return fmt.Errorf("library path is required")
	}
	if err := c.Scanner.validate(); err != nil {
		return err
	}
	if c.Watcher.Enabled && c.Watcher.Debounce <= 0 {
		return fmt.Errorf("watcher debounce must be positive")
	}
	return nil
}

const (
	defaultMaxFileSize  = 2 << 30 // 2 GiB
	defaultBatchSize    = 100
	defaultCacheEntries = 1000
)

// Scanner preset names.
const (
	PresetDefault      = "default"
	PresetLargeLibrary = "large-library"
	PresetSmallLibrary = "small-library"
	PresetConservative = "conservative"
)

// ScannerConfig controls scan concurrency, batching, and file filtering.
// Preset, when set, supplies values for any field left unset.
type ScannerConfig struct {
	Preset             string        `yaml:"preset"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	MaxConcurrentDBOps int           `yaml:"max_concurrent_db_ops"`
	BatchSize          int           `yaml:"batch_size"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	Extensions         []string      `yaml:"extensions"`
	MaxFileSize        int64         `yaml:"max_file_size"`
	CacheCapacity      int           `yaml:"cache_capacity"`
}

func defaultExtensions() []string {
	return []string{"mp3", "m4a", "m4b", "flac", "ogg", "wav", "aac"}
}

// DefaultScanner is tuned for typical libraries of a few thousand files.
func DefaultScanner() ScannerConfig {
	return ScannerConfig{
		Preset:             PresetDefault,
		MaxConcurrentTasks: runtime.NumCPU(),
		MaxConcurrentDBOps: 2,
		BatchSize:          defaultBatchSize,
		TaskTimeout:        30 * time.Second,
		Extensions:         defaultExtensions(),
		MaxFileSize:        defaultMaxFileSize,
		CacheCapacity:      defaultCacheEntries,
	}
}

// LargeLibraryScanner trades memory for throughput on libraries with
// tens of thousands of files.
func LargeLibraryScanner() ScannerConfig {
	c := DefaultScanner()
	c.Preset = PresetLargeLibrary
	c.MaxConcurrentTasks = runtime.NumCPU() * 2
	c.BatchSize = 200
	c.TaskTimeout = 60 * time.Second
	c.MaxFileSize = defaultMaxFileSize * 2
	return c
}

// SmallLibraryScanner keeps resource usage low for small collections.
func SmallLibraryScanner() ScannerConfig {
	c := DefaultScanner()
	c.Preset = PresetSmallLibrary
	c.MaxConcurrentTasks = max(runtime.NumCPU()/2, 1)
	c.MaxConcurrentDBOps = 1
	c.BatchSize = 50
	c.TaskTimeout = 15 * time.Second
	return c
}

// ConservativeScanner is for shared or constrained hosts.
func ConservativeScanner() ScannerConfig {
	c := DefaultScanner()
	c.Preset = PresetConservative
	c.MaxConcurrentTasks = 2
	c.MaxConcurrentDBOps = 1
	c.BatchSize = 25
	c.TaskTimeout = 15 * time.Second
	c.MaxFileSize = defaultMaxFileSize / 2
	return c
}

// ScannerPreset returns the named preset.
func ScannerPreset(name string) (ScannerConfig, error) {
	switch name {
	case "", PresetDefault:
		return DefaultScanner(), nil
	case PresetLargeLibrary:
		return LargeLibraryScanner(), nil
	case PresetSmallLibrary:
		return SmallLibraryScanner(), nil
	case PresetConservative:
		return ConservativeScanner(), nil
	default:
		return ScannerConfig{}, fmt.Errorf("unknown scanner preset %q", name)
	}
}

// resolvePreset fills unset fields from the named preset, keeping any
// explicitly configured values.
func (s ScannerConfig) resolvePreset() (ScannerConfig, error) {
	base, err := ScannerPreset(s.Preset)
	if err != nil {
		return ScannerConfig{}, err
	}
	if s.MaxConcurrentTasks > 0 {
		base.MaxConcurrentTasks = s.MaxConcurrentTasks
	}
	if s.MaxConcurrentDBOps > 0 {
		base.MaxConcurrentDBOps = s.MaxConcurrentDBOps
	}
	if s.BatchSize > 0 {
		base.BatchSize = s.BatchSize
	}
	if s.TaskTimeout > 0 {
		base.TaskTimeout = s.TaskTimeout
	}
	if len(s.Extensions) > 0 {
		base.Extensions = s.Extensions
	}
	if s.MaxFileSize > 0 {
		base.MaxFileSize = s.MaxFileSize
	}
	if s.CacheCapacity > 0 {
		base.CacheCapacity = s.CacheCapacity
	}
	return base, nil
}

func (s ScannerConfig) isZero() bool {
	return s.MaxConcurrentTasks == 0 && s.MaxConcurrentDBOps == 0 &&
		s.BatchSize == 0 && s.TaskTimeout == 0 && len(s.Extensions) == 0 &&
		s.MaxFileSize == 0 && s.CacheCapacity == 0
}

func (s ScannerConfig) validate() error {
	if s.MaxConcurrentTasks < 1 {
		return fmt.Errorf("scanner max_concurrent_tasks must be at least 1")
	}
	if s.MaxConcurrentDBOps < 1 {
		return fmt.Errorf("scanner max_concurrent_db_ops must be at least 1")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("scanner batch_size must be at least 1")
	}
	if s.TaskTimeout <= 0 {
		return fmt.Errorf("scanner task_timeout must be positive")
	}
	if len(s.Extensions) == 0 {
		return fmt.Errorf("scanner extensions must not be empty")
	}
	if s.MaxFileSize < 1 {
		return fmt.Errorf("scanner max_file_size must be positive")
	}
	if s.CacheCapacity < 1 {
		return fmt.Errorf("scanner cache_capacity must be at least 1")
	}
	return nil
}
