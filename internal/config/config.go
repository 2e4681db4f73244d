// Package config loads the Engine's YAML configuration file. It mirrors the
// field-per-concern shape of the teacher's command-line Config, just sourced
// from a file instead of flags, since this module ships no SQL shell of its
// own to parse arguments for.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SimonWaldherr/storageengine/internal/storage/lock"
)

// Config is the top-level settings document an Engine is opened with.
type Config struct {
	DBPath        string `yaml:"db_path"`
	WALPath       string `yaml:"wal_path"`
	PageSize      int    `yaml:"page_size"`
	MaxCachePages int    `yaml:"max_cache_pages"`

	CheckpointInterval       time.Duration `yaml:"checkpoint_interval"`
	DeadlockDetectorInterval time.Duration `yaml:"deadlock_detector_interval"`

	DefaultIsolation string `yaml:"default_isolation"`
}

const (
	defaultPageSize      = 8192
	defaultMaxCachePages = 1024
	defaultCheckpoint    = 30 * time.Second
	defaultDeadlockTick  = time.Second
	defaultIsolation     = "repeatable_read"
)

// Default returns a Config with the engine's baseline settings, for callers
// that have no file to load (tests, one-off tools).
func Default(dbPath string) Config {
	return Config{
		DBPath:                   dbPath,
		PageSize:                 defaultPageSize,
		MaxCachePages:            defaultMaxCachePages,
		CheckpointInterval:       defaultCheckpoint,
		DeadlockDetectorInterval: defaultDeadlockTick,
		DefaultIsolation:         defaultIsolation,
	}
}

// Load reads and parses a YAML config file at path, filling in defaults for
// any field the file leaves zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxCachePages == 0 {
		c.MaxCachePages = defaultMaxCachePages
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = defaultCheckpoint
	}
	if c.DeadlockDetectorInterval == 0 {
		c.DeadlockDetectorInterval = defaultDeadlockTick
	}
	if c.DefaultIsolation == "" {
		c.DefaultIsolation = defaultIsolation
	}
}

// Validate rejects a Config with an empty database path or an unrecognized
// isolation level, before Engine.Open ever touches disk.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := c.Isolation(); err != nil {
		return err
	}
	return nil
}

// CheckpointSchedule renders CheckpointInterval as the cron expression
// Engine.Config expects ("" disables the schedule entirely).
func (c *Config) CheckpointSchedule() string {
	if c.CheckpointInterval <= 0 {
		return ""
	}
	return "@every " + c.CheckpointInterval.String()
}

// DeadlockSchedule renders DeadlockDetectorInterval as a cron expression.
func (c *Config) DeadlockSchedule() string {
	if c.DeadlockDetectorInterval <= 0 {
		return ""
	}
	return "@every " + c.DeadlockDetectorInterval.String()
}

// Isolation parses DefaultIsolation into a lock.IsolationLevel.
func (c *Config) Isolation() (lock.IsolationLevel, error) {
	switch c.DefaultIsolation {
	case "read_uncommitted":
		return lock.ReadUncommitted, nil
	case "read_committed":
		return lock.ReadCommitted, nil
	case "repeatable_read", "":
		return lock.RepeatableRead, nil
	case "serializable":
		return lock.Serializable, nil
	default:
		return 0, fmt.Errorf("unknown default_isolation %q", c.DefaultIsolation)
	}
}
