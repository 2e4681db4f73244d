package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimonWaldherr/storageengine/internal/storage/lock"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "db_path: /tmp/test.db\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageSize != defaultPageSize {
		t.Errorf("page size: got %d want %d", cfg.PageSize, defaultPageSize)
	}
	if cfg.CheckpointInterval != defaultCheckpoint {
		t.Errorf("checkpoint interval: got %v want %v", cfg.CheckpointInterval, defaultCheckpoint)
	}
	if cfg.DefaultIsolation != defaultIsolation {
		t.Errorf("isolation: got %q want %q", cfg.DefaultIsolation, defaultIsolation)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
db_path: /tmp/test.db
wal_path: /tmp/test.wal
page_size: 4096
max_cache_pages: 64
checkpoint_interval: 10s
deadlock_detector_interval: 200ms
default_isolation: serializable
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageSize != 4096 || cfg.MaxCachePages != 64 {
		t.Fatalf("got %+v", cfg)
	}
	if cfg.CheckpointInterval != 10*time.Second {
		t.Errorf("checkpoint interval: got %v", cfg.CheckpointInterval)
	}
	level, err := cfg.Isolation()
	if err != nil {
		t.Fatal(err)
	}
	if level != lock.Serializable {
		t.Errorf("isolation: got %v want Serializable", level)
	}
}

func TestLoad_RejectsMissingDBPath(t *testing.T) {
	path := writeConfig(t, "page_size: 4096\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing db_path")
	}
}

func TestLoad_RejectsUnknownIsolation(t *testing.T) {
	path := writeConfig(t, "db_path: /tmp/test.db\ndefault_isolation: bogus\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown isolation level")
	}
}

func TestSchedules_EmptyWhenNonPositive(t *testing.T) {
	cfg := Default("/tmp/test.db")
	cfg.CheckpointInterval = 0
	cfg.DeadlockDetectorInterval = -1
	if got := cfg.CheckpointSchedule(); got != "" {
		t.Errorf("checkpoint schedule: got %q want empty", got)
	}
	if got := cfg.DeadlockSchedule(); got != "" {
		t.Errorf("deadlock schedule: got %q want empty", got)
	}
}

func TestSchedules_RenderCronEveryExpression(t *testing.T) {
	cfg := Default("/tmp/test.db")
	cfg.CheckpointInterval = 45 * time.Second
	if got, want := cfg.CheckpointSchedule(), "@every 45s"; got != want {
		t.Errorf("checkpoint schedule: got %q want %q", got, want)
	}
}
