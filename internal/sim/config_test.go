package sim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vitalsim/internal/config"
)

// A version 1 document with the legacy half-scale rate must come out of
// Load at version 2 with the rate doubled, and the pre-migration bytes
// must land in the .bak file.
func TestMetabolismRateMigrationV1V2(t *testing.T) {
	dir := t.TempDir()
	original := "config_version: 1\nrate: 480.0\n"
	path := filepath.Join(dir, ConfigName+".yaml")
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := config.NewStore(dir, nil, nil)
	if err := store.Register(ConfigRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var cfg Config
	if err := store.Load(ConfigName, &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != ConfigVersion {
		t.Fatalf("expected version %d, got %d", ConfigVersion, cfg.ConfigVersion)
	}
	if cfg.Rate != 960.0 {
		t.Fatalf("expected migrated rate 960.0, got %v", cfg.Rate)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(bak) != original {
		t.Fatalf("backup must hold pre-migration bytes, got %q", bak)
	}

	// The file on disk is rewritten at the current version.
	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migrated file: %v", err)
	}
	if !strings.Contains(string(rewritten), "config_version: 2") {
		t.Fatalf("on-disk document not at current version: %q", rewritten)
	}
}

// Loading twice must not migrate twice: the second Load sees a current
// document and leaves the rate alone.
func TestMetabolismMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigName+".yaml")
	if err := os.WriteFile(path, []byte("config_version: 1\nrate: 480.0\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := config.NewStore(dir, nil, nil)
	if err := store.Register(ConfigRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var cfg Config
	if err := store.Load(ConfigName, &cfg); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := store.Load(ConfigName, &cfg); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if cfg.Rate != 960.0 {
		t.Fatalf("rate must migrate exactly once, got %v", cfg.Rate)
	}
}

func TestDefaultConfigPassesSchema(t *testing.T) {
	dir := t.TempDir()
	store := config.NewStore(dir, nil, nil)
	if err := store.Register(ConfigRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Absent file: defaults are written and must round-trip.
	var cfg Config
	if err := store.Load(ConfigName, &cfg); err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if len(cfg.Stats) != 3 {
		t.Fatalf("expected 3 default stats, got %d", len(cfg.Stats))
	}
	if err := store.Load(ConfigName, &cfg); err != nil {
		t.Fatalf("reload written defaults: %v", err)
	}
	if cfg.ConfigVersion != ConfigVersion {
		t.Fatalf("defaults must carry version %d, got %d", ConfigVersion, cfg.ConfigVersion)
	}
}
