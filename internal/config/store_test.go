package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const testSchema = `{
  "type": "object",
  "required": ["config_version", "speed"],
  "properties": {
    "config_version": {"type": "integer", "minimum": 3},
    "speed": {"type": "number", "minimum": 0}
  }
}`

func testRegistry() *Registry {
	return &Registry{
		Name:     "worldgen",
		Current:  3,
		Defaults: func() Document { return Document{"speed": 5.0} },
		Schema:   testSchema,
		Migrations: []Migration{
			{From: 1, To: 2, Apply: func(d Document) (Document, error) {
				if v, ok := d.Float("speed"); ok {
					d["speed"] = v * 10
				}
				return d, nil
			}},
			{From: 2, To: 3, Apply: func(d Document) (Document, error) {
				if v, ok := d.Float("speed"); ok {
					d["speed"] = v + 1
				}
				return d, nil
			}},
		},
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(dir, nil, nil)
	if err := s.Register(testRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return s, dir
}

func TestLoadAbsentWritesDefaults(t *testing.T) {
	s, dir := newTestStore(t)

	var out struct {
		ConfigVersion int     `yaml:"config_version"`
		Speed         float64 `yaml:"speed"`
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.ConfigVersion != 3 || out.Speed != 5.0 {
		t.Fatalf("unexpected defaults %+v", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "worldgen.yaml")); err != nil {
		t.Fatalf("defaults not persisted: %v", err)
	}
}

func TestChainedMigration(t *testing.T) {
	s, dir := newTestStore(t)
	seed := "config_version: 1\nspeed: 2\ncustom_key: keep-me\n"
	if err := os.WriteFile(filepath.Join(dir, "worldgen.yaml"), []byte(seed), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out struct {
		ConfigVersion int     `yaml:"config_version"`
		Speed         float64 `yaml:"speed"`
		CustomKey     string  `yaml:"custom_key"`
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	// 2 *10 = 20, +1 = 21, across two chained transforms.
	if out.ConfigVersion != 3 || out.Speed != 21 {
		t.Fatalf("unexpected migrated value %+v", out)
	}
	if out.CustomKey != "keep-me" {
		t.Fatalf("unknown keys must survive migration, got %q", out.CustomKey)
	}

	bak, err := os.ReadFile(filepath.Join(dir, "worldgen.yaml.bak"))
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if string(bak) != seed {
		t.Fatalf("backup must hold original bytes, got %q", bak)
	}
}

// A second Load of the migrated file must apply zero transforms.
func TestMigrationIdempotent(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "worldgen.yaml"),
		[]byte("config_version: 1\nspeed: 2\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out struct {
		Speed float64 `yaml:"speed"`
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if out.Speed != 21 {
		t.Fatalf("transforms must run exactly once, got %v", out.Speed)
	}
}

func TestFallbackToDefaultsOnBadDocument(t *testing.T) {
	s, dir := newTestStore(t)
	// Current version but fails schema validation: speed is negative.
	if err := os.WriteFile(filepath.Join(dir, "worldgen.yaml"),
		[]byte("config_version: 3\nspeed: -4\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out struct {
		Speed float64 `yaml:"speed"`
	}
	err := s.Load("worldgen", &out)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if out.Speed != 5.0 {
		t.Fatalf("expected defaults fallback, got %v", out.Speed)
	}
}

func TestFallbackPrefersLastKnownGood(t *testing.T) {
	s, dir := newTestStore(t)
	path := filepath.Join(dir, "worldgen.yaml")

	// First load of a healthy document records it as last-known-good.
	if err := os.WriteFile(path, []byte("config_version: 3\nspeed: 7\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var out struct {
		Speed float64 `yaml:"speed"`
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("healthy load: %v", err)
	}

	// Then the file is clobbered with something unparseable.
	if err := os.WriteFile(path, []byte("speed: [1, 2\n"), 0o644); err != nil {
		t.Fatalf("clobber: %v", err)
	}
	err := s.Load("worldgen", &out)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if out.Speed != 7 {
		t.Fatalf("expected last-known-good value 7, got %v", out.Speed)
	}
}

func TestNewerVersionRejected(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "worldgen.yaml"),
		[]byte("config_version: 9\nspeed: 1\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out struct {
		Speed float64 `yaml:"speed"`
	}
	if err := s.Load("worldgen", &out); !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("documents from the future must not load, got %v", err)
	}
}

func TestLoadUnregisteredName(t *testing.T) {
	s, _ := newTestStore(t)
	var out map[string]any
	if err := s.Load("nosuch", &out); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRegisterRejectsChainGap(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil)
	reg := &Registry{
		Name:     "gappy",
		Current:  3,
		Defaults: func() Document { return Document{} },
		Migrations: []Migration{
			{From: 1, To: 2, Apply: func(d Document) (Document, error) { return d, nil }},
			// 2->3 missing.
		},
	}
	if err := s.Register(reg); err == nil {
		t.Fatalf("gap in migration chain must fail registration")
	}
}

func TestRegisterRejectsMultiVersionStep(t *testing.T) {
	s := NewStore(t.TempDir(), nil, nil)
	reg := &Registry{
		Name:     "jumpy",
		Current:  3,
		Defaults: func() Document { return Document{} },
		Migrations: []Migration{
			{From: 1, To: 3, Apply: func(d Document) (Document, error) { return d, nil }},
		},
	}
	if err := s.Register(reg); err == nil {
		t.Fatalf("multi-version steps must fail registration")
	}
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	s, dir := newTestStore(t)
	if err := os.WriteFile(filepath.Join(dir, "worldgen.yaml"),
		[]byte("config_version: 3\nspeed: 7\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var seen []float64
	s.OnChange("worldgen", func(d Document) {
		if v, ok := d.Float("speed"); ok {
			seen = append(seen, v)
		}
	})
	if err := s.Reload("worldgen"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(seen) != 1 || seen[0] != 7 {
		t.Fatalf("subscriber not notified, saw %v", seen)
	}
}

func TestSaveIsAtomicAndVersioned(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.Save("worldgen", Document{"speed": 9.5}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// No temp residue next to the file.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}

	var out struct {
		ConfigVersion int     `yaml:"config_version"`
		Speed         float64 `yaml:"speed"`
	}
	if err := s.Load("worldgen", &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.ConfigVersion != 3 || out.Speed != 9.5 {
		t.Fatalf("unexpected saved document %+v", out)
	}
}

func TestTransformErrorFallsBack(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil, nil)
	reg := &Registry{
		Name:     "broken",
		Current:  2,
		Defaults: func() Document { return Document{"speed": 1.0} },
		Migrations: []Migration{
			{From: 1, To: 2, Apply: func(d Document) (Document, error) {
				return nil, fmt.Errorf("boom")
			}},
		},
	}
	if err := s.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"),
		[]byte("config_version: 1\nspeed: 3\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var out struct {
		Speed float64 `yaml:"speed"`
	}
	err := s.Load("broken", &out)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected ErrMigrationFailed, got %v", err)
	}
	if out.Speed != 1.0 {
		t.Fatalf("expected defaults, got %v", out.Speed)
	}
}
