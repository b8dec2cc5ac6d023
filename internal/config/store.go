// Package config loads and saves versioned YAML configuration
// documents, applying registered migrations one version at a time with
// a backup written before the first transform. Migration or validation
// failure is non-fatal: the store falls back to the last-known-good
// copy or to defaults and the process continues.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"vitalsim/internal/auditlog"
)

// ErrMigrationFailed marks a document that could not be brought to the
// current version; the returned value is a fallback, not the file.
var ErrMigrationFailed = errors.New("config migration failed")

// ErrNotRegistered is returned for document names the store does not
// know about.
var ErrNotRegistered = errors.New("config document not registered")

type Store struct {
	dir   string
	log   *slog.Logger
	audit *auditlog.Log

	mu        sync.Mutex
	registry  map[string]*Registry
	callbacks map[string][]func(Document)
}

func NewStore(dir string, log *slog.Logger, audit *auditlog.Log) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir:       dir,
		log:       log,
		audit:     audit,
		registry:  map[string]*Registry{},
		callbacks: map[string][]func(Document){},
	}
}

// Register installs a document registry. Chain gaps and schema errors
// surface here, at startup, never during a later Load.
func (s *Store) Register(reg *Registry) error {
	if err := reg.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.registry[reg.Name]; dup {
		return fmt.Errorf("config %s: registered twice", reg.Name)
	}
	s.registry[reg.Name] = reg
	return nil
}

// OnChange subscribes to Reload notifications for name. Callbacks run
// synchronously inside Reload; consumers apply the new values at their
// next tick boundary.
func (s *Store) OnChange(name string, fn func(Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[name] = append(s.callbacks[name], fn)
}

// Load reads the named document into out, creating it from defaults
// when absent and migrating it when stale. When migration fails, out
// holds the fallback value and the error wraps ErrMigrationFailed.
func (s *Store) Load(name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked(name)
	if doc != nil {
		if derr := decodeInto(doc, out); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// Save writes the document atomically: temp file in the same
// directory, then rename, so a crash never leaves a torn document.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc Document
	if d, ok := v.(Document); ok {
		doc = d.Clone()
	} else {
		var err error
		if doc, err = toDocument(v); err != nil {
			return err
		}
	}
	if reg := s.registry[name]; reg != nil && doc.Version() == 0 {
		doc.SetVersion(reg.Current)
	}
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return atomicWrite(s.path(name), raw)
}

// Reload re-reads the document and invokes OnChange subscribers with
// the fresh value. Synchronous; the engine picks the new parameters up
// on its next tick.
func (s *Store) Reload(name string) error {
	s.mu.Lock()
	doc, err := s.loadLocked(name)
	cbs := append([]func(Document){}, s.callbacks[name]...)
	s.mu.Unlock()

	if doc == nil {
		return err
	}
	for _, fn := range cbs {
		fn(doc.Clone())
	}
	s.audit.Append(auditlog.Event{Kind: auditlog.KindConfigReloaded, Module: name})
	return err
}

func (s *Store) loadLocked(name string) (Document, error) {
	reg := s.registry[name]
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}

	path := s.path(name)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		doc := reg.Defaults()
		doc.SetVersion(reg.Current)
		if werr := s.writeCurrent(name, doc); werr != nil {
			return doc, werr
		}
		return doc, nil
	}
	if err != nil {
		return nil, err
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return s.fallback(name, reg, fmt.Errorf("parse: %w", err))
	}

	from := doc.Version()
	switch {
	case from == reg.Current:
		if err := reg.checkShape(doc); err != nil {
			return s.fallback(name, reg, fmt.Errorf("validate: %w", err))
		}
		s.writeLastGood(name, raw)
		return doc, nil
	case from > reg.Current:
		return s.fallback(name, reg, fmt.Errorf("document version %d is newer than %d", from, reg.Current))
	}

	chain, err := reg.chainFrom(from)
	if err != nil {
		return s.fallback(name, reg, err)
	}

	// Backup of the pre-migration bytes before any transform runs.
	if err := atomicWrite(path+".bak", raw); err != nil {
		return s.fallback(name, reg, fmt.Errorf("backup: %w", err))
	}

	for _, m := range chain {
		next, err := m.Apply(doc.Clone())
		if err != nil {
			return s.fallback(name, reg, fmt.Errorf("transform %d->%d: %w", m.From, m.To, err))
		}
		doc = next
		doc.SetVersion(m.To)
		s.log.Info("config migrated", "name", name, "from", m.From, "to", m.To)
		s.audit.Append(auditlog.Event{
			Kind:   auditlog.KindConfigMigrated,
			Module: name,
			Detail: map[string]any{"from": m.From, "to": m.To},
		})
	}

	if err := reg.checkShape(doc); err != nil {
		return s.fallback(name, reg, fmt.Errorf("post-migration validate: %w", err))
	}
	if err := s.writeCurrent(name, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// fallback restores the last-known-good copy when one exists,
// otherwise returns defaults. Always reports ErrMigrationFailed so the
// caller can log the condition; the process keeps running.
func (s *Store) fallback(name string, reg *Registry, cause error) (Document, error) {
	s.log.Warn("config falling back", "name", name, "cause", cause)
	s.audit.Append(auditlog.Event{
		Kind:   auditlog.KindConfigFallback,
		Module: name,
		Detail: map[string]any{"cause": cause.Error()},
	})

	wrapped := fmt.Errorf("%w: %s: %v", ErrMigrationFailed, name, cause)

	if good, err := os.ReadFile(s.goodPath(name)); err == nil {
		if doc, derr := decodeDocument(good); derr == nil && doc.Version() == reg.Current {
			_ = atomicWrite(s.path(name), good)
			return doc, wrapped
		}
	}

	doc := reg.Defaults()
	doc.SetVersion(reg.Current)
	_ = atomicWrite(s.path(name), mustEncode(doc))
	return doc, wrapped
}

func (s *Store) writeCurrent(name string, doc Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := atomicWrite(s.path(name), raw); err != nil {
		return err
	}
	s.writeLastGood(name, raw)
	return nil
}

func (s *Store) writeLastGood(name string, raw []byte) {
	_ = atomicWrite(s.goodPath(name), raw)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

func (s *Store) goodPath(name string) string {
	return filepath.Join(s.dir, name+".yaml.good")
}

func toDocument(v any) (Document, error) {
	raw, err := encodeAny(v)
	if err != nil {
		return nil, err
	}
	return decodeDocument(raw)
}

func mustEncode(d Document) []byte {
	raw, err := encodeDocument(d)
	if err != nil {
		return []byte{}
	}
	return raw
}

func atomicWrite(path string, raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
