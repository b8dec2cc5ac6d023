package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Core bootstrap schema. Module-owned tables (metabolism_stats and
// friends) are created by the owning module through Transaction plus
// SetModuleSchemaVersion so DDL and the version bump commit together.
var bootstrapStmts = []string{
	`CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS module_schema_versions (
		module_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);`,
}

// Expected column sets for the bootstrap tables. If a table already
// exists with a different shape the file belongs to something else and
// we refuse to touch it.
var bootstrapShapes = map[string][]string{
	"players":                {"id", "first_seen", "last_seen"},
	"module_schema_versions": {"module_id", "version"},
}

func initSchema(db *sqlx.DB) error {
	for _, stmt := range bootstrapStmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func checkExistingSchema(db *sqlx.DB) error {
	for table, want := range bootstrapShapes {
		var cols []struct {
			Name string `db:"name"`
		}
		if err := db.Select(&cols, `SELECT name FROM pragma_table_info(?)`, table); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(cols) == 0 {
			continue // table absent, bootstrap will create it
		}
		have := map[string]bool{}
		for _, c := range cols {
			have[strings.ToLower(c.Name)] = true
		}
		for _, w := range want {
			if !have[w] {
				return fmt.Errorf("%w: table %s missing column %s", ErrSchemaMismatch, table, w)
			}
		}
	}
	return nil
}

// ModuleSchemaVersion returns the recorded version for moduleID, zero
// when the module has never written one.
func (s *Store) ModuleSchemaVersion(ctx context.Context, moduleID string) (int, error) {
	var v int
	err := s.Get(ctx, &v, `SELECT version FROM module_schema_versions WHERE module_id = ?`, moduleID)
	if IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// SetModuleSchemaVersion records a version inside an open transaction.
// Versions only move forward; a lower value is rejected.
func SetModuleSchemaVersion(tx *sqlx.Tx, moduleID string, version int) error {
	var cur int
	err := tx.Get(&cur, `SELECT version FROM module_schema_versions WHERE module_id = ?`, moduleID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if err == nil && version < cur {
		return fmt.Errorf("module %s schema version going backwards: %d -> %d", moduleID, cur, version)
	}
	_, err = tx.Exec(
		`INSERT INTO module_schema_versions(module_id, version) VALUES(?, ?)
		 ON CONFLICT(module_id) DO UPDATE SET version = excluded.version`,
		moduleID, version,
	)
	return err
}
