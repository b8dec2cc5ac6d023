package sim

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/storage"
)

// ModuleID identifies the metabolism module in lifecycles, service
// lookup and the per-world module_schema_versions table.
const ModuleID = "metabolism"

// schemaVersion is the current version of the module-owned tables.
const schemaVersion = 2

// migrateSchema brings the module's tables in one world store up to
// schemaVersion. Each step commits its DDL together with the version
// bump in a single transaction.
func migrateSchema(ctx context.Context, st *storage.Store, audit *auditlog.Log) error {
	cur, err := st.ModuleSchemaVersion(ctx, ModuleID)
	if err != nil {
		return err
	}
	for v := cur; v < schemaVersion; v++ {
		step := moduleMigrations[v]
		if err := st.Transaction(ctx, func(tx *sqlx.Tx) error {
			if err := step(tx); err != nil {
				return err
			}
			return storage.SetModuleSchemaVersion(tx, ModuleID, v+1)
		}); err != nil {
			return err
		}
		audit.Append(auditlog.Event{
			Kind:   auditlog.KindSchemaMigrated,
			World:  st.WorldID(),
			Module: ModuleID,
			Detail: map[string]any{"from": v, "to": v + 1},
		})
	}
	return nil
}

// moduleMigrations[v] migrates from version v to v+1.
var moduleMigrations = map[int]func(*sqlx.Tx) error{
	0: func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metabolism_stats (
			player_id TEXT NOT NULL,
			stat_name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (player_id, stat_name)
		);`)
		return err
	},
	1: func(tx *sqlx.Tx) error {
		// world_id is denormalized into the row for offline tooling
		// that aggregates across copied world databases.
		_, err := tx.Exec(`ALTER TABLE metabolism_stats ADD COLUMN world_id TEXT NOT NULL DEFAULT ''`)
		return err
	},
}

type statRow struct {
	PlayerID string  `db:"player_id"`
	StatName string  `db:"stat_name"`
	Value    float64 `db:"value"`
}

// saveStats writes one player's vector and refreshes last_seen in the
// same transaction.
func saveStats(ctx context.Context, st *storage.Store, worldID, playerID string, values map[string]float64, now time.Time) error {
	return st.Transaction(ctx, func(tx *sqlx.Tx) error {
		for name, v := range values {
			if _, err := tx.Exec(
				`INSERT INTO metabolism_stats(player_id, stat_name, value, world_id) VALUES(?, ?, ?, ?)
				 ON CONFLICT(player_id, stat_name) DO UPDATE SET value = excluded.value, world_id = excluded.world_id`,
				playerID, name, v, worldID,
			); err != nil {
				return err
			}
		}
		return storage.TouchPlayer(tx, playerID, now)
	})
}

// loadStats returns the persisted vector for a player, empty when the
// player has none.
func loadStats(ctx context.Context, st *storage.Store, playerID string) (map[string]float64, error) {
	var rows []statRow
	if err := st.Select(ctx, &rows,
		`SELECT player_id, stat_name, value FROM metabolism_stats WHERE player_id = ?`, playerID); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.StatName] = r.Value
	}
	return out, nil
}
