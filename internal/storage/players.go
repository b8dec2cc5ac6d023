package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// PlayerRecord is one row in the per-world players table. Records are
// upserted on first session and refreshed on every join/leave; they
// are never deleted automatically.
type PlayerRecord struct {
	ID        string `db:"id"`
	FirstSeen int64  `db:"first_seen"`
	LastSeen  int64  `db:"last_seen"`
}

// UpsertPlayer records a sighting of playerID at now. first_seen is
// set once, last_seen every time.
func (s *Store) UpsertPlayer(ctx context.Context, playerID string, now time.Time) error {
	ts := now.UTC().UnixMilli()
	return s.Execute(ctx,
		`INSERT INTO players(id, first_seen, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
		playerID, ts, ts,
	)
}

// TouchPlayer updates last_seen inside an open transaction (used by
// the engine's suspend flush so the stat write and the sighting commit
// together).
func TouchPlayer(tx *sqlx.Tx, playerID string, now time.Time) error {
	_, err := tx.Exec(`UPDATE players SET last_seen = ? WHERE id = ?`, now.UTC().UnixMilli(), playerID)
	return err
}

// Player returns the record for playerID, ok=false when never seen.
func (s *Store) Player(ctx context.Context, playerID string) (PlayerRecord, bool, error) {
	var rec PlayerRecord
	err := s.Get(ctx, &rec, `SELECT id, first_seen, last_seen FROM players WHERE id = ?`, playerID)
	if IsNotFound(err) {
		return PlayerRecord{}, false, nil
	}
	if err != nil {
		return PlayerRecord{}, false, err
	}
	return rec, true, nil
}
