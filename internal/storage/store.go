// Package storage provides one embedded SQLite database per world.
// Writes are serialized through a per-world gate with a bounded wait;
// reads go straight to the pool and may proceed concurrently with the
// active writer (WAL).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Options struct {
	// BusyTimeout bounds how long a writer waits for the gate before
	// failing with ErrBusy. Zero means the default.
	BusyTimeout time.Duration
}

const defaultBusyTimeout = 5 * time.Second

type Store struct {
	worldID string
	db      *sqlx.DB
	log     *slog.Logger

	// Capacity-one semaphore; holding the token is the write lock.
	writeGate chan struct{}

	busyTimeout time.Duration

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open creates or opens <dir>/<worldID>/world.db, applies WAL pragmas
// and bootstraps the core schema when absent.
func Open(dir, worldID string, opts Options, log *slog.Logger) (*Store, error) {
	if strings.TrimSpace(worldID) == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if log == nil {
		log = slog.Default()
	}
	worldDir := filepath.Join(dir, worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(worldDir, "world.db")

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}
	if err := verifyReadable(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := checkExistingSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, classifyOpenErr(err)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	s := &Store{
		worldID:     worldID,
		db:          db,
		log:         log.With("world", worldID),
		writeGate:   make(chan struct{}, 1),
		busyTimeout: busy,
	}
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	// WAL lets readers proceed alongside the single writer. NORMAL is
	// an acceptable durability tradeoff for write-behind stat data.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func verifyReadable(db *sqlx.DB) error {
	var n int
	if err := db.Get(&n, `SELECT count(*) FROM sqlite_master`); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

func classifyOpenErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed") {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return err
}

// Close is idempotent. It checkpoints the WAL best-effort before
// releasing the pool; pending flushes must be drained by the caller
// first (the flusher owns that ordering).
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		// Take the gate so no writer is mid-statement while we close.
		select {
		case s.writeGate <- struct{}{}:
			defer func() { <-s.writeGate }()
		case <-time.After(s.busyTimeout):
		}
		_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`)
		err = s.db.Close()
	})
	return err
}

func (s *Store) WorldID() string { return s.worldID }

func (s *Store) acquireWriter(ctx context.Context) (release func(), err error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	timer := time.NewTimer(s.busyTimeout)
	defer timer.Stop()
	select {
	case s.writeGate <- struct{}{}:
		return func() { <-s.writeGate }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: writer gate held longer than %s", ErrBusy, s.busyTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute runs a single mutating statement under the writer gate.
func (s *Store) Execute(ctx context.Context, query string, args ...any) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Transaction runs fn inside a single all-or-nothing transaction under
// the writer gate. Any operation touching more than one table goes
// through here.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	release, err := s.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Get and Select read without the writer gate.
func (s *Store) Get(ctx context.Context, dest any, query string, args ...any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.GetContext(ctx, dest, query, args...)
}

func (s *Store) Select(ctx context.Context, dest any, query string, args ...any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.SelectContext(ctx, dest, query, args...)
}

// IsNotFound reports whether err is the driver's no-rows condition.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
