// Package auditlog appends structured operator-facing events (config
// migrations, storage degradation, module isolation) to hourly-rotated
// zstd-compressed JSONL files.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type Event struct {
	Time   string         `json:"time"`
	Kind   string         `json:"kind"`
	World  string         `json:"world,omitempty"`
	Module string         `json:"module,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Event kinds written by the core.
const (
	KindConfigMigrated   = "config_migrated"
	KindConfigFallback   = "config_fallback"
	KindConfigReloaded   = "config_reloaded"
	KindStorageDegraded  = "storage_degraded"
	KindModuleFailed     = "module_failed"
	KindModuleShutdown   = "module_shutdown_error"
	KindPlayerTickError  = "player_tick_error"
	KindFlushError       = "flush_error"
	KindSchemaMigrated   = "module_schema_migrated"
	KindWorldRemoved     = "world_removed"
)

type Log struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func New(baseDir string) *Log {
	return &Log{baseDir: baseDir, prefix: "audit"}
}

// Append writes one event. Nil-safe and best-effort: an audit write
// failure never propagates into the simulation path.
func (l *Log) Append(ev Event) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Time == "" {
		ev.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return
		}
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := l.w.Write(b); err != nil {
		return
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return
	}
	_ = l.w.Flush()
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Log) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	path := l.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curHour = hour
	return nil
}

func (l *Log) closeLocked() error {
	var err error
	if l.w != nil {
		_ = l.w.Flush()
	}
	if l.enc != nil {
		err = l.enc.Close()
		l.enc = nil
	}
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	l.w = nil
	return err
}

func (l *Log) pathForHour(hour string) string {
	return filepath.Join(l.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", l.prefix, hour))
}
