package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/storage"
)

// ErrFlushTimeout means pending writes did not drain within the
// bounded wait. Retryable via ForceFlush.
var ErrFlushTimeout = errors.New("flush timed out")

// flusher drains the write-behind queue for one world on a dedicated
// I/O goroutine so a slow disk never stalls that world's tick.
type flusher struct {
	worldID string
	store   *storage.Store // nil when the world is degraded to memory-only
	log     *slog.Logger
	audit   *auditlog.Log

	ch   chan flushReq
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

type flushReq struct {
	playerID string
	values   map[string]float64

	// barrier: when set, the loop replies on ack after everything
	// queued ahead of it has been written.
	ack chan struct{}
}

func newFlusher(worldID string, store *storage.Store, log *slog.Logger, audit *auditlog.Log) *flusher {
	f := &flusher{
		worldID: worldID,
		store:   store,
		log:     log,
		audit:   audit,
		ch:      make(chan flushReq, 256),
		done:    make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *flusher) loop() {
	defer close(f.done)
	for req := range f.ch {
		if req.ack != nil {
			close(req.ack)
			continue
		}
		if f.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := saveStats(ctx, f.store, f.worldID, req.playerID, req.values, time.Now())
		cancel()
		if err != nil {
			f.log.Error("stat flush failed", "world", f.worldID, "player", req.playerID, "err", err)
			f.audit.Append(auditlog.Event{
				Kind:   auditlog.KindFlushError,
				World:  f.worldID,
				Module: ModuleID,
				Detail: map[string]any{"player": req.playerID, "err": err.Error()},
			})
		}
	}
}

// enqueue hands a snapshot to the I/O goroutine. Never blocks the tick
// path: when the queue is full the snapshot is dropped and a later
// flush carries the newer value anyway.
func (f *flusher) enqueue(playerID string, values map[string]float64) {
	if f.closed.Load() {
		return
	}
	select {
	case f.ch <- flushReq{playerID: playerID, values: values}:
	default:
		f.log.Warn("flush queue full, dropping snapshot", "world", f.worldID, "player", playerID)
	}
}

// drain blocks until everything queued so far has been written, up to
// timeout.
func (f *flusher) drain(timeout time.Duration) error {
	if f.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case f.ch <- flushReq{ack: ack}:
	case <-time.After(timeout):
		return ErrFlushTimeout
	}
	select {
	case <-ack:
		return nil
	case <-f.done:
		return nil
	case <-time.After(timeout):
		return ErrFlushTimeout
	}
}

// close drains with a bounded wait and stops the goroutine. Called
// during ordered world shutdown, before storage closes.
func (f *flusher) close(timeout time.Duration) error {
	var err error
	f.closeOnce.Do(func() {
		err = f.drain(timeout)
		f.closed.Store(true)
		close(f.ch)
		select {
		case <-f.done:
		case <-time.After(timeout):
			if err == nil {
				err = ErrFlushTimeout
			}
		}
	})
	return err
}
