// Package sim advances per-player metabolism stats on a fixed per-world
// tick, derives buff/debuff states through hysteresis bands and
// persists changed vectors write-behind through a per-world flush
// queue.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/world"
)

// EffectEvent is emitted on the side-effect stream whenever a
// hysteresis band transitions.
type EffectEvent struct {
	WorldID    string
	PlayerID   string
	Stat       string
	Effect     string
	Severity   int
	Transition Transition
}

// Summary is the fire-and-forget HUD payload, one per player per tick
// with changes.
type Summary struct {
	WorldID  string
	PlayerID string
	Stats    []SummaryStat
	Effects  []string
	Severe   string
}

type SummaryStat struct {
	Name  string
	Value float64
	Max   float64
}

// SummarySink consumes summaries without backpressure; the engine
// never waits on it.
type SummarySink interface {
	PushSummary(Summary)
}

type playerPhase int

const (
	phaseActive playerPhase = iota + 1
	phaseSuspended
	phaseTerminated
)

type playerState struct {
	id       string
	phase    playerPhase
	vector   *StatVector
	bands    map[string]*bandSet // by stat name
	activity Activity
	lastTick time.Time
	dirty    bool
}

// Engine owns one runner per world. All stat mutation for a world
// happens on that world's tick goroutine; runners never share state.
type Engine struct {
	log    *slog.Logger
	audit  *auditlog.Log
	worlds *world.Registry

	cfg   atomic.Pointer[Config]
	clock func() time.Time

	events chan EffectEvent
	sink   atomic.Pointer[sinkBox]

	mu        sync.Mutex
	runners   map[string]*worldRunner
	playerIdx map[string]string // player id -> world id

	stopped atomic.Bool
}

type sinkBox struct{ s SummarySink }

func NewEngine(worlds *world.Registry, cfg Config, log *slog.Logger, audit *auditlog.Log) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:       log,
		audit:     audit,
		worlds:    worlds,
		clock:     time.Now,
		events:    make(chan EffectEvent, 256),
		runners:   map[string]*worldRunner{},
		playerIdx: map[string]string{},
	}
	e.cfg.Store(&cfg)
	worlds.OnRemove(e.worldRemoved)
	return e
}

// Events exposes the transition stream. Consumers that fall behind
// lose events; the active set remains queryable via ActiveEffects.
func (e *Engine) Events() <-chan EffectEvent { return e.events }

// SetSink installs the HUD sink.
func (e *Engine) SetSink(s SummarySink) {
	e.sink.Store(&sinkBox{s: s})
}

// ApplyConfig swaps tunables. Runners read the pointer at the top of
// each tick, so a reload lands on the next tick boundary, never
// mid-tick.
func (e *Engine) ApplyConfig(cfg Config) {
	e.cfg.Store(&cfg)
}

func (e *Engine) config() Config { return *e.cfg.Load() }

// Join activates a player in a world: upserts the player record,
// restores a persisted vector when one exists and enrolls the player
// in the world's tick loop.
func (e *Engine) Join(worldID, playerID string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine stopped")
	}
	r, err := e.runnerFor(worldID)
	if err != nil {
		return err
	}
	return r.join(playerID)
}

// Leave suspends a player: a final flush is queued immediately and the
// in-memory state is discarded so a reconnect in another world can
// never observe leaked state.
func (e *Engine) Leave(playerID string) {
	if r := e.runnerOfPlayer(playerID); r != nil {
		r.suspend(playerID)
	}
}

// SetActivity records the host's movement classification for the next
// tick. Unknown input degrades to idle.
func (e *Engine) SetActivity(playerID string, activity Activity) {
	if r := e.runnerOfPlayer(playerID); r != nil {
		r.setActivity(playerID, activity)
	}
}

// Stats returns a copy of the player's current vector.
func (e *Engine) Stats(playerID string) (map[string]float64, bool) {
	r := e.runnerOfPlayer(playerID)
	if r == nil {
		return nil, false
	}
	return r.stats(playerID)
}

// ActiveEffects lists the currently-active effect names for a player,
// in band order per stat.
func (e *Engine) ActiveEffects(playerID string) []string {
	r := e.runnerOfPlayer(playerID)
	if r == nil {
		return nil
	}
	return r.activeEffects(playerID)
}

// ForceFlush synchronously drains the world's write-behind queue,
// bounded by the configured flush timeout.
func (e *Engine) ForceFlush(worldID string) error {
	e.mu.Lock()
	r := e.runners[worldID]
	e.mu.Unlock()
	if r == nil {
		return fmt.Errorf("no running world %s", worldID)
	}
	r.enqueueDirty()
	return r.flusher.drain(e.flushTimeout())
}

// Shutdown stops every runner, waiting for pending flushes with a
// bounded timeout per world.
func (e *Engine) Shutdown() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	runners := make([]*worldRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.runners = map[string]*worldRunner{}
	e.playerIdx = map[string]string{}
	e.mu.Unlock()
	for _, r := range runners {
		r.stop(e.flushTimeout())
	}
}

func (e *Engine) flushTimeout() time.Duration {
	ms := e.config().FlushTimeoutMS
	if ms <= 0 {
		ms = 5000
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) runnerFor(worldID string) (*worldRunner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[worldID]; ok {
		return r, nil
	}
	wctx := e.worlds.Context(worldID)
	st, err := wctx.Storage()
	if err != nil {
		// Degraded world: simulate in memory only. The degradation is
		// already logged and audited by the world registry.
		st = nil
	}
	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := migrateSchema(ctx, st, e.audit)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("world %s: module schema: %w", worldID, err)
		}
	}
	r := newWorldRunner(e, worldID, wctx)
	e.runners[worldID] = r
	return r, nil
}

func (e *Engine) runnerOfPlayer(playerID string) *worldRunner {
	e.mu.Lock()
	defer e.mu.Unlock()
	worldID, ok := e.playerIdx[playerID]
	if !ok {
		return nil
	}
	return e.runners[worldID]
}

func (e *Engine) indexPlayer(playerID, worldID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playerIdx[playerID] = worldID
}

func (e *Engine) dropPlayer(playerID, worldID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playerIdx[playerID] == worldID {
		delete(e.playerIdx, playerID)
	}
}

// worldRemoved is the registry teardown hook: in-flight tick finishes,
// new ticks stop, pending flushes drain, then the registry closes
// storage.
func (e *Engine) worldRemoved(wctx *world.Context) {
	e.mu.Lock()
	r := e.runners[wctx.ID]
	delete(e.runners, wctx.ID)
	e.mu.Unlock()
	if r != nil {
		r.stop(e.flushTimeout())
	}
	wctx.ClearModuleState(ModuleID)
}

func (e *Engine) emit(ev EffectEvent) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) pushSummary(s Summary) {
	if box := e.sink.Load(); box != nil && box.s != nil {
		box.s.PushSummary(s)
	}
}
