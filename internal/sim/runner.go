package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/world"
)

// worldRunner drives one world's fixed-period tick on a dedicated
// goroutine. Ticks are sequential by construction: a slow tick delays
// the next one, it never runs concurrently with it.
type worldRunner struct {
	engine  *Engine
	worldID string
	wctx    *world.Context
	flusher *flusher

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// mu serializes the tick against host-facing calls. The tick loop
	// is a single goroutine, so ticks themselves can never overlap.
	mu        sync.Mutex
	players   map[string]*playerState
	tickCount uint64
	lastCfg   *Config
}

func newWorldRunner(e *Engine, worldID string, wctx *world.Context) *worldRunner {
	st, _ := wctx.Storage()
	r := &worldRunner{
		engine:  e,
		worldID: worldID,
		wctx:    wctx,
		flusher: newFlusher(worldID, st, e.log, e.audit),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		players: map[string]*playerState{},
	}
	r.lastCfg = e.cfg.Load()
	go r.loop()
	return r
}

func (r *worldRunner) loop() {
	defer close(r.doneCh)
	period := r.tickPeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(r.engine.clock())
			if p := r.tickPeriod(); p != period {
				period = p
				ticker.Reset(period)
			}
		}
	}
}

func (r *worldRunner) tickPeriod() time.Duration {
	ms := r.engine.config().TickPeriodMS
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

// tick advances every active player by the elapsed wall time since
// that player's previous tick. A panic while processing one player is
// caught, logged and audited; the remaining players still tick.
func (r *worldRunner) tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.engine.config()
	if r.lastCfg == nil || r.lastCfg != r.engine.cfg.Load() {
		r.rebuildBands(cfg)
		r.lastCfg = r.engine.cfg.Load()
	}

	r.tickCount++
	for _, p := range sortedPlayers(r.players) {
		if p.phase != phaseActive {
			continue
		}
		r.tickPlayer(cfg, p, now)
	}

	flushEvery := cfg.FlushEveryTicks
	if flushEvery <= 0 {
		flushEvery = 10
	}
	if r.tickCount%uint64(flushEvery) == 0 {
		r.enqueueDirtyLocked()
	}
}

func (r *worldRunner) tickPlayer(cfg Config, p *playerState, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			r.engine.log.Error("player tick panicked, continuing",
				"world", r.worldID, "player", p.id, "err", rec)
			r.engine.audit.Append(auditlog.Event{
				Kind:   auditlog.KindPlayerTickError,
				World:  r.worldID,
				Module: ModuleID,
				Detail: map[string]any{"player": p.id, "err": fmt.Sprint(rec)},
			})
		}
	}()

	elapsed := now.Sub(p.lastTick).Seconds()
	p.lastTick = now
	if elapsed <= 0 {
		return
	}

	changed := false
	for _, def := range cfg.enabledStats() {
		mult := multiplierFor(cfg.Activities, p.activity, def.Name)
		delta := cfg.baseRatePerMinute(def) * mult * (elapsed / 60.0)
		if !def.Restore {
			delta = -delta
		}
		cur, ok := p.vector.Get(def.Name)
		if !ok {
			continue
		}
		if p.vector.Set(def.Name, cur+delta, def.Min, def.Max) {
			changed = true
		}

		if bands := p.bands[def.Name]; bands != nil {
			val, _ := p.vector.Get(def.Name)
			for _, tr := range bands.evaluate(val) {
				r.engine.emit(EffectEvent{
					WorldID:    r.worldID,
					PlayerID:   p.id,
					Stat:       def.Name,
					Effect:     tr.Controller.Effect,
					Severity:   tr.Controller.Severity,
					Transition: tr.Transition,
				})
			}
		}
	}

	if changed {
		p.dirty = true
		r.engine.pushSummary(r.summaryLocked(cfg, p))
	}
}

func (r *worldRunner) summaryLocked(cfg Config, p *playerState) Summary {
	s := Summary{WorldID: r.worldID, PlayerID: p.id}
	for _, def := range cfg.enabledStats() {
		if v, ok := p.vector.Get(def.Name); ok {
			s.Stats = append(s.Stats, SummaryStat{Name: def.Name, Value: v, Max: def.Max})
		}
	}
	var severeRank int
	for _, name := range p.vector.Names() {
		bands := p.bands[name]
		if bands == nil {
			continue
		}
		s.Effects = append(s.Effects, bands.activeEffects()...)
		if label, ok := bands.mostSevere(); ok {
			for _, c := range bands.controllers {
				if c.Effect == label && c.Severity > severeRank {
					severeRank = c.Severity
					s.Severe = label
				}
			}
		}
	}
	return s
}

// rebuildBands reconstructs hysteresis controllers after a config
// change, carrying active flags over by effect name so a reload does
// not re-announce already-active effects.
func (r *worldRunner) rebuildBands(cfg Config) {
	for _, p := range r.players {
		active := map[string]bool{}
		for _, bands := range p.bands {
			for _, c := range bands.controllers {
				if c.Active() {
					active[c.Effect] = true
				}
			}
		}
		p.bands = buildBands(cfg, r.engine.log, active)
	}
}

func buildBands(cfg Config, log *slog.Logger, carryActive map[string]bool) map[string]*bandSet {
	out := map[string]*bandSet{}
	for _, def := range cfg.enabledStats() {
		var cs []*Controller
		for _, eff := range def.Effects {
			c, err := NewController(eff.Name, Direction(eff.Direction), eff.Enter, eff.Exit, eff.Severity)
			if err != nil {
				log.Warn("skipping invalid effect band", "stat", def.Name, "err", err)
				continue
			}
			if carryActive[eff.Name] {
				c.active = true
			}
			cs = append(cs, c)
		}
		if len(cs) > 0 {
			out[def.Name] = newBandSet(cs)
		}
	}
	return out
}

func (r *worldRunner) join(playerID string) error {
	cfg := r.engine.config()

	// Persisted state loads before the player enters the tick set, off
	// the tick goroutine.
	var persisted map[string]float64
	if st, err := r.wctx.Storage(); err == nil && st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.UpsertPlayer(ctx, playerID, r.engine.clock()); err != nil {
			return fmt.Errorf("upsert player: %w", err)
		}
		if persisted, err = loadStats(ctx, st, playerID); err != nil {
			return fmt.Errorf("load stats: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.players[playerID]; ok {
		return nil
	}
	vec := NewStatVector(cfg.enabledStats())
	vec.Restore(cfg.enabledStats(), persisted)
	r.players[playerID] = &playerState{
		id:       playerID,
		phase:    phaseActive,
		vector:   vec,
		bands:    buildBands(cfg, r.engine.log, nil),
		activity: ActivityIdle,
		lastTick: r.engine.clock(),
	}
	r.engine.indexPlayer(playerID, r.worldID)
	return nil
}

// suspend flushes immediately and discards in-memory state, so a
// reconnect always reloads from storage and cross-world leakage is
// impossible.
func (r *worldRunner) suspend(playerID string) {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if ok {
		p.phase = phaseSuspended
		r.flusher.enqueue(playerID, p.vector.Snapshot())
		delete(r.players, playerID)
	}
	r.mu.Unlock()
	if ok {
		r.engine.dropPlayer(playerID, r.worldID)
	}
}

func (r *worldRunner) setActivity(playerID string, activity Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[playerID]; ok {
		p.activity = ParseActivity(string(activity))
	}
}

func (r *worldRunner) stats(playerID string) (map[string]float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return nil, false
	}
	return p.vector.Snapshot(), true
}

func (r *worldRunner) activeEffects(playerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return nil
	}
	var out []string
	for _, name := range p.vector.Names() {
		if bands := p.bands[name]; bands != nil {
			out = append(out, bands.activeEffects()...)
		}
	}
	return out
}

func (r *worldRunner) enqueueDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueDirtyLocked()
}

func (r *worldRunner) enqueueDirtyLocked() {
	for _, p := range r.players {
		if !p.dirty {
			continue
		}
		p.dirty = false
		r.flusher.enqueue(p.id, p.vector.Snapshot())
	}
}

// stop ends the tick loop (the in-flight tick finishes first), marks
// players terminated with a final flush and drains the queue bounded
// by timeout.
func (r *worldRunner) stop(timeout time.Duration) {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh

	r.mu.Lock()
	for _, p := range r.players {
		p.phase = phaseTerminated
		r.flusher.enqueue(p.id, p.vector.Snapshot())
		r.engine.dropPlayer(p.id, r.worldID)
	}
	r.players = map[string]*playerState{}
	r.mu.Unlock()

	if err := r.flusher.close(timeout); err != nil {
		r.engine.log.Warn("world flush did not drain in time", "world", r.worldID, "err", err)
	}
}

func sortedPlayers(m map[string]*playerState) []*playerState {
	out := make([]*playerState, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
