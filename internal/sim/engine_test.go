package sim

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"vitalsim/internal/storage"
	"vitalsim/internal/world"
)

const (
	testWorldID  = "7d9f6d58-0b9a-4a7e-a3a1-0f6b8f1c2d3e"
	testPlayerID = "f2a4c0aa-91f3-4a93-8b10-55e3f1c7a001"
)

func testConfig() Config {
	return Config{
		ConfigVersion:   ConfigVersion,
		TickPeriodMS:    3_600_000, // the test drives ticks by hand
		FlushEveryTicks: 1,
		FlushTimeoutMS:  5000,
		Stats: []StatDef{
			{
				Name: "hunger", Min: 0, Max: 100, Default: 100, BaseRate: 1.0,
				Effects: []EffectDef{
					{Name: "hungry", Direction: "low", Enter: 30, Exit: 35, Severity: 1},
					{Name: "starving", Direction: "low", Enter: 10, Exit: 15, Severity: 2},
				},
			},
		},
		Activities: map[string]map[string]float64{
			"idle":      {"hunger": 1.0},
			"sprinting": {"hunger": 3.0},
		},
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *world.Registry) {
	t.Helper()
	reg := world.NewRegistry(t.TempDir(), storage.Options{}, slog.Default(), nil)
	e := NewEngine(reg, cfg, slog.Default(), nil)
	t.Cleanup(e.Shutdown)
	return e, reg
}

func (e *Engine) testRunner(t *testing.T, worldID string) *worldRunner {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.runners[worldID]
	if r == nil {
		t.Fatalf("no runner for world %s", worldID)
	}
	return r
}

// Two consecutive 60s ticks at 1.0/min with the idle multiplier must
// deplete exactly one point each.
func TestTickDepletionScenario(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)

	r.tick(t0.Add(60 * time.Second))
	stats, ok := e.Stats(testPlayerID)
	if !ok {
		t.Fatalf("player not tracked")
	}
	if got := stats["hunger"]; math.Abs(got-99.0) > 1e-9 {
		t.Fatalf("after tick 1 expected 99.0, got %v", got)
	}

	r.tick(t0.Add(120 * time.Second))
	stats, _ = e.Stats(testPlayerID)
	if got := stats["hunger"]; math.Abs(got-98.0) > 1e-9 {
		t.Fatalf("after tick 2 expected 98.0, got %v", got)
	}
}

func TestActivityMultiplier(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	e.SetActivity(testPlayerID, ActivitySprinting)

	r := e.testRunner(t, testWorldID)
	r.tick(t0.Add(60 * time.Second))

	stats, _ := e.Stats(testPlayerID)
	if got := stats["hunger"]; math.Abs(got-97.0) > 1e-9 {
		t.Fatalf("sprinting should deplete 3x, expected 97.0 got %v", got)
	}
}

// Depleting for an arbitrarily large elapsed time must never leave the
// configured bounds.
func TestClampUnderLargeElapsed(t *testing.T) {
	cfg := testConfig()
	cfg.Stats = append(cfg.Stats, StatDef{
		Name: "energy", Min: 0, Max: 100, Default: 50, BaseRate: 2.0, Restore: true,
	})
	e, _ := newTestEngine(t, cfg)
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)
	r.tick(t0.Add(300 * 24 * time.Hour))

	stats, _ := e.Stats(testPlayerID)
	if got := stats["hunger"]; got != 0 {
		t.Fatalf("hunger must clamp at 0, got %v", got)
	}
	if got := stats["energy"]; got != 100 {
		t.Fatalf("restoring stat must clamp at max, got %v", got)
	}
}

func TestEffectTransitionsEmitted(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)

	// 100 -> 25: crosses the hungry enter boundary only.
	r.tick(t0.Add(75 * time.Minute))

	select {
	case ev := <-e.Events():
		if ev.Effect != "hungry" || ev.Transition != TransitionEntered {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("expected a transition event")
	}

	effects := e.ActiveEffects(testPlayerID)
	if len(effects) != 1 || effects[0] != "hungry" {
		t.Fatalf("unexpected active effects %v", effects)
	}
}

// Leave queues an immediate flush and discards in-memory state; a
// rejoin reloads the persisted vector instead of resuming a stale one.
func TestSuspendFlushesAndDiscards(t *testing.T) {
	e, reg := newTestEngine(t, testConfig())
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)
	r.tick(t0.Add(10 * time.Minute)) // hunger 90

	e.Leave(testPlayerID)
	if _, ok := e.Stats(testPlayerID); ok {
		t.Fatalf("suspended player must not stay tracked")
	}
	if err := e.ForceFlush(testWorldID); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	st, err := reg.Context(testWorldID).Storage()
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	persisted, err := loadStats(context.Background(), st, testPlayerID)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if got := persisted["hunger"]; math.Abs(got-90.0) > 1e-9 {
		t.Fatalf("expected flushed value 90.0, got %v", got)
	}

	// Rejoin restores from storage.
	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	stats, ok := e.Stats(testPlayerID)
	if !ok {
		t.Fatalf("rejoined player not tracked")
	}
	if got := stats["hunger"]; math.Abs(got-90.0) > 1e-9 {
		t.Fatalf("expected restored value 90.0, got %v", got)
	}
}

// A panic while ticking one player must not stop the tick for others.
func TestPerPlayerIsolationInTick(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	other := "0b2d5c77-4f41-4a1b-9c55-8e2f00aa11bb"
	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := e.Join(testWorldID, other); err != nil {
		t.Fatalf("join other: %v", err)
	}

	r := e.testRunner(t, testWorldID)
	// Sabotage the first player (ids sort: 0b... before f2...).
	r.mu.Lock()
	r.players[other].vector = nil
	r.mu.Unlock()

	r.tick(t0.Add(60 * time.Second))

	stats, ok := e.Stats(testPlayerID)
	if !ok {
		t.Fatalf("healthy player lost")
	}
	if got := stats["hunger"]; math.Abs(got-99.0) > 1e-9 {
		t.Fatalf("healthy player should still tick, got %v", got)
	}
}

func TestConfigReloadAppliesNextTick(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)
	r.tick(t0.Add(60 * time.Second)) // 99

	cfg := testConfig()
	cfg.Stats[0].BaseRate = 2.0
	e.ApplyConfig(cfg)

	r.tick(t0.Add(120 * time.Second)) // +2.0 depletion
	stats, _ := e.Stats(testPlayerID)
	if got := stats["hunger"]; math.Abs(got-97.0) > 1e-9 {
		t.Fatalf("expected reloaded rate on next tick, got %v", got)
	}
}

func TestSoftDisabledStatSkipsTickProcessing(t *testing.T) {
	cfg := testConfig()
	cfg.Stats = append(cfg.Stats, StatDef{
		Name: "thirst", Min: 0, Max: 100, Default: 100, BaseRate: 1.0, Disabled: true,
	})
	e, _ := newTestEngine(t, cfg)
	t0 := time.Now()
	e.clock = func() time.Time { return t0 }

	if err := e.Join(testWorldID, testPlayerID); err != nil {
		t.Fatalf("join: %v", err)
	}
	r := e.testRunner(t, testWorldID)
	r.tick(t0.Add(60 * time.Second))

	stats, _ := e.Stats(testPlayerID)
	if _, tracked := stats["thirst"]; tracked {
		t.Fatalf("disabled stat must not be tick-processed")
	}
	if got := stats["hunger"]; math.Abs(got-99.0) > 1e-9 {
		t.Fatalf("enabled stat must still deplete, got %v", got)
	}
}
