package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"vitalsim/internal/app"
	"vitalsim/internal/auditlog"
	"vitalsim/internal/config"
	"vitalsim/internal/hud"
	"vitalsim/internal/sim"
	"vitalsim/internal/storage"
	"vitalsim/internal/world"
)

type envConfig struct {
	Addr               string `env:"VS_ADDR" envDefault:":8080"`
	DataDir            string `env:"VS_DATA_DIR" envDefault:"./data"`
	ConfigDir          string `env:"VS_CONFIG_DIR" envDefault:"./configs"`
	StorageBusyTimeout int    `env:"VS_STORAGE_BUSY_TIMEOUT_MS" envDefault:"5000"`
}

func main() {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		fmt.Fprintln(os.Stderr, "env:", err)
		os.Exit(1)
	}

	var (
		addr      = flag.String("addr", ec.Addr, "http listen address")
		dataDir   = flag.String("data", ec.DataDir, "runtime data directory (per-world databases, audit log)")
		configDir = flag.String("configs", ec.ConfigDir, "config directory")
		busyMS    = flag.Int("storage_busy_timeout_ms", ec.StorageBusyTimeout, "per-world writer gate timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	audit := auditlog.New(filepath.Join(*dataDir, "audit"))
	defer audit.Close()

	cfgStore := config.NewStore(*configDir, log, audit)
	a := app.New(log, audit, cfgStore)

	worldsMod := &world.Module{
		DataDir: filepath.Join(*dataDir, "worlds"),
		Opts:    storage.Options{BusyTimeout: time.Duration(*busyMS) * time.Millisecond},
	}
	metabolismMod := sim.NewModule()
	hudMod := hud.NewModule()

	runner := app.NewRunner(a, worldsMod, metabolismMod, hudMod)
	if err := runner.Validate(); err != nil {
		log.Error("module graph invalid, refusing to start", "err", err)
		os.Exit(1)
	}
	log.Info("module order resolved", "order", runner.Order())

	runner.Setup()
	runner.Start()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if sink := hudMod.Sink(); sink != nil {
		mux.HandleFunc("/v1/hud", sink.Handler())
	}
	registerHostAPI(mux, a, cfgStore, log)

	// Drain the transition stream: operators get one structured line
	// per buff/debuff change.
	if svc, ok := a.Service(sim.ModuleID); ok {
		if engine, ok := svc.(*sim.Engine); ok {
			go func() {
				for ev := range engine.Events() {
					log.Info("effect transition",
						"world", ev.WorldID, "player", ev.PlayerID,
						"stat", ev.Stat, "effect", ev.Effect,
						"transition", ev.Transition.String())
				}
			}()
		}
	}

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Info("listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)

	runner.Shutdown()
	log.Info("bye")
}

// registerHostAPI exposes the host-collaborator boundary over HTTP:
// join/leave/activity notifications in, stats/effects/flush/reload
// out.
func registerHostAPI(mux *http.ServeMux, a *app.App, cfgStore *config.Store, log *slog.Logger) {
	engineOf := func() (*sim.Engine, bool) {
		svc, ok := a.Service(sim.ModuleID)
		if !ok {
			return nil, false
		}
		e, ok := svc.(*sim.Engine)
		return e, ok
	}

	requireIDs := func(w http.ResponseWriter, r *http.Request, names ...string) ([]string, bool) {
		out := make([]string, 0, len(names))
		for _, n := range names {
			raw := r.URL.Query().Get(n)
			if _, err := uuid.Parse(raw); err != nil {
				http.Error(w, fmt.Sprintf("%s must be a uuid: %v", n, err), http.StatusBadRequest)
				return nil, false
			}
			out = append(out, raw)
		}
		return out, true
	}

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("POST /v1/join", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "world", "player")
		if !ok {
			return
		}
		if err := engine.Join(ids[0], ids[1]); err != nil {
			log.Error("join failed", "world", ids[0], "player", ids[1], "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/leave", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "player")
		if !ok {
			return
		}
		engine.Leave(ids[0])
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/activity", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "player")
		if !ok {
			return
		}
		engine.SetActivity(ids[0], sim.ParseActivity(r.URL.Query().Get("activity")))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/stats", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "player")
		if !ok {
			return
		}
		stats, ok := engine.Stats(ids[0])
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("GET /v1/effects", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "player")
		if !ok {
			return
		}
		writeJSON(w, engine.ActiveEffects(ids[0]))
	})

	mux.HandleFunc("POST /v1/flush", func(w http.ResponseWriter, r *http.Request) {
		engine, ok := engineOf()
		if !ok {
			http.Error(w, "metabolism unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "world")
		if !ok {
			return
		}
		if err := engine.ForceFlush(ids[0]); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v1/world", func(w http.ResponseWriter, r *http.Request) {
		svc, ok := a.Service(world.ServiceID)
		if !ok {
			http.Error(w, "world registry unavailable", http.StatusServiceUnavailable)
			return
		}
		worlds, ok := svc.(*world.Registry)
		if !ok {
			http.Error(w, "world registry unavailable", http.StatusServiceUnavailable)
			return
		}
		ids, ok := requireIDs(w, r, "world")
		if !ok {
			return
		}
		if err := worlds.Remove(ids[0]); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /v1/reload", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("module")
		if name == "" {
			name = sim.ConfigName
		}
		if err := cfgStore.Reload(name); err != nil {
			// Fallbacks are non-fatal; report them but keep serving.
			log.Warn("config reload degraded", "module", name, "err", err)
			writeJSON(w, map[string]string{"status": "degraded", "err": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
