// Package app wires shared services into one explicitly constructed
// context passed to modules at setup, and drives module lifecycles in
// dependency order. No package-level mutable state.
package app

import (
	"log/slog"
	"sync"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/config"
)

// App is the application context handed to every module. Core services
// are typed fields; module-exposed APIs go through the service table
// so a failed module never appears in lookups.
type App struct {
	Log    *slog.Logger
	Audit  *auditlog.Log
	Config *config.Store

	mu       sync.RWMutex
	services map[string]any
}

func New(log *slog.Logger, audit *auditlog.Log, cfg *config.Store) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		Log:      log,
		Audit:    audit,
		Config:   cfg,
		services: map[string]any{},
	}
}

// RegisterService publishes a module's public API under its module id.
func (a *App) RegisterService(id string, svc any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.services[id] = svc
}

// Service looks up a published API. ok is false for unknown ids and
// for modules removed after a lifecycle failure.
func (a *App) Service(id string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	svc, ok := a.services[id]
	return svc, ok
}

func (a *App) dropService(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.services, id)
}
