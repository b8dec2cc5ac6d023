package sim

import (
	"errors"
	"fmt"

	"vitalsim/internal/app"
	"vitalsim/internal/config"
	"vitalsim/internal/world"
)

// Module is the metabolism feature as a lifecycle unit. Setup loads
// configuration; Start builds the engine against the world registry
// and publishes it; Shutdown drains and stops it.
type Module struct {
	cfg    Config
	engine *Engine
}

func NewModule() *Module { return &Module{} }

func (m *Module) ID() string     { return ModuleID }
func (m *Module) Deps() []string { return []string{world.ServiceID} }

func (m *Module) Setup(a *app.App) error {
	if err := a.Config.Register(ConfigRegistry()); err != nil {
		return err
	}
	m.cfg = DefaultConfig()
	if err := a.Config.Load(ConfigName, &m.cfg); err != nil {
		if !errors.Is(err, config.ErrMigrationFailed) {
			return err
		}
		// Fallback value already in m.cfg; the condition is logged and
		// audited by the store. Keep running.
	}
	return nil
}

func (m *Module) Start(a *app.App) error {
	svc, ok := a.Service(world.ServiceID)
	if !ok {
		return fmt.Errorf("world registry unavailable")
	}
	worlds, ok := svc.(*world.Registry)
	if !ok {
		return fmt.Errorf("world registry has unexpected type %T", svc)
	}

	m.engine = NewEngine(worlds, m.cfg, a.Log, a.Audit)
	a.RegisterService(ModuleID, m.engine)

	a.Config.OnChange(ConfigName, func(doc config.Document) {
		var next Config
		if err := doc.Decode(&next); err != nil {
			a.Log.Warn("ignoring unreadable metabolism reload", "err", err)
			return
		}
		m.engine.ApplyConfig(next)
	})
	return nil
}

func (m *Module) Shutdown(a *app.App) error {
	if m.engine != nil {
		m.engine.Shutdown()
	}
	return nil
}
