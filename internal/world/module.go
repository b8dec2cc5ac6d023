package world

import (
	"fmt"

	"vitalsim/internal/app"
	"vitalsim/internal/storage"
)

// ServiceID is the name other modules use to look the registry up.
const ServiceID = "worlds"

// Module wraps the registry into the application lifecycle.
type Module struct {
	DataDir string
	Opts    storage.Options

	registry *Registry
}

func (m *Module) ID() string     { return ServiceID }
func (m *Module) Deps() []string { return nil }

func (m *Module) Setup(a *app.App) error {
	if m.DataDir == "" {
		return fmt.Errorf("worlds: empty data dir")
	}
	m.registry = NewRegistry(m.DataDir, m.Opts, a.Log, a.Audit)
	return nil
}

func (m *Module) Start(a *app.App) error {
	a.RegisterService(ServiceID, m.registry)
	return nil
}

func (m *Module) Shutdown(a *app.App) error {
	m.registry.CloseAll()
	return nil
}
