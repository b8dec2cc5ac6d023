package hud

import (
	"fmt"

	"vitalsim/internal/app"
	"vitalsim/internal/sim"
)

// ServiceID names the HUD sink in the service table.
const ServiceID = "hud"

// Module attaches the sink to the metabolism engine's summary stream.
type Module struct {
	sink *Sink
}

func NewModule() *Module { return &Module{} }

func (m *Module) ID() string     { return ServiceID }
func (m *Module) Deps() []string { return []string{sim.ModuleID} }

func (m *Module) Setup(a *app.App) error {
	m.sink = NewSink(a.Log, DefaultBuilders())
	return nil
}

func (m *Module) Start(a *app.App) error {
	svc, ok := a.Service(sim.ModuleID)
	if !ok {
		return fmt.Errorf("metabolism engine unavailable")
	}
	engine, ok := svc.(*sim.Engine)
	if !ok {
		return fmt.Errorf("metabolism service has unexpected type %T", svc)
	}
	engine.SetSink(m.sink)
	a.RegisterService(ServiceID, m.sink)
	return nil
}

func (m *Module) Shutdown(a *app.App) error {
	m.sink.Close()
	return nil
}

// Sink exposes the sink for HTTP wiring in the entrypoint.
func (m *Module) Sink() *Sink { return m.sink }
