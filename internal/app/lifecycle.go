package app

import (
	"errors"
	"fmt"
	"sort"

	"vitalsim/internal/auditlog"
)

// ErrLifecycle marks a module that failed setup or start. The failure
// is isolated: other modules keep running.
var ErrLifecycle = errors.New("module lifecycle failed")

// Module is one unit of the system with a stable id, declared
// dependencies and three phases. Setup allocates resources without
// cross-module calls; Start may use other modules' published services;
// Shutdown releases resources best-effort.
type Module interface {
	ID() string
	Deps() []string
	Setup(*App) error
	Start(*App) error
	Shutdown(*App) error
}

// Runner drives setup -> start in topological order and shutdown in
// reverse order, isolating per-module failure.
type Runner struct {
	app     *App
	modules []Module
	order   []Module

	failed  map[string]error
	setupOK []Module
	started []Module
}

func NewRunner(app *App, modules ...Module) *Runner {
	return &Runner{
		app:     app,
		modules: modules,
		failed:  map[string]error{},
	}
}

// Validate computes the topological order (Kahn). A cycle or an
// unknown dependency is a fatal configuration error: the process must
// not start.
func (r *Runner) Validate() error {
	byID := map[string]Module{}
	for _, m := range r.modules {
		if _, dup := byID[m.ID()]; dup {
			return fmt.Errorf("duplicate module id %q", m.ID())
		}
		byID[m.ID()] = m
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for _, m := range r.modules {
		indegree[m.ID()] += 0
		for _, dep := range m.Deps() {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("module %q depends on unknown module %q", m.ID(), dep)
			}
			indegree[m.ID()]++
			dependents[dep] = append(dependents[dep], m.ID())
		}
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready) // deterministic order among independents

	var order []Module
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])
		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(r.modules) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("module dependency cycle involving %v", stuck)
	}
	r.order = order
	return nil
}

// Order returns the resolved module ids, for logging and tests.
func (r *Runner) Order() []string {
	out := make([]string, len(r.order))
	for i, m := range r.order {
		out[i] = m.ID()
	}
	return out
}

// Failed reports the recorded failure for a module id, if any.
func (r *Runner) Failed(id string) (error, bool) {
	err, ok := r.failed[id]
	return err, ok
}

// Setup runs the setup phase for every module in topological order.
func (r *Runner) Setup() {
	for _, m := range r.order {
		if r.skip(m) {
			continue
		}
		if err := r.runPhase(m, "setup", m.Setup); err != nil {
			r.markFailed(m, err)
			continue
		}
		r.setupOK = append(r.setupOK, m)
	}
}

// Start runs the start phase for every module that completed setup.
func (r *Runner) Start() {
	for _, m := range r.setupOK {
		if r.skip(m) {
			continue
		}
		if err := r.runPhase(m, "start", m.Start); err != nil {
			r.markFailed(m, err)
			continue
		}
		r.started = append(r.started, m)
	}
}

// Shutdown runs in reverse topological order over every module that
// started. Errors are logged and swallowed so shutdown reaches all of
// them.
func (r *Runner) Shutdown() {
	for i := len(r.started) - 1; i >= 0; i-- {
		m := r.started[i]
		if err := m.Shutdown(r.app); err != nil {
			r.app.Log.Error("module shutdown failed", "module", m.ID(), "err", err)
			r.app.Audit.Append(auditlog.Event{
				Kind:   auditlog.KindModuleShutdown,
				Module: m.ID(),
				Detail: map[string]any{"err": err.Error()},
			})
		}
	}
}

// skip holds the isolation contract for dependents: a module whose
// dependency failed cannot run, but that is recorded and contained,
// never propagated.
func (r *Runner) skip(m Module) bool {
	if _, ok := r.failed[m.ID()]; ok {
		return true
	}
	for _, dep := range m.Deps() {
		if depErr, ok := r.failed[dep]; ok {
			r.markFailed(m, fmt.Errorf("dependency %q failed: %w", dep, depErr))
			return true
		}
	}
	return false
}

func (r *Runner) runPhase(m Module, phase string, fn func(*App) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", phase, p)
		}
	}()
	return fn(r.app)
}

func (r *Runner) markFailed(m Module, cause error) {
	if _, ok := r.failed[m.ID()]; ok {
		return
	}
	err := fmt.Errorf("%w: %s: %v", ErrLifecycle, m.ID(), cause)
	r.failed[m.ID()] = err
	r.app.dropService(m.ID())
	r.app.Log.Error("module failed, continuing without it", "module", m.ID(), "err", cause)
	r.app.Audit.Append(auditlog.Event{
		Kind:   auditlog.KindModuleFailed,
		Module: m.ID(),
		Detail: map[string]any{"err": cause.Error()},
	})
}
