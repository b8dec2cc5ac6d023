// Package world tracks active world contexts. Each context lazily owns
// one storage handle, created on first reference and closed exactly
// once on world removal. Nothing crosses world boundaries.
package world

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"vitalsim/internal/auditlog"
	"vitalsim/internal/storage"
)

// Context is one isolated world: its storage handle plus per-module
// private state blobs.
type Context struct {
	ID string

	log   *slog.Logger
	audit *auditlog.Log

	dataDir string
	opts    storage.Options

	mu          sync.Mutex
	store       *storage.Store
	storeErr    error
	opened      bool
	degraded    bool
	moduleState map[string]any
	closeOnce   sync.Once
}

// Storage opens the backing database on first call. A corrupt or
// mismatched file degrades this world to memory-only; the error is
// remembered and re-surfaced, other worlds are unaffected.
func (c *Context) Storage() (*storage.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		c.opened = true
		c.store, c.storeErr = storage.Open(c.dataDir, c.ID, c.opts, c.log)
		if c.storeErr != nil {
			c.degraded = true
			c.store = nil
			c.log.Error("world storage unavailable, running memory-only",
				"world", c.ID, "err", c.storeErr)
			c.audit.Append(auditlog.Event{
				Kind:   auditlog.KindStorageDegraded,
				World:  c.ID,
				Detail: map[string]any{"err": c.storeErr.Error()},
			})
		}
	}
	return c.store, c.storeErr
}

// Degraded reports whether this world runs without persistence.
func (c *Context) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// ModuleState returns the module's private blob for this world,
// creating it on demand.
func (c *Context) ModuleState(moduleID string, create func() any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.moduleState[moduleID]; ok {
		return st
	}
	st := create()
	c.moduleState[moduleID] = st
	return st
}

// ClearModuleState drops the module's blob on player/world teardown.
func (c *Context) ClearModuleState(moduleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.moduleState, moduleID)
}

func (c *Context) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		st := c.store
		c.store = nil
		c.moduleState = map[string]any{}
		c.mu.Unlock()
		if st != nil {
			err = st.Close()
		}
	})
	return err
}

// Registry creates world contexts on first reference and tears them
// down on removal.
type Registry struct {
	dataDir string
	opts    storage.Options
	log     *slog.Logger
	audit   *auditlog.Log

	mu       sync.Mutex
	worlds   map[string]*Context
	onRemove []func(*Context)
}

func NewRegistry(dataDir string, opts storage.Options, log *slog.Logger, audit *auditlog.Log) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		dataDir: dataDir,
		opts:    opts,
		log:     log,
		audit:   audit,
		worlds:  map[string]*Context{},
	}
}

// OnRemove registers a teardown hook invoked before a removed world's
// storage closes. The simulation engine uses this to stop the world's
// tick loop and run its final flush.
func (r *Registry) OnRemove(fn func(*Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Context returns the world context, creating it on first reference.
func (r *Registry) Context(worldID string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.worlds[worldID]; ok {
		return c
	}
	c := &Context{
		ID:          worldID,
		log:         r.log,
		audit:       r.audit,
		dataDir:     r.dataDir,
		opts:        r.opts,
		moduleState: map[string]any{},
	}
	r.worlds[worldID] = c
	return c
}

// Peek returns an existing context without creating one.
func (r *Registry) Peek(worldID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.worlds[worldID]
	return c, ok
}

// Remove tears a world down: hooks first (stop ticks, final flush),
// then the storage handle closes exactly once.
func (r *Registry) Remove(worldID string) error {
	r.mu.Lock()
	c, ok := r.worlds[worldID]
	if ok {
		delete(r.worlds, worldID)
	}
	hooks := append([]func(*Context){}, r.onRemove...)
	r.mu.Unlock()
	if !ok {
		return errors.New("unknown world " + worldID)
	}
	for _, fn := range hooks {
		fn(c)
	}
	err := c.close()
	r.audit.Append(auditlog.Event{Kind: auditlog.KindWorldRemoved, World: worldID})
	return err
}

// WorldIDs lists active worlds, sorted.
func (r *Registry) WorldIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.worlds))
	for id := range r.worlds {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll removes every world. Used on process shutdown.
func (r *Registry) CloseAll() {
	for _, id := range r.WorldIDs() {
		_ = r.Remove(id)
	}
}
