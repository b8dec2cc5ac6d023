// Package hud renders human-readable stat summaries and pushes them to
// subscribed websocket clients. The engine treats the sink as
// fire-and-forget: a slow or absent client never backpressures a tick.
package hud

import (
	"fmt"
	"strings"

	"vitalsim/internal/sim"
)

// Cursor accumulates the lines of one summary.
type Cursor struct {
	lines []string
}

func (c *Cursor) Line(format string, args ...any) {
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *Cursor) Lines() []string { return c.lines }

// Builder contributes one section to a summary. The sink composes a
// fixed, explicitly ordered list of builders; no runtime type
// inspection.
type Builder interface {
	Build(c *Cursor, s sim.Summary)
}

// StatsBuilder renders one line per stat in configured order.
type StatsBuilder struct{}

func (StatsBuilder) Build(c *Cursor, s sim.Summary) {
	for _, st := range s.Stats {
		c.Line("%s %.0f/%.0f", st.Name, st.Value, st.Max)
	}
}

// EffectsBuilder renders the active effect set and the single most
// severe label.
type EffectsBuilder struct{}

func (EffectsBuilder) Build(c *Cursor, s sim.Summary) {
	if len(s.Effects) == 0 {
		return
	}
	c.Line("effects: %s", strings.Join(s.Effects, ", "))
	if s.Severe != "" {
		c.Line("status: %s", s.Severe)
	}
}

// DefaultBuilders is the composition order: stats first, effects after.
func DefaultBuilders() []Builder {
	return []Builder{StatsBuilder{}, EffectsBuilder{}}
}
