package sim

import (
	"fmt"
	"sort"
)

// Direction says which way a value crosses into the effect.
// DirectionLow activates when the value falls below the enter
// threshold and deactivates only once it rises above the exit
// threshold; DirectionHigh is the mirror image.
type Direction string

const (
	DirectionLow  Direction = "low"
	DirectionHigh Direction = "high"
)

// MinDeadZone is the smallest allowed gap between enter and exit
// thresholds. A pair closer than this would flicker and is rejected at
// construction.
const MinDeadZone = 1e-6

type Transition int

const (
	TransitionNone Transition = iota
	TransitionEntered
	TransitionExited
)

func (t Transition) String() string {
	switch t {
	case TransitionEntered:
		return "entered"
	case TransitionExited:
		return "exited"
	default:
		return "none"
	}
}

// Controller is a threshold state machine over one numeric input.
// Between the enter and exit boundaries lies a dead zone in which
// state never changes, which is what suppresses flicker under noisy
// input. Controllers sharing an input are independent.
type Controller struct {
	Effect   string
	Severity int

	direction Direction
	enter     float64
	exit      float64

	active bool
}

func NewController(effect string, dir Direction, enter, exit float64, severity int) (*Controller, error) {
	switch dir {
	case DirectionLow:
		if exit-enter < MinDeadZone {
			return nil, fmt.Errorf("effect %s: exit %v must exceed enter %v", effect, exit, enter)
		}
	case DirectionHigh:
		if enter-exit < MinDeadZone {
			return nil, fmt.Errorf("effect %s: enter %v must exceed exit %v", effect, enter, exit)
		}
	default:
		return nil, fmt.Errorf("effect %s: unknown direction %q", effect, dir)
	}
	return &Controller{Effect: effect, Severity: severity, direction: dir, enter: enter, exit: exit}, nil
}

// Evaluate feeds one sample. It reports TransitionEntered on the first
// sample past the enter boundary, TransitionExited on the first sample
// past the exit boundary, and TransitionNone otherwise — including
// everywhere inside the dead zone.
func (c *Controller) Evaluate(value float64) Transition {
	switch c.direction {
	case DirectionLow:
		if !c.active && value < c.enter {
			c.active = true
			return TransitionEntered
		}
		if c.active && value > c.exit {
			c.active = false
			return TransitionExited
		}
	case DirectionHigh:
		if !c.active && value > c.enter {
			c.active = true
			return TransitionEntered
		}
		if c.active && value < c.exit {
			c.active = false
			return TransitionExited
		}
	}
	return TransitionNone
}

func (c *Controller) Active() bool { return c.active }

// bandSet holds the controllers attached to one stat, kept in
// evaluation order: lowest severity first so overlapping bands resolve
// deterministically.
type bandSet struct {
	controllers []*Controller
}

func newBandSet(cs []*Controller) *bandSet {
	sorted := make([]*Controller, len(cs))
	copy(sorted, cs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Severity < sorted[j].Severity })
	return &bandSet{controllers: sorted}
}

// evaluate runs every band against the sample in band order and
// returns the transitions that fired this tick.
func (b *bandSet) evaluate(value float64) []bandTransition {
	var out []bandTransition
	for _, c := range b.controllers {
		if tr := c.Evaluate(value); tr != TransitionNone {
			out = append(out, bandTransition{Controller: c, Transition: tr})
		}
	}
	return out
}

// mostSevere returns the label of the most severe currently-active
// band, for callers that need a single state.
func (b *bandSet) mostSevere() (string, bool) {
	for i := len(b.controllers) - 1; i >= 0; i-- {
		if b.controllers[i].Active() {
			return b.controllers[i].Effect, true
		}
	}
	return "", false
}

func (b *bandSet) activeEffects() []string {
	var out []string
	for _, c := range b.controllers {
		if c.Active() {
			out = append(out, c.Effect)
		}
	}
	return out
}

type bandTransition struct {
	Controller *Controller
	Transition Transition
}
