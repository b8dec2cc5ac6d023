package sim

import "strings"

// Activity is the discrete movement classification supplied by the
// host each tick. An unavailable or unknown classification degrades to
// Idle; it is never an error.
type Activity string

const (
	ActivityIdle      Activity = "idle"
	ActivityWalking   Activity = "walking"
	ActivitySprinting Activity = "sprinting"
	ActivitySwimming  Activity = "swimming"
	ActivitySleeping  Activity = "sleeping"
)

func ParseActivity(s string) Activity {
	switch Activity(strings.ToLower(strings.TrimSpace(s))) {
	case ActivityWalking:
		return ActivityWalking
	case ActivitySprinting:
		return ActivitySprinting
	case ActivitySwimming:
		return ActivitySwimming
	case ActivitySleeping:
		return ActivitySleeping
	default:
		return ActivityIdle
	}
}

// multiplierFor looks up the per-stat depletion multiplier for an
// activity. Missing table entries fall back to the idle row, then 1.0.
func multiplierFor(tables map[string]map[string]float64, act Activity, stat string) float64 {
	if row, ok := tables[string(act)]; ok {
		if m, ok := row[stat]; ok {
			return m
		}
	}
	if row, ok := tables[string(ActivityIdle)]; ok {
		if m, ok := row[stat]; ok {
			return m
		}
	}
	return 1.0
}
