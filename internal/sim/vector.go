package sim

// StatVector is the per-player in-memory stat state for one world.
// Order is the configured stat order; values are clamped to each
// stat's bounds. Only the owning world's tick goroutine mutates it.
type StatVector struct {
	order  []string
	values map[string]float64
}

func NewStatVector(defs []StatDef) *StatVector {
	v := &StatVector{
		order:  make([]string, 0, len(defs)),
		values: make(map[string]float64, len(defs)),
	}
	for _, d := range defs {
		v.order = append(v.order, d.Name)
		v.values[d.Name] = d.Default
	}
	return v
}

func (v *StatVector) Get(name string) (float64, bool) {
	val, ok := v.values[name]
	return val, ok
}

// Set clamps into [min,max] and reports whether the stored value
// changed (the dirty signal for write-behind).
func (v *StatVector) Set(name string, value, min, max float64) bool {
	value = clamp(value, min, max)
	if cur, ok := v.values[name]; ok && cur == value {
		return false
	}
	v.values[name] = value
	return true
}

// Names returns stats in configured order.
func (v *StatVector) Names() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// Snapshot copies the values for hand-off to the flusher or the host.
func (v *StatVector) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Restore overwrites from persisted values, clamping against defs and
// ignoring stats that are no longer configured (soft-disable keeps
// their rows on disk untouched).
func (v *StatVector) Restore(defs []StatDef, persisted map[string]float64) {
	byName := map[string]StatDef{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	for name, val := range persisted {
		d, ok := byName[name]
		if !ok {
			continue
		}
		if _, tracked := v.values[name]; !tracked {
			continue
		}
		v.values[name] = clamp(val, d.Min, d.Max)
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
