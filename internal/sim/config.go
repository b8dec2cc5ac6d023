package sim

import (
	"vitalsim/internal/config"
)

// ConfigName is the metabolism module's config document.
const ConfigName = "metabolism"

// ConfigVersion is the current schema version of that document.
const ConfigVersion = 2

// Config is the typed view of the metabolism document. Unknown keys in
// the on-disk document are preserved by the config store; this struct
// only names what the engine consumes.
type Config struct {
	ConfigVersion   int `yaml:"config_version"`
	TickPeriodMS    int `yaml:"tick_period_ms"`
	FlushEveryTicks int `yaml:"flush_every_ticks"`
	FlushTimeoutMS  int `yaml:"flush_timeout_ms"`

	// Rate is the legacy global depletion rate in points per day,
	// used for stats that do not declare base_rate. Version 1
	// documents carried it at half scale; the 1->2 migration doubles
	// it.
	Rate float64 `yaml:"rate"`

	Stats      []StatDef                     `yaml:"stats"`
	Activities map[string]map[string]float64 `yaml:"activities"`
}

type StatDef struct {
	Name    string  `yaml:"name"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Default float64 `yaml:"default"`

	// BaseRate is points per minute. Zero falls back to the global
	// legacy rate.
	BaseRate float64 `yaml:"base_rate"`

	// Restore inverts the sign: the stat climbs instead of depleting.
	Restore bool `yaml:"restore"`

	// Disabled removes the stat from tick processing without touching
	// already-persisted values.
	Disabled bool `yaml:"disabled"`

	Effects []EffectDef `yaml:"effects"`
}

type EffectDef struct {
	Name      string  `yaml:"name"`
	Direction string  `yaml:"direction"`
	Enter     float64 `yaml:"enter"`
	Exit      float64 `yaml:"exit"`
	Severity  int     `yaml:"severity"`
}

// baseRatePerMinute resolves a stat's depletion rate.
func (c Config) baseRatePerMinute(d StatDef) float64 {
	if d.BaseRate != 0 {
		return d.BaseRate
	}
	return c.Rate / (24 * 60)
}

func (c Config) enabledStats() []StatDef {
	out := make([]StatDef, 0, len(c.Stats))
	for _, d := range c.Stats {
		if d.Disabled {
			continue
		}
		out = append(out, d)
	}
	return out
}

func DefaultConfig() Config {
	return Config{
		ConfigVersion:   ConfigVersion,
		TickPeriodMS:    1000,
		FlushEveryTicks: 10,
		FlushTimeoutMS:  5000,
		Rate:            960,
		Stats: []StatDef{
			{
				Name: "hunger", Min: 0, Max: 100, Default: 100, BaseRate: 1.0 / 6,
				Effects: []EffectDef{
					{Name: "hungry", Direction: string(DirectionLow), Enter: 30, Exit: 35, Severity: 1},
					{Name: "starving", Direction: string(DirectionLow), Enter: 10, Exit: 15, Severity: 2},
				},
			},
			{
				Name: "thirst", Min: 0, Max: 100, Default: 100, BaseRate: 1.0 / 4,
				Effects: []EffectDef{
					{Name: "thirsty", Direction: string(DirectionLow), Enter: 30, Exit: 35, Severity: 1},
					{Name: "dehydrated", Direction: string(DirectionLow), Enter: 10, Exit: 15, Severity: 2},
				},
			},
			{
				Name: "energy", Min: 0, Max: 100, Default: 100, BaseRate: 1.0 / 8,
				Effects: []EffectDef{
					{Name: "tired", Direction: string(DirectionLow), Enter: 25, Exit: 30, Severity: 1},
					{Name: "exhausted", Direction: string(DirectionLow), Enter: 5, Exit: 10, Severity: 2},
				},
			},
		},
		Activities: map[string]map[string]float64{
			string(ActivityIdle):      {"hunger": 1.0, "thirst": 1.0, "energy": 0.5},
			string(ActivityWalking):   {"hunger": 1.5, "thirst": 1.5, "energy": 1.0},
			string(ActivitySprinting): {"hunger": 3.0, "thirst": 4.0, "energy": 4.0},
			string(ActivitySwimming):  {"hunger": 2.5, "thirst": 1.0, "energy": 3.0},
			string(ActivitySleeping):  {"hunger": 0.5, "thirst": 0.5, "energy": -2.0},
		},
	}
}

// configSchema is the structural contract for the current version.
// Extra keys remain legal so user customization survives validation.
const configSchema = `{
  "type": "object",
  "required": ["config_version"],
  "properties": {
    "config_version": {"type": "integer", "minimum": 2},
    "tick_period_ms": {"type": "integer", "minimum": 1},
    "flush_every_ticks": {"type": "integer", "minimum": 1},
    "flush_timeout_ms": {"type": "integer", "minimum": 1},
    "rate": {"type": "number", "minimum": 0},
    "stats": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "min": {"type": "number"},
          "max": {"type": "number"},
          "default": {"type": "number"},
          "base_rate": {"type": "number"},
          "restore": {"type": "boolean"},
          "disabled": {"type": "boolean"},
          "effects": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "direction", "enter", "exit"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "direction": {"enum": ["low", "high"]},
                "enter": {"type": "number"},
                "exit": {"type": "number"},
                "severity": {"type": "integer"}
              }
            }
          }
        }
      }
    },
    "activities": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": {"type": "number"}
      }
    }
  }
}`

// ConfigRegistry wires the metabolism document into the config store:
// defaults, the migration chain and the structural schema.
func ConfigRegistry() *config.Registry {
	return &config.Registry{
		Name:     ConfigName,
		Current:  ConfigVersion,
		Defaults: func() config.Document { return config.AsDocument(DefaultConfig()) },
		Schema:   configSchema,
		Migrations: []config.Migration{
			{From: 1, To: 2, Apply: migrateRateV1V2},
		},
	}
}

// migrateRateV1V2 doubles the global rate: version 1 documents
// expressed it against the old two-second tick.
func migrateRateV1V2(d config.Document) (config.Document, error) {
	if rate, ok := d.Float("rate"); ok {
		d["rate"] = rate * 2
	}
	return d, nil
}
