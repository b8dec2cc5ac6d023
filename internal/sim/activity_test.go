package sim

import "testing"

func TestParseActivity(t *testing.T) {
	cases := []struct {
		in   string
		want Activity
	}{
		{"sprinting", ActivitySprinting},
		{" Walking ", ActivityWalking},
		{"SWIMMING", ActivitySwimming},
		{"sleeping", ActivitySleeping},
		{"idle", ActivityIdle},
		{"teleporting", ActivityIdle},
		{"", ActivityIdle},
	}
	for _, c := range cases {
		if got := ParseActivity(c.in); got != c.want {
			t.Fatalf("ParseActivity(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMultiplierFallbacks(t *testing.T) {
	tables := map[string]map[string]float64{
		"idle":      {"hunger": 1.0, "thirst": 1.0},
		"sprinting": {"hunger": 3.0},
	}

	if m := multiplierFor(tables, ActivitySprinting, "hunger"); m != 3.0 {
		t.Fatalf("direct lookup, got %v", m)
	}
	// Stat missing from the activity row falls back to idle.
	if m := multiplierFor(tables, ActivitySprinting, "thirst"); m != 1.0 {
		t.Fatalf("idle fallback, got %v", m)
	}
	// Stat missing everywhere defaults to 1.0.
	if m := multiplierFor(tables, ActivitySprinting, "energy"); m != 1.0 {
		t.Fatalf("default fallback, got %v", m)
	}
	// Unknown activity row falls back to idle.
	if m := multiplierFor(tables, Activity("flying"), "hunger"); m != 1.0 {
		t.Fatalf("unknown activity, got %v", m)
	}
}
