package config

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Transform rewrites a document from one version to the next. It must
// be pure: it receives a private clone and returns the new shape.
type Transform func(Document) (Document, error)

type Migration struct {
	From  int
	To    int
	Apply Transform
}

// Registry describes one named config document: its current version,
// defaults, migration chain and structural schema.
type Registry struct {
	Name     string
	Current  int
	Defaults func() Document

	// Schema is the JSON Schema source for the current version.
	// Compiled once at registration.
	Schema string

	Migrations []Migration

	compiled *jsonschema.Schema
}

// validate checks the chain shape once, at load time. Gaps are an
// error here, not at migration time.
func (r *Registry) validate() error {
	if r.Name == "" {
		return fmt.Errorf("registry without a name")
	}
	if r.Current < 1 {
		return fmt.Errorf("config %s: current version must be >= 1", r.Name)
	}
	if r.Defaults == nil {
		return fmt.Errorf("config %s: missing defaults", r.Name)
	}

	ms := make([]Migration, len(r.Migrations))
	copy(ms, r.Migrations)
	sort.Slice(ms, func(i, j int) bool { return ms[i].From < ms[j].From })
	for i, m := range ms {
		if m.Apply == nil {
			return fmt.Errorf("config %s: migration %d->%d has no transform", r.Name, m.From, m.To)
		}
		if m.To != m.From+1 {
			return fmt.Errorf("config %s: migration %d->%d must step one version", r.Name, m.From, m.To)
		}
		if i > 0 && m.From != ms[i-1].To {
			return fmt.Errorf("config %s: migration gap between %d and %d", r.Name, ms[i-1].To, m.From)
		}
	}
	if len(ms) > 0 && ms[len(ms)-1].To != r.Current {
		return fmt.Errorf("config %s: migration chain ends at %d, current is %d", r.Name, ms[len(ms)-1].To, r.Current)
	}
	r.Migrations = ms

	if r.Schema != "" {
		s, err := jsonschema.CompileString(r.Name+".schema.json", r.Schema)
		if err != nil {
			return fmt.Errorf("config %s: schema: %w", r.Name, err)
		}
		r.compiled = s
	}
	return nil
}

// chainFrom returns the migrations to apply starting at version v.
// Applying the chain from the resulting version again is a no-op.
func (r *Registry) chainFrom(v int) ([]Migration, error) {
	if v >= r.Current {
		return nil, nil
	}
	var out []Migration
	for _, m := range r.Migrations {
		if m.From >= v {
			out = append(out, m)
		}
	}
	if len(out) == 0 || out[0].From != v {
		return nil, fmt.Errorf("config %s: no migration registered from version %d", r.Name, v)
	}
	return out, nil
}

func (r *Registry) checkShape(d Document) error {
	if r.compiled == nil {
		return nil
	}
	v, err := jsonValue(d)
	if err != nil {
		return err
	}
	return r.compiled.Validate(v)
}
