package service

import (
	"fmt"

	"github.com/septivank/energy-uplink-ingest/internal/cache"
	"github.com/septivank/energy-uplink-ingest/internal/meter"
)

// Pipelines holds one pipeline per catalog deployment, in catalog order.
type Pipelines struct {
	ordered []*Pipeline
	byName  map[string]*Pipeline
}

// NewPipelines builds a pipeline with a fresh cache for every deployment in catalog.
func NewPipelines(catalog *meter.Catalog, deps Dependencies) (*Pipelines, error) {
	ps := &Pipelines{byName: make(map[string]*Pipeline, len(catalog.Deployments))}
	for _, d := range catalog.Deployments {
		p, err := NewPipeline(d, catalog, cache.New(), deps)
		if err != nil {
			return nil, err
		}
		ps.ordered = append(ps.ordered, p)
		ps.byName[d.Name] = p
	}
	return ps, nil
}

// Get returns the pipeline for a deployment name.
func (ps *Pipelines) Get(name string) (*Pipeline, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Lookup is Get with an error for unknown names, for configured deployment names.
func (ps *Pipelines) Lookup(name string) (*Pipeline, error) {
	p, ok := ps.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown deployment %q", name)
	}
	return p, nil
}

// All returns every pipeline in catalog order.
func (ps *Pipelines) All() []*Pipeline {
	return ps.ordered
}
