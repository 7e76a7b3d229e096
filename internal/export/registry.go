package export

import (
	"fmt"
	"slices"
)

// Registry maps export types to their exporter. It is built once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	exporters map[Type]Exporter
}

// NewRegistry builds a registry from exporters.
// Panics if two exporters report the same type.
func NewRegistry(exporters ...Exporter) *Registry {
	r := &Registry{exporters: make(map[Type]Exporter, len(exporters))}
	for _, e := range exporters {
		t := e.Type()
		if _, exists := r.exporters[t]; exists {
			panic(fmt.Sprintf("exporter already registered: %s", t))
		}
		r.exporters[t] = e
	}
	return r
}

// DefaultRegistry registers every built-in exporter.
func DefaultRegistry(deps Deps) *Registry {
	return NewRegistry(
		NewBasicDetailExporter(deps),
		NewFullDetailExporter(deps),
		NewPunctualityExporter(),
	)
}

// Get returns the exporter for t. A missing exporter means the type is not
// implemented; callers skip it with a warning.
func (r *Registry) Get(t Type) (Exporter, bool) {
	e, ok := r.exporters[t]
	return e, ok
}

// Types returns the registered types sorted by name.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.exporters))
	for t := range r.exporters {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
