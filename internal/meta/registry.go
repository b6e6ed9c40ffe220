package meta

import (
	"slices"
	"sync"
)

// Provider resolves entity types by name.
type Provider interface {
	MetaFor(name string) (*EntityMeta, bool)
	Register(m *EntityMeta) error
}

// Registry is the default Provider.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	metas map[string]*EntityMeta
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metas: make(map[string]*EntityMeta)}
}

// Register adds a meta. Its parent and relation targets need not be
// registered yet; use Validate once all types are in.
func (r *Registry) Register(m *EntityMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.metas[m.name]; exists {
		return &Error{Code: ErrCodeDuplicateEntity, Message: "entity type already registered", Entity: m.name}
	}
	r.metas[m.name] = m
	return nil
}

// MetaFor returns the meta registered under name.
func (r *Registry) MetaFor(name string) (*EntityMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[name]
	return m, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.metas))
	for n := range r.metas {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Validate checks that every parent and relation target is registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.metas) {
		m := r.metas[name]
		if m.parent != nil {
			if _, ok := r.metas[m.parent.name]; !ok {
				return &Error{Code: ErrCodeInvalidDefinition, Message: "parent type not registered: " + m.parent.name, Entity: name}
			}
		}
		for _, p := range m.props {
			if p.Kind != KindRelation {
				continue
			}
			if _, ok := r.metas[p.Target]; !ok {
				return &Error{Code: ErrCodeInvalidDefinition, Message: "relation target not registered: " + p.Target, Entity: name, Property: p.Name}
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]*EntityMeta) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
