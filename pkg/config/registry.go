package config

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a value from a named section. name is the section suffix,
// e.g. "Scan" for [task Scan].
type Factory[T any] func(name string, sec *Section) (T, error)

// Registry maps the kind option of prefixed sections to factories, so that
// [task Scan] with `type: scan` is built by the factory registered as "scan".
type Registry[T any] struct {
	mu         sync.RWMutex
	prefix     string
	kindOption string
	factories  map[string]Factory[T]
}

// NewRegistry creates a registry for sections named "<prefix><name>" whose
// kind is read from kindOption.
func NewRegistry[T any](prefix, kindOption string) *Registry[T] {
	return &Registry[T]{
		prefix:     prefix,
		kindOption: kindOption,
		factories:  make(map[string]Factory[T]),
	}
}

// Register adds a factory for a kind, replacing any previous one.
func (r *Registry[T]) Register(kind string, factory Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds, sorted.
func (r *Registry[T]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Load builds one value per matching section, in file order. The first
// failing section aborts loading.
func (r *Registry[T]) Load(cfg *Config) ([]T, error) {
	kinds := r.Kinds()
	var out []T
	for _, sec := range cfg.GetPrefixSections(r.prefix) {
		name := sec.Suffix(r.prefix)
		if name == "" {
			return nil, NewConfigError(sec.GetName(), "", "section needs a name")
		}
		kind, err := sec.GetChoice(r.kindOption, kinds)
		if err != nil {
			return nil, err
		}
		r.mu.RLock()
		factory := r.factories[kind]
		r.mu.RUnlock()
		v, err := factory(name, sec)
		if err != nil {
			return nil, fmt.Errorf("failed to load [%s]: %w", sec.GetName(), err)
		}
		out = append(out, v)
	}
	return out, nil
}
