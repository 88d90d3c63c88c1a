package command

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a provider for one back-end process.
type Factory func(env *Env) (Provider, error)

// Registry maps provider names to factories. It is populated at startup and
// read when a back end builds its catalog.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs every registered provider in name order. A factory that
// fails is reported through skip and left out.
func (r *Registry) Build(env *Env, skip func(name string, err error)) []Provider {
	var out []Provider
	for _, name := range r.Names() {
		r.mu.RLock()
		f := r.factories[name]
		r.mu.RUnlock()

		p, err := f(env)
		if err != nil {
			if skip != nil {
				skip(name, err)
			}
			continue
		}
		out = append(out, p)
	}
	return out
}
