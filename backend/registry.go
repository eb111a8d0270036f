package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sbl8/planrt/core"
)

// Registry maps backend names to implementations. Registration happens during
// startup through explicit calls; there is no unregistration. Safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b under name. Registering a name twice is an error.
func (r *Registry) Register(name string, b Backend) error {
	if name == "" || b == nil {
		return fmt.Errorf("%w: backend needs a name and an implementation", core.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("%w: backend %q already registered", core.ErrInvalidArgument, name)
	}
	r.backends[name] = b
	return nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", core.ErrNotFound, name)
	}
	return b, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-wide registry methods resolve delegates against
// unless loaded with an explicit one.
var Default = NewRegistry()

// Register adds b to the Default registry.
func Register(name string, b Backend) error {
	return Default.Register(name, b)
}
