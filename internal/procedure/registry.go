package procedure

import (
	"sort"
	"sync"
)

// Registry maps procedure names to their bodies. Names are the targets that
// live updates address.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Func
}

// NewRegistry creates an empty procedure registry.
func NewRegistry() *Registry {
	return &Registry{
		procs: make(map[string]Func),
	}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = fn
}

// Lookup returns the procedure registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.procs[name]
	return fn, ok
}

// Names returns every registered name, sorted for a stable API response.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
