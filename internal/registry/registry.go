// Package registry maps tenant ids to their connected transport adapters.
package registry

import (
	"sort"
	"sync"

	"babbell/internal/transport"
)

type Entry struct {
	TenantID string
	Adapter  transport.Adapter
}

// Registry is populated at startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]transport.Adapter
}

func New() *Registry {
	return &Registry{adapters: map[string]transport.Adapter{}}
}

// Register binds tenant to a; a later call for the same tenant replaces it.
func (r *Registry) Register(tenant string, a transport.Adapter) {
	r.mu.Lock()
	r.adapters[tenant] = a
	r.mu.Unlock()
}

func (r *Registry) Get(tenant string) (transport.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tenant]
	return a, ok && a != nil
}

// All returns every entry ordered by tenant id.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.adapters))
	for id, a := range r.adapters {
		out = append(out, Entry{TenantID: id, Adapter: a})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
