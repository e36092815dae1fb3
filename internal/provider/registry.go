package provider

import (
	"sort"
	"sync"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Registry holds the live adapter instances keyed by provider id.
// The set is fixed after startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ByPriority returns enabled adapters sorted by descending priority,
// with id as the tie-breaker so ordering is deterministic.
func (r *Registry) ByPriority() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if a.Descriptor().Enabled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Descriptor(), out[j].Descriptor()
		if di.Priority != dj.Priority {
			return di.Priority > dj.Priority
		}
		return di.ID < dj.ID
	})
	return out
}

// Descriptors returns the static descriptor of every enabled adapter,
// ordered by descending priority.
func (r *Registry) Descriptors() []domain.ProviderDescriptor {
	adapters := r.ByPriority()
	out := make([]domain.ProviderDescriptor, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Descriptor())
	}
	return out
}
