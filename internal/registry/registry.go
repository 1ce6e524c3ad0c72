// Package registry maps chain names to their upstream endpoint lists.
// The registry is effectively immutable: every reload builds a fresh
// map and swaps it behind an atomic pointer, so the hot path never
// takes a lock.
package registry

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/chalabi2/rpc-gateway/internal/config"
)

// Entry is the routing view of one chain.
type Entry struct {
	Name      string
	Endpoints config.ChainEndpoints
	// Disabled is sourced from the chain document in the store; a
	// disabled chain stays in the registry but is not routable.
	Disabled bool
}

// Registry resolves chain names to upstream endpoint lists.
type Registry struct {
	chains atomic.Pointer[map[string]Entry]
}

// New builds a registry seeded from discovered chain configuration.
func New(chains map[string]config.ChainEndpoints) *Registry {
	r := &Registry{}
	m := make(map[string]Entry, len(chains))
	for name, eps := range chains {
		key := strings.ToLower(name)
		m[key] = Entry{Name: key, Endpoints: eps}
	}
	r.chains.Store(&m)
	return r
}

// Lookup returns the entry for a chain name, case-insensitively.
func (r *Registry) Lookup(name string) (Entry, bool) {
	m := r.chains.Load()
	e, ok := (*m)[strings.ToLower(name)]
	return e, ok
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	m := r.chains.Load()
	names := make([]string, 0, len(*m))
	for name := range *m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload atomically replaces the whole chain map.
func (r *Registry) Reload(chains map[string]config.ChainEndpoints) {
	m := make(map[string]Entry, len(chains))
	old := r.chains.Load()
	for name, eps := range chains {
		key := strings.ToLower(name)
		entry := Entry{Name: key, Endpoints: eps}
		if prev, ok := (*old)[key]; ok {
			entry.Disabled = prev.Disabled
		}
		m[key] = entry
	}
	r.chains.Store(&m)
}

// SetDisabled flips the routable bit for a chain. It rebuilds the map
// so concurrent readers keep a consistent snapshot.
func (r *Registry) SetDisabled(name string, disabled bool) {
	key := strings.ToLower(name)
	for {
		old := r.chains.Load()
		entry, ok := (*old)[key]
		if !ok {
			return
		}
		if entry.Disabled == disabled {
			return
		}
		m := make(map[string]Entry, len(*old))
		for k, v := range *old {
			m[k] = v
		}
		entry.Disabled = disabled
		m[key] = entry
		if r.chains.CompareAndSwap(old, &m) {
			return
		}
	}
}
