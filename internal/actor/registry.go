package actor

import (
	"sort"
	"sync"
)

// Registry maps (Kind, ID) to live actors. It never owns or restarts the
// actors it indexes.
type Registry struct {
	mu   sync.RWMutex
	refs map[Key]*Ref
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{refs: make(map[Key]*Ref)}
}

// Register adds ref under its key. A dead previous registrant is replaced;
// a live one yields ErrAlreadyRegistered.
func (r *Registry) Register(ref *Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.refs[ref.key]; ok && existing != ref && existing.Alive() {
		return ErrAlreadyRegistered
	}
	r.refs[ref.key] = ref
	return nil
}

// Lookup returns the live actor registered under key.
func (r *Registry) Lookup(key Key) (*Ref, bool) {
	r.mu.RLock()
	ref, ok := r.refs[key]
	r.mu.RUnlock()
	if !ok || !ref.Alive() {
		return nil, false
	}
	return ref, true
}

// Keys lists the registered keys of kind, sorted by ID.
func (r *Registry) Keys(kind Kind) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0)
	for k := range r.refs {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys
}

// Len returns the number of registered actors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// unregister removes ref only if it is still the current registrant.
func (r *Registry) unregister(ref *Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.refs[ref.key]; ok && cur == ref {
		delete(r.refs, ref.key)
	}
}
