package chat

import (
	"slices"
	"sync"
)

// Roster is the set of logged-in user names. It is safe for concurrent use.
type Roster struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewRoster returns an empty Roster.
func NewRoster() *Roster {
	return &Roster{names: make(map[string]struct{})}
}

// Claim adds name unless it is already present.
//
// Returns:
//   - true if name was added, false if another session holds it
func (r *Roster) Claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.names[name]; taken {
		return false
	}

	r.names[name] = struct{}{}
	return true
}

// Release removes name. Releasing an absent name is a no-op.
func (r *Roster) Release(name string) {
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
}

// Contains reports whether name is logged in.
func (r *Roster) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Names returns the logged-in names in ascending order.
func (r *Roster) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.names))
	for name := range r.names {
		out = append(out, name)
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Len returns the number of logged-in names.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
