// Package safemap provides a type-safe, concurrent map built on sync.Map
// that keeps a running entry count.
package safemap

import (
	"sync"
	"sync/atomic"
)

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// It wraps sync.Map with a generic API and counts entries as they are added
// and removed, so Len does not walk the map.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
	n atomic.Int64
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, replacing any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	if _, loaded := m.m.Swap(k, v); !loaded {
		m.n.Add(1)
	}
}

// LoadOrStore returns the existing value for k if present. Otherwise it
// stores v.
//
// Returns:
//   - The stored or existing value
//   - true if the value was already present
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	if !loaded {
		m.n.Add(1)
	}

	return actual.(V), loaded
}

// Load returns the value for key k.
//
// Returns:
//   - The value associated with k, or the zero value of V if not found
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadAndDelete removes k and returns the value it held. When several
// goroutines remove the same key, exactly one of them sees loaded == true.
//
// Returns:
//   - The removed value, or the zero value of V if k was absent
//   - true if this call removed k
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	m.n.Add(-1)
	return v.(V), true
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.LoadAndDelete(k)
}

// Has reports whether key k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted during the call may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns the current values in unspecified order.
func (m *SafeMap[K, V]) Values() []V {
	out := make([]V, 0, m.Len())
	m.Range(func(_ K, v V) bool {
		out = append(out, v)
		return true
	})

	return out
}

// Len returns the number of entries.
func (m *SafeMap[K, V]) Len() int {
	return int(m.n.Load())
}

// Clear removes every entry.
func (m *SafeMap[K, V]) Clear() {
	m.m.Range(func(k, _ any) bool {
		m.LoadAndDelete(k.(K))
		return true
	})
}
