package concurrent

import (
	"maps"
	"sync"
)

// Map is a map guarded by a RWMutex.
type Map[K comparable, V any] struct {
	mu     sync.RWMutex
	values map[K]V
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		values: make(map[K]V),
	}
}

func (m *Map[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	val, ok := m.values[key]
	return val, ok
}

func (m *Map[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
}

// Update applies f to the current value (zero value and false when absent)
// and stores the result, atomically with respect to other writers.
func (m *Map[K, V]) Update(key K, f func(current V, exists bool) V) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.values[key]
	next := f(current, exists)
	m.values[key] = next
	return next
}

// UpdateIfPresent applies f to the value stored under key and reports
// whether the key was present. Absent keys are left untouched.
func (m *Map[K, V]) UpdateIfPresent(key K, f func(current V) V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.values[key]
	if !exists {
		return false
	}
	m.values[key] = f(current)
	return true
}

// DeleteIf removes key when pred holds for its value and reports
// whether it was removed.
func (m *Map[K, V]) DeleteIf(key K, pred func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.values[key]
	if !ok || !pred(val) {
		return false
	}
	delete(m.values, key)
	return true
}

// LoadAndDelete removes key and returns the value it held, if any.
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.values[key]
	if ok {
		delete(m.values, key)
	}
	return val, ok
}

func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
}

func (m *Map[K, V]) Length() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.values)
}

// Snapshot returns a shallow copy of the current contents.
func (m *Map[K, V]) Snapshot() map[K]V {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return maps.Clone(m.values)
}

func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	for k, v := range m.Snapshot() {
		if !f(k, v) {
			break
		}
	}
}
