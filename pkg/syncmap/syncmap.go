/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package syncmap provides a typed wrapper over the standard library sync.Map.
package syncmap

import "sync"

// Map is a generic, concurrency-safe map.
// The zero value is empty and ready to use.
type Map[K comparable, V any] struct {
	inner sync.Map
}

// Store sets the value for key.
func (m *Map[K, V]) Store(key K, value V) {
	m.inner.Store(key, value)
}

// Load returns the value stored for key and whether it was present.
func (m *Map[K, V]) Load(key K) (V, bool) {
	v, ok := m.inner.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Delete removes the value for key, if any.
func (m *Map[K, V]) Delete(key K) {
	m.inner.Delete(key)
}

// LoadAndDelete removes the value for key, returning it and whether it was present.
func (m *Map[K, V]) LoadAndDelete(key K) (V, bool) {
	v, ok := m.inner.LoadAndDelete(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Range calls f for each key-value pair. Iteration stops when f returns false.
func (m *Map[K, V]) Range(f func(key K, value V) bool) {
	m.inner.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the entries. The result is a point-in-time snapshot; the map may
// change immediately after Len returns.
func (m *Map[K, V]) Len() int {
	n := 0
	m.inner.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
