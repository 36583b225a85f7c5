/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package observer provides a small subscription primitive: callbacks are
// registered against a Subscribers list and removed through the returned
// Disposable handle. There is no global emitter state; every component owns
// its subscriber lists explicitly.
package observer

import "sync"

// Disposable releases a resource or subscription.
// Dispose must be safe to call more than once.
type Disposable interface {
	Dispose()
}

// DisposeFunc adapts a function to the Disposable interface.
type DisposeFunc func()

func (f DisposeFunc) Dispose() {
	f()
}

// Subscribers is a list of callbacks receiving values of type T.
// The zero value is ready to use. Safe for concurrent use.
type Subscribers[T any] struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]func(T)
}

// Subscribe registers cb and returns a Disposable that removes it.
// Disposing twice is a no-op.
func (s *Subscribers[T]) Subscribe(cb func(T)) Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs == nil {
		s.subs = make(map[int64]func(T))
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = cb

	return DisposeFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	})
}

// Notify invokes every registered callback with v.
// Callbacks are invoked outside the internal lock, so they may subscribe or
// dispose subscriptions. Callbacks registered during a Notify do not receive
// the value being delivered.
func (s *Subscribers[T]) Notify(v T) {
	s.mu.Lock()
	cbs := make([]func(T), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(v)
	}
}

// Len returns the number of registered callbacks.
func (s *Subscribers[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Clear removes every registered callback.
func (s *Subscribers[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = nil
}
