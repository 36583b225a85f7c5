/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/pbrilius/nuclide/pkg/observer"
)

// PauseOnExceptionState selects when execution pauses on thrown exceptions.
type PauseOnExceptionState string

const (
	// PauseOnExceptionsNone disables exception pausing.
	PauseOnExceptionsNone PauseOnExceptionState = "none"

	// PauseOnExceptionsUncaught pauses on uncaught exceptions only.
	// DBGP cannot distinguish caught from uncaught; treated as all.
	PauseOnExceptionsUncaught PauseOnExceptionState = "uncaught"

	// PauseOnExceptionsAll pauses on every thrown exception.
	PauseOnExceptionsAll PauseOnExceptionState = "all"
)

// Breakpoint is one logical line breakpoint.
type Breakpoint struct {
	// ID is the store-assigned identifier.
	ID int64

	// Path is the local path of the source file.
	Path string

	// Line is the 1-based line number.
	Line int
}

// storeConnection is the store's bookkeeping for one attached connection:
// the engine-assigned breakpoint ids needed to remove breakpoints later.
type storeConnection struct {
	conn *Connection
	sub  observer.Disposable

	// engineIDs maps store breakpoint id to the engine's breakpoint id.
	engineIDs map[int64]string

	// exceptionEngineID is the engine id of the exception breakpoint, if set.
	exceptionEngineID string
}

// BreakpointStore holds the logical breakpoints of a debugging session and
// applies them to every attached connection, including connections that
// attach after the breakpoints were set.
type BreakpointStore struct {
	log logr.Logger

	mu          sync.Mutex
	nextID      int64
	breakpoints map[int64]*Breakpoint
	pauseState  PauseOnExceptionState
	connections map[int64]*storeConnection
}

// NewBreakpointStore creates an empty store.
func NewBreakpointStore(log logr.Logger) *BreakpointStore {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &BreakpointStore{
		log:         log.WithName("BreakpointStore"),
		breakpoints: make(map[int64]*Breakpoint),
		pauseState:  PauseOnExceptionsNone,
		connections: make(map[int64]*storeConnection),
	}
}

// SetBreakpoint registers a line breakpoint and applies it to every attached
// connection. The store id is returned immediately; per-connection
// application failures are logged, not returned, since the breakpoint stays
// registered for future connections regardless.
func (s *BreakpointStore) SetBreakpoint(ctx context.Context, path string, line int) int64 {
	s.mu.Lock()
	s.nextID++
	bp := &Breakpoint{ID: s.nextID, Path: path, Line: line}
	s.breakpoints[bp.ID] = bp
	targets := s.snapshotConnectionsLocked()
	s.mu.Unlock()

	s.log.V(1).Info("Set breakpoint", "id", bp.ID, "path", path, "line", line)

	for _, target := range targets {
		s.applyBreakpoint(ctx, target, bp)
	}

	return bp.ID
}

// RemoveBreakpoint deletes a breakpoint from the store and from every
// attached connection.
func (s *BreakpointStore) RemoveBreakpoint(ctx context.Context, id int64) error {
	s.mu.Lock()
	if _, ok := s.breakpoints[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown breakpoint id %d", id)
	}
	delete(s.breakpoints, id)

	type removal struct {
		conn     *Connection
		engineID string
	}
	var removals []removal
	for _, entry := range s.connections {
		if engineID, ok := entry.engineIDs[id]; ok {
			delete(entry.engineIDs, id)
			removals = append(removals, removal{conn: entry.conn, engineID: engineID})
		}
	}
	s.mu.Unlock()

	s.log.V(1).Info("Removed breakpoint", "id", id)

	var errs []error
	for _, r := range removals {
		if removeErr := r.conn.RemoveBreakpoint(ctx, r.engineID); removeErr != nil && !errors.Is(removeErr, ErrConnectionClosed) {
			errs = append(errs, removeErr)
		}
	}
	return errors.Join(errs...)
}

// SetPauseOnExceptions records the exception-pause state and applies it to
// every attached connection.
func (s *BreakpointStore) SetPauseOnExceptions(ctx context.Context, state PauseOnExceptionState) error {
	if state == PauseOnExceptionsUncaught {
		s.log.Info("Pause on uncaught exceptions is not distinguishable over DBGP; pausing on all exceptions")
	}

	s.mu.Lock()
	s.pauseState = state
	targets := s.snapshotConnectionsLocked()
	s.mu.Unlock()

	var errs []error
	for _, target := range targets {
		if applyErr := s.applyPauseState(ctx, target, state); applyErr != nil {
			errs = append(errs, applyErr)
		}
	}
	return errors.Join(errs...)
}

// AddConnection registers a newly attached connection and replays every
// currently-set breakpoint and the exception-pause state onto it. The store
// drops the connection automatically when its status turns terminal.
func (s *BreakpointStore) AddConnection(ctx context.Context, conn *Connection) error {
	entry := &storeConnection{
		conn:      conn,
		engineIDs: make(map[int64]string),
	}

	entry.sub = conn.OnStatus(func(status Status) {
		if status.Terminal() {
			s.removeConnection(conn.ID())
		}
	})

	s.mu.Lock()
	s.connections[conn.ID()] = entry
	bps := make([]*Breakpoint, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		bps = append(bps, bp)
	}
	pauseState := s.pauseState
	s.mu.Unlock()

	for _, bp := range bps {
		s.applyBreakpoint(ctx, entry, bp)
	}

	if pauseState != PauseOnExceptionsNone {
		if applyErr := s.applyPauseState(ctx, entry, pauseState); applyErr != nil {
			return applyErr
		}
	}

	return nil
}

// removeConnection drops the bookkeeping for a finished connection.
func (s *BreakpointStore) removeConnection(connectionID int64) {
	s.mu.Lock()
	entry, ok := s.connections[connectionID]
	if ok {
		delete(s.connections, connectionID)
	}
	s.mu.Unlock()

	if ok {
		entry.sub.Dispose()
		s.log.V(1).Info("Dropped connection from breakpoint store", "connectionID", connectionID)
	}
}

// ConnectionCount returns the number of attached connections.
func (s *BreakpointStore) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// snapshotConnectionsLocked copies the connection entries. Callers must
// hold s.mu. Engine calls happen outside the lock to keep status
// observations from blocking behind breakpoint application.
func (s *BreakpointStore) snapshotConnectionsLocked() []*storeConnection {
	targets := make([]*storeConnection, 0, len(s.connections))
	for _, entry := range s.connections {
		targets = append(targets, entry)
	}
	return targets
}

// applyBreakpoint installs bp on one connection and records the engine id.
func (s *BreakpointStore) applyBreakpoint(ctx context.Context, target *storeConnection, bp *Breakpoint) {
	engineID, setErr := target.conn.SetBreakpoint(ctx, bp.Path, bp.Line)
	if setErr != nil {
		if !errors.Is(setErr, ErrConnectionClosed) {
			s.log.Error(setErr, "Failed to apply breakpoint to connection",
				"breakpointID", bp.ID,
				"connectionID", target.conn.ID())
		}
		return
	}

	s.mu.Lock()
	target.engineIDs[bp.ID] = engineID
	s.mu.Unlock()
}

// applyPauseState installs or removes the exception breakpoint on one
// connection.
func (s *BreakpointStore) applyPauseState(ctx context.Context, target *storeConnection, state PauseOnExceptionState) error {
	if state == PauseOnExceptionsNone {
		s.mu.Lock()
		engineID := target.exceptionEngineID
		target.exceptionEngineID = ""
		s.mu.Unlock()

		if engineID == "" {
			return nil
		}
		return target.conn.RemoveBreakpoint(ctx, engineID)
	}

	engineID, setErr := target.conn.SetExceptionBreakpoint(ctx, "*")
	if setErr != nil {
		return setErr
	}

	s.mu.Lock()
	target.exceptionEngineID = engineID
	s.mu.Unlock()
	return nil
}
