/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/pbrilius/nuclide/pkg/observer"
	"github.com/pbrilius/nuclide/pkg/process"
)

// MultiplexerConfig configures a ConnectionMultiplexer.
type MultiplexerConfig struct {
	// ListenAddress is the TCP address engines attach to.
	ListenAddress string

	// ScriptRegex, when set, restricts attachments to scripts whose file URI
	// matches. Non-matching attachments are refused.
	ScriptRegex *regexp.Regexp

	// IDEKeyRegex, when set, restricts attachments to engines whose IDE key
	// matches. Non-matching attachments are refused.
	IDEKeyRegex *regexp.Regexp

	// EndDebugWhenNoRequests ends the session when the last connection goes
	// away even while the connector is still accepting.
	EndDebugWhenNoRequests bool

	// HandshakeTimeout bounds the DBGP init handshake and the initial
	// per-connection setup requests. Zero selects DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// WarmupCommand, when non-empty, is spawned on Listen to force the
	// remote runtime to initialize (the "dummy" connection). Optional.
	WarmupCommand []string

	// Executor runs the warm-up process. If nil, an OS executor is created.
	Executor process.Executor

	// ClientCallback receives outbound notifications and user messages.
	// If nil, they are written to the logger.
	ClientCallback ClientCallback

	// Logger for multiplexer operations.
	Logger logr.Logger
}

// connectionInfo is the multiplexer's exclusive bookkeeping for one tracked
// connection: the connection, its status subscription, and a locally cached
// copy of its last observed status. The cache may transiently differ from
// the connection's own status field during a transition.
type connectionInfo struct {
	connection *Connection
	sub        observer.Disposable
	status     Status
}

// ConnectionMultiplexer presents many physical debug connections as one
// logical debugging session. At most one connection is "enabled" (surfaced
// to the UI as the paused thread) at any time; when a connection is enabled
// the session status is StatusBreak.
//
// All state mutation happens under one mutex inside status callbacks, so
// the invariants hold at the exit of every callback. Status emissions to
// subscribers are collected under the lock and delivered after release.
type ConnectionMultiplexer struct {
	config          MultiplexerConfig
	log             logr.Logger
	clientCallback  ClientCallback
	breakpointStore *BreakpointStore
	executor        process.Executor

	statusObservers observer.Subscribers[Status]

	mu           sync.Mutex
	status       Status
	connections  map[int64]*connectionInfo
	attachOrder  []int64
	enabledID    int64
	dummy        *Connection
	connector    *Connector
	warmup       *warmupProcess
	warmupIDEKey string
	listenCtx    context.Context
	disposed     bool
}

// NewConnectionMultiplexer creates a multiplexer in StatusStarting.
// Nothing happens until Listen is called.
func NewConnectionMultiplexer(config MultiplexerConfig) *ConnectionMultiplexer {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("ConnectionMultiplexer")

	executor := config.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	clientCallback := config.ClientCallback
	if clientCallback == nil {
		clientCallback = NewLogClientCallback(log)
	}

	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	return &ConnectionMultiplexer{
		config:          config,
		log:             log,
		clientCallback:  clientCallback,
		breakpointStore: NewBreakpointStore(log),
		executor:        executor,
		status:          StatusStarting,
		connections:     make(map[int64]*connectionInfo),
		warmupIDEKey:    "warmup-" + uuid.NewString(),
	}
}

// Status returns the session's logical status.
func (m *ConnectionMultiplexer) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatus subscribes to logical status changes. Emissions fire only when
// the status actually changes value, with one exception: a repeated
// StatusBreak is re-emitted when the enabled connection pauses again after
// a step.
func (m *ConnectionMultiplexer) OnStatus(cb func(Status)) observer.Disposable {
	return m.statusObservers.Subscribe(cb)
}

// Listen starts accepting engine attachments, moves the session to
// StatusRunning, and kicks off the warm-up process. A warm-up spawn failure
// is surfaced as a console message and does not fail Listen.
func (m *ConnectionMultiplexer) Listen(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrConnectorClosed
	}
	if m.connector != nil {
		m.mu.Unlock()
		return fmt.Errorf("multiplexer already listening")
	}

	connector := NewConnector(m.config.ListenAddress, m.config.HandshakeTimeout, m.log)
	m.connector = connector
	m.listenCtx = ctx
	m.mu.Unlock()

	connector.OnAttach(m.handleAttach)
	connector.OnClose(m.handleConnectorClose)

	if listenErr := connector.Listen(ctx); listenErr != nil {
		m.mu.Lock()
		m.connector = nil
		m.mu.Unlock()
		return listenErr
	}

	m.mu.Lock()
	emits := m.setStatusLocked(StatusRunning)
	m.mu.Unlock()
	m.notify(emits)

	m.clientCallback.SendUserMessage(ChannelConsole, UserMessage{
		Level: "info",
		Text:  "Pre-loading, please wait... the debugger becomes ready after the first request completes.",
	})

	m.startWarmup(ctx)
	return nil
}

// Addr returns the connector's bound address, or nil before Listen.
func (m *ConnectionMultiplexer) Addr() net.Addr {
	m.mu.Lock()
	connector := m.connector
	m.mu.Unlock()
	if connector == nil {
		return nil
	}
	return connector.Addr()
}

// startWarmup spawns the warm-up process if one is configured.
func (m *ConnectionMultiplexer) startWarmup(ctx context.Context) {
	if len(m.config.WarmupCommand) == 0 {
		return
	}

	warmup, startErr := startWarmup(ctx, m.executor, m.config.WarmupCommand, m.warmupIDEKey, m.log)
	if startErr != nil {
		m.log.Error(startErr, "Failed to start warm-up process")
		m.clientCallback.SendUserMessage(ChannelConsole, UserMessage{
			Level: "error",
			Text:  fmt.Sprintf("Failed to start warm-up process: %v", startErr),
		})
		return
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		warmup.Kill()
		return
	}
	m.warmup = warmup
	m.mu.Unlock()
}

// handleAttach classifies one accepted socket: warm-up attachments fill the
// dummy slot, mismatching attachments are refused, and everything else
// becomes a tracked connection.
func (m *ConnectionMultiplexer) handleAttach(attach *AttachMessage) {
	init := attach.Init

	if m.isWarmupConnection(init) {
		m.handleDummyAttach(attach)
		return
	}

	if !m.isCorrectConnection(init) {
		m.failConnection(attach, "script or IDE key does not match session filters")
		return
	}

	conn := NewConnection(attach.Transport, m.log, m.streamHandler())
	sub := conn.OnStatus(func(status Status) {
		m.connectionOnStatus(conn, status)
	})

	m.mu.Lock()
	if m.disposed || m.status == StatusEnd {
		m.mu.Unlock()
		sub.Dispose()
		conn.Close()
		return
	}
	m.connections[conn.ID()] = &connectionInfo{
		connection: conn,
		sub:        sub,
		status:     StatusStarting,
	}
	m.attachOrder = append(m.attachOrder, conn.ID())
	m.mu.Unlock()

	m.log.Info("Tracking new debug connection",
		"connectionID", conn.ID(),
		"fileURI", init.FileURI,
		"ideKey", init.IDEKey)

	m.clientCallback.SendMethod("Debugger.scriptParsed", map[string]any{
		"url":      init.FileURI,
		"language": init.Language,
	})

	ctx, cancel := context.WithTimeout(m.baseContext(), m.config.HandshakeTimeout)
	defer cancel()

	if addErr := filterShutdownError(ctx, m.breakpointStore.AddConnection(ctx, conn), m.log); addErr != nil {
		m.log.Error(addErr, "Failed to apply breakpoints to new connection", "connectionID", conn.ID())
	}

	// A failed status query is downgraded to StatusError and funneled
	// through the normal terminal-status removal path.
	status, queryErr := conn.QueryStatus(ctx)
	if queryErr != nil {
		m.log.V(1).Info("Initial status query failed", "connectionID", conn.ID(), "error", queryErr)
		status = StatusError
	}
	m.connectionOnStatus(conn, status)
}

// handleDummyAttach wires the warm-up attachment into the dummy slot and
// immediately continues it past the loader breakpoint.
func (m *ConnectionMultiplexer) handleDummyAttach(attach *AttachMessage) {
	conn := NewConnection(attach.Transport, m.log, m.streamHandler())
	conn.OnStatus(func(status Status) {
		if status.Terminal() {
			m.clearDummy(conn.ID())
		}
	})

	m.mu.Lock()
	if m.disposed || m.dummy != nil {
		stale := m.dummy
		m.mu.Unlock()
		conn.Close()
		if stale != nil {
			m.log.V(1).Info("Ignoring duplicate warm-up attachment")
		}
		return
	}
	m.dummy = conn
	m.mu.Unlock()

	m.log.Info("Warm-up connection attached", "connectionID", conn.ID())

	if runErr := conn.SendContinuationCommand(CommandRun); runErr != nil {
		m.log.V(1).Info("Failed to continue warm-up connection", "error", runErr)
	}
}

// clearDummy empties the dummy slot when the warm-up connection finishes.
func (m *ConnectionMultiplexer) clearDummy(connectionID int64) {
	m.mu.Lock()
	if m.dummy == nil || m.dummy.ID() != connectionID {
		m.mu.Unlock()
		return
	}
	dummy := m.dummy
	m.dummy = nil
	m.mu.Unlock()

	dummy.Close()
	m.log.V(1).Info("Warm-up connection finished", "connectionID", connectionID)
}

// isWarmupConnection reports whether the attachment came from the warm-up
// process, identified by the IDE key generated for it.
func (m *ConnectionMultiplexer) isWarmupConnection(init *InitMessage) bool {
	return init.IDEKey == m.warmupIDEKey
}

// isCorrectConnection validates an attachment against the session filters.
func (m *ConnectionMultiplexer) isCorrectConnection(init *InitMessage) bool {
	if m.config.IDEKeyRegex != nil && !m.config.IDEKeyRegex.MatchString(init.IDEKey) {
		return false
	}
	if m.config.ScriptRegex != nil && !m.config.ScriptRegex.MatchString(init.FileURI) {
		return false
	}
	return true
}

// failConnection actively refuses an attachment: the socket is closed with
// a diagnostic. Refused attachments never enter the state machine and are
// not surfaced to the UI.
func (m *ConnectionMultiplexer) failConnection(attach *AttachMessage, reason string) {
	m.log.Info("Refused debug connection",
		"fileURI", attach.Init.FileURI,
		"ideKey", attach.Init.IDEKey,
		"reason", reason)
	attach.Transport.Close()
}

// streamHandler forwards target output to the client as console text.
func (m *ConnectionMultiplexer) streamHandler() StreamHandler {
	return func(category string, text string) {
		m.clientCallback.SendUserMessage(ChannelConsole, UserMessage{Level: "info", Text: text})
	}
}

// connectionOnStatus is the heart of the state machine: one connection's
// status observation, handled to completion before the next.
func (m *ConnectionMultiplexer) connectionOnStatus(conn *Connection, status Status) {
	var emits []Status
	sendRun := false

	m.mu.Lock()
	info, tracked := m.connections[conn.ID()]
	if !tracked || m.status == StatusEnd {
		m.mu.Unlock()
		return
	}
	info.status = status

	switch status {
	case StatusStarting, StatusStopping:
		// The remote sits at its implicit loader breakpoint (STARTING) or
		// wants post-mortem inspection (STOPPING); neither is surfaced.
		// Continue immediately. The write happens after unlock: an engine
		// that stopped reading must not stall the state machine.
		sendRun = true

	case StatusRunning:
		// The enabled connection resumed (e.g. its breakpoint's owner
		// continued); it is no longer the surfaced pause.
		if m.enabledID == conn.ID() {
			emits = append(emits, m.disableLocked()...)
		}

	case StatusBreak:
		if m.enabledID == conn.ID() {
			// Step completed on the already-enabled connection; re-surface
			// the pause even though the logical status did not change.
			emits = append(emits, StatusBreak)
		}

	case StatusStopped, StatusError, StatusEnd:
		emits = append(emits, m.removeConnectionLocked(info)...)
	}

	if !sendRun {
		emits = append(emits, m.evaluateConnectionsLocked()...)
	}
	m.mu.Unlock()

	if sendRun {
		if runErr := conn.SendContinuationCommand(CommandRun); runErr != nil {
			m.log.V(1).Info("Failed to send continuation", "connectionID", conn.ID(), "error", runErr)
		}
		return
	}

	m.notify(emits)
}

// handleConnectorClose runs when the connector's accept loop ends.
func (m *ConnectionMultiplexer) handleConnectorClose() {
	m.mu.Lock()
	m.connector = nil
	emits := m.checkForEndLocked()
	m.mu.Unlock()
	m.notify(emits)
}

// setStatusLocked records a logical status change and returns the emission.
// StatusEnd is terminal; once reached no further transitions occur.
func (m *ConnectionMultiplexer) setStatusLocked(status Status) []Status {
	if m.status == StatusEnd || m.status == status {
		return nil
	}
	m.status = status
	m.log.V(1).Info("Session status changed", "status", status.String())
	return []Status{status}
}

// disableLocked clears the enabled slot and moves the session to running.
func (m *ConnectionMultiplexer) disableLocked() []Status {
	m.enabledID = 0
	return m.setStatusLocked(StatusRunning)
}

// removeConnectionLocked fully removes a tracked connection: the enabled
// slot is cleared first (driving the session to StatusRunning before any
// end-of-session check), the status subscription is disposed, and the
// connection itself is closed.
func (m *ConnectionMultiplexer) removeConnectionLocked(info *connectionInfo) []Status {
	var emits []Status

	id := info.connection.ID()
	if m.enabledID == id {
		emits = append(emits, m.disableLocked()...)
	}

	info.sub.Dispose()
	info.connection.Close()
	delete(m.connections, id)
	for i, orderedID := range m.attachOrder {
		if orderedID == id {
			m.attachOrder = append(m.attachOrder[:i], m.attachOrder[i+1:]...)
			break
		}
	}

	m.log.V(1).Info("Removed connection", "connectionID", id)

	emits = append(emits, m.checkForEndLocked()...)
	return emits
}

// evaluateConnectionsLocked surfaces a paused connection if none is
// surfaced yet. Eligibility is FIFO by attach order: first attached, first
// eligible. At most one break surfaces at a time, so nothing happens while
// the session is already in StatusBreak.
func (m *ConnectionMultiplexer) evaluateConnectionsLocked() []Status {
	if m.status == StatusEnd || m.status == StatusBreak {
		return nil
	}

	for _, id := range m.attachOrder {
		info, ok := m.connections[id]
		if !ok {
			continue
		}
		if info.status == StatusBreak {
			m.enabledID = id
			m.log.V(1).Info("Enabled connection", "connectionID", id)
			return m.setStatusLocked(StatusBreak)
		}
	}
	return nil
}

// checkForEndLocked moves the session to its terminal state once no
// connections remain and either the connector is gone or the configuration
// asks to end debugging when no requests remain.
func (m *ConnectionMultiplexer) checkForEndLocked() []Status {
	if len(m.connections) != 0 {
		return nil
	}
	if m.connector != nil && !m.config.EndDebugWhenNoRequests {
		return nil
	}
	return m.setStatusLocked(StatusEnd)
}

// notify delivers collected status emissions outside the lock.
func (m *ConnectionMultiplexer) notify(emits []Status) {
	for _, status := range emits {
		m.statusObservers.Notify(status)
	}
}

// baseContext is the context attach handling runs under.
func (m *ConnectionMultiplexer) baseContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listenCtx != nil {
		return m.listenCtx
	}
	return context.Background()
}

// enabledConnection resolves the enabled connection or fails with
// ErrNoConnection.
func (m *ConnectionMultiplexer) enabledConnection() (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabledID != 0 {
		if info, ok := m.connections[m.enabledID]; ok {
			return info.connection, nil
		}
	}
	return nil, ErrNoConnection
}

// EvaluateOnCallFrame evaluates an expression on a call frame of the
// enabled connection. A thrown result is reported to the user as console
// text and still returned to the caller.
func (m *ConnectionMultiplexer) EvaluateOnCallFrame(ctx context.Context, frameIndex int, expression string) (*EvalResult, error) {
	conn, connErr := m.enabledConnection()
	if connErr != nil {
		return nil, connErr
	}
	return m.evaluate(ctx, conn, frameIndex, expression)
}

// RuntimeEvaluate evaluates an expression with no meaningful call-frame
// context. It always targets the dummy connection's top stack frame,
// regardless of which connection is enabled.
func (m *ConnectionMultiplexer) RuntimeEvaluate(ctx context.Context, expression string) (*EvalResult, error) {
	m.mu.Lock()
	dummy := m.dummy
	m.mu.Unlock()
	if dummy == nil {
		return nil, ErrNoDummyConnection
	}
	return m.evaluate(ctx, dummy, 0, expression)
}

func (m *ConnectionMultiplexer) evaluate(ctx context.Context, conn *Connection, frameIndex int, expression string) (*EvalResult, error) {
	result, evalErr := conn.EvaluateOnCallFrame(ctx, frameIndex, expression)
	if evalErr != nil {
		return nil, evalErr
	}

	if result.WasThrown {
		text := fmt.Sprintf("Evaluation of %q threw an exception", expression)
		if result.Error != nil {
			text = fmt.Sprintf("Evaluation of %q threw: %s", expression, result.Error.Message)
		}
		m.clientCallback.SendUserMessage(ChannelConsole, UserMessage{Level: "error", Text: text})
	}

	return result, nil
}

// StackFrames returns the enabled connection's call stack. With no enabled
// connection it degrades to an empty stack: the UI may ask during the
// startup race with the loader breakpoint.
func (m *ConnectionMultiplexer) StackFrames(ctx context.Context) ([]StackFrame, error) {
	conn, connErr := m.enabledConnection()
	if connErr != nil {
		return []StackFrame{}, nil
	}
	return conn.StackFrames(ctx)
}

// ScopesForFrame returns the variable scopes of a call frame of the
// enabled connection.
func (m *ConnectionMultiplexer) ScopesForFrame(ctx context.Context, frameIndex int) ([]Scope, error) {
	conn, connErr := m.enabledConnection()
	if connErr != nil {
		return nil, connErr
	}
	return conn.ScopesForFrame(ctx, frameIndex)
}

// Properties fetches values from a remote container. With no enabled
// connection and the session not paused, it falls back to the dummy
// connection, which supports evaluating static and global state while
// nothing is paused.
func (m *ConnectionMultiplexer) Properties(ctx context.Context, id RemoteObjectID) ([]Property, error) {
	m.mu.Lock()
	var conn *Connection
	if m.enabledID != 0 {
		if info, ok := m.connections[m.enabledID]; ok {
			conn = info.connection
		}
	}
	if conn == nil && m.status != StatusBreak {
		conn = m.dummy
	}
	m.mu.Unlock()

	if conn == nil {
		return nil, ErrNoConnection
	}
	return conn.Properties(ctx, id)
}

// SendContinuationCommand resumes or steps the enabled connection.
func (m *ConnectionMultiplexer) SendContinuationCommand(command string) error {
	conn, connErr := m.enabledConnection()
	if connErr != nil {
		return connErr
	}
	return conn.SendContinuationCommand(command)
}

// SendBreakCommand interrupts the enabled connection. With no enabled
// connection it degrades to false rather than failing.
func (m *ConnectionMultiplexer) SendBreakCommand(ctx context.Context) (bool, error) {
	conn, connErr := m.enabledConnection()
	if connErr != nil {
		return false, nil
	}
	return conn.SendBreakCommand(ctx)
}

// SetBreakpoint registers a line breakpoint, returning its id.
func (m *ConnectionMultiplexer) SetBreakpoint(ctx context.Context, path string, line int) int64 {
	return m.breakpointStore.SetBreakpoint(ctx, path, line)
}

// RemoveBreakpoint removes a previously set breakpoint.
func (m *ConnectionMultiplexer) RemoveBreakpoint(ctx context.Context, id int64) error {
	return m.breakpointStore.RemoveBreakpoint(ctx, id)
}

// SetPauseOnExceptions sets the exception-pause state for the session.
func (m *ConnectionMultiplexer) SetPauseOnExceptions(ctx context.Context, state PauseOnExceptionState) error {
	return m.breakpointStore.SetPauseOnExceptions(ctx, state)
}

// Dispose tears the session down: every tracked connection is removed
// through the same path as a terminal status, the warm-up process is
// killed, and the connector is closed. Idempotent with respect to the
// end-state computation.
func (m *ConnectionMultiplexer) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true

	infos := make([]*connectionInfo, 0, len(m.connections))
	for _, id := range append([]int64(nil), m.attachOrder...) {
		if info, ok := m.connections[id]; ok {
			infos = append(infos, info)
		}
	}

	var emits []Status
	for _, info := range infos {
		emits = append(emits, m.removeConnectionLocked(info)...)
	}

	dummy := m.dummy
	m.dummy = nil
	warmup := m.warmup
	m.warmup = nil
	connector := m.connector
	m.connector = nil

	emits = append(emits, m.checkForEndLocked()...)
	m.mu.Unlock()

	if dummy != nil {
		dummy.Close()
	}
	if warmup != nil {
		warmup.Kill()
	}
	if connector != nil {
		connector.Close()
	}

	m.notify(emits)
}
