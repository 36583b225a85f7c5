/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/pbrilius/nuclide/pkg/observer"
	"github.com/pbrilius/nuclide/pkg/syncmap"
)

// Continuation command names.
const (
	CommandRun      = "run"
	CommandStepInto = "step_into"
	CommandStepOver = "step_over"
	CommandStepOut  = "step_out"
	CommandStop     = "stop"
)

// isContinuationCommand reports whether cmd resumes or steps the target.
// Responses to these commands carry the target's new execution status.
func isContinuationCommand(cmd string) bool {
	switch cmd {
	case CommandRun, CommandStepInto, CommandStepOver, CommandStepOut, CommandStop:
		return true
	default:
		return false
	}
}

// nextConnectionID hands out stable connection ids across the process.
var nextConnectionID atomic.Int64

// StreamHandler receives target output forwarded from DBGP stream messages.
type StreamHandler func(category string, text string)

// RemoteObjectID identifies a remote value container: a whole scope
// (frame + context) when FullName is empty, or a composite property
// within that scope otherwise.
type RemoteObjectID struct {
	Frame    int
	Context  int
	FullName string
}

// EvalResult is the outcome of an evaluation request. A thrown exception is
// not an error from the caller's perspective; it is reported in WasThrown.
type EvalResult struct {
	// Result is the evaluated value. Nil when the evaluation threw.
	Result *Property

	// WasThrown indicates the expression raised in the target.
	WasThrown bool

	// Error describes the failure when WasThrown is set.
	Error *ResponseError
}

// Connection wraps one DBGP engine socket: a single remote execution
// context ("request" in DBGP terms). It demultiplexes engine responses to
// pending callers by transaction id and surfaces execution status changes
// through an observer subscription.
type Connection struct {
	id        int64
	transport Transport
	log       logr.Logger

	// streamHandler receives target stdout/stderr, if set at creation.
	streamHandler StreamHandler

	txnCounter atomic.Int64
	pending    syncmap.Map[int, chan *Response]

	mu     sync.Mutex
	status Status

	statusObservers observer.Subscribers[Status]

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps transport in a Connection and starts its reader.
// The connection starts in StatusStarting; the actual engine status must be
// queried with QueryStatus.
func NewConnection(transport Transport, log logr.Logger, streamHandler StreamHandler) *Connection {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	c := &Connection{
		id:            nextConnectionID.Add(1),
		transport:     transport,
		streamHandler: streamHandler,
		status:        StatusStarting,
		closed:        make(chan struct{}),
	}
	c.log = log.WithValues("connectionID", c.id)

	go c.readLoop()
	return c
}

// ID returns the stable identifier assigned at creation.
func (c *Connection) ID() int64 {
	return c.id
}

// Status returns the last observed execution status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus subscribes to execution status observations. The callback fires
// on every status-bearing engine response, from the connection's reader
// goroutine, one observation at a time.
func (c *Connection) OnStatus(cb func(Status)) observer.Disposable {
	return c.statusObservers.Subscribe(cb)
}

// readLoop reads engine messages until the transport fails or the
// connection is closed. Responses are routed to pending callers; status-
// bearing responses additionally drive the status observers.
func (c *Connection) readLoop() {
	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			select {
			case <-c.closed:
				// Deliberate close; no status to report.
				return
			default:
			}

			c.log.V(1).Info("Connection read failed", "error", readErr)
			c.markClosed()
			c.updateStatus(StatusEnd)
			return
		}

		switch m := msg.(type) {
		case *Response:
			if ch, ok := c.pending.LoadAndDelete(m.TransactionID); ok {
				ch <- m
			}
			if m.Status != "" && isContinuationCommand(m.Command) {
				status, parseErr := ParseStatus(m.Status)
				if parseErr != nil {
					c.log.V(1).Info("Ignoring unparsable status", "status", m.Status, "command", m.Command)
					continue
				}
				c.updateStatus(status)
			}

		case *StreamMessage:
			if c.streamHandler != nil {
				c.streamHandler(m.Type, m.DecodedContent())
			}

		default:
			c.log.V(1).Info("Ignoring unexpected DBGP message", "type", msg)
		}
	}
}

// updateStatus records the status and notifies observers. Observers are
// notified for every observation, including a repeated StatusBreak after a
// step, which the multiplexer relies on to re-surface the pause.
func (c *Connection) updateStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.statusObservers.Notify(status)
}

// call sends a command and waits for the engine's response.
func (c *Connection) call(ctx context.Context, cmd *Command) (*Response, error) {
	cmd.TransactionID = int(c.txnCounter.Add(1))

	ch := make(chan *Response, 1)
	c.pending.Store(cmd.TransactionID, ch)
	defer c.pending.Delete(cmd.TransactionID)

	if writeErr := c.transport.WriteCommand(cmd); writeErr != nil {
		return nil, writeErr
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callChecked is call plus rejection of engine <error> responses.
func (c *Connection) callChecked(ctx context.Context, cmd *Command) (*Response, error) {
	resp, callErr := c.call(ctx, cmd)
	if callErr != nil {
		return nil, callErr
	}
	if resp.Error != nil {
		return nil, &CommandFailedError{Command: cmd.Name, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp, nil
}

// QueryStatus asks the engine for its current execution status. The result
// is not delivered to status observers; callers decide what to do with it.
func (c *Connection) QueryStatus(ctx context.Context) (Status, error) {
	resp, callErr := c.callChecked(ctx, &Command{Name: "status"})
	if callErr != nil {
		return StatusError, callErr
	}
	return ParseStatus(resp.Status)
}

// SendContinuationCommand asks the engine to resume or step. The command is
// not awaited; the resulting status arrives later through OnStatus, since
// the engine responds only when execution pauses or finishes.
func (c *Connection) SendContinuationCommand(command string) error {
	return c.transport.WriteCommand(&Command{
		Name:          command,
		TransactionID: int(c.txnCounter.Add(1)),
	})
}

// SendBreakCommand interrupts the running target. Returns whether the
// engine accepted the interrupt.
func (c *Connection) SendBreakCommand(ctx context.Context) (bool, error) {
	resp, callErr := c.callChecked(ctx, &Command{Name: "break"})
	if callErr != nil {
		return false, callErr
	}
	return resp.Success == "1", nil
}

// EvaluateOnCallFrame evaluates an expression in the context of a paused
// call frame. A thrown exception is reported in the result, not as an error.
func (c *Connection) EvaluateOnCallFrame(ctx context.Context, frameIndex int, expression string) (*EvalResult, error) {
	resp, callErr := c.call(ctx, &Command{
		Name:    "eval",
		Options: []CommandOption{{Flag: "d", Value: strconv.Itoa(frameIndex)}},
		Data:    []byte(expression),
	})
	if callErr != nil {
		return nil, callErr
	}

	if resp.Error != nil {
		return &EvalResult{WasThrown: true, Error: resp.Error}, nil
	}

	result := &EvalResult{}
	if len(resp.Properties) > 0 {
		result.Result = &resp.Properties[0]
	}
	return result, nil
}

// StackFrames returns the paused target's call stack, outermost frame last.
func (c *Connection) StackFrames(ctx context.Context) ([]StackFrame, error) {
	resp, callErr := c.callChecked(ctx, &Command{Name: "stack_get"})
	if callErr != nil {
		return nil, callErr
	}
	return resp.Stack, nil
}

// ScopesForFrame returns the variable scopes visible in a call frame.
func (c *Connection) ScopesForFrame(ctx context.Context, frameIndex int) ([]Scope, error) {
	resp, callErr := c.callChecked(ctx, &Command{
		Name:    "context_names",
		Options: []CommandOption{{Flag: "d", Value: strconv.Itoa(frameIndex)}},
	})
	if callErr != nil {
		return nil, callErr
	}
	return resp.Contexts, nil
}

// Properties fetches the values in a remote container: a whole scope, or
// the children of a composite property.
func (c *Connection) Properties(ctx context.Context, id RemoteObjectID) ([]Property, error) {
	var cmd *Command
	if id.FullName == "" {
		cmd = &Command{
			Name: "context_get",
			Options: []CommandOption{
				{Flag: "d", Value: strconv.Itoa(id.Frame)},
				{Flag: "c", Value: strconv.Itoa(id.Context)},
			},
		}
	} else {
		cmd = &Command{
			Name: "property_get",
			Options: []CommandOption{
				{Flag: "d", Value: strconv.Itoa(id.Frame)},
				{Flag: "c", Value: strconv.Itoa(id.Context)},
				{Flag: "n", Value: id.FullName},
			},
		}
	}

	resp, callErr := c.callChecked(ctx, cmd)
	if callErr != nil {
		return nil, callErr
	}
	return resp.Properties, nil
}

// SetBreakpoint installs a line breakpoint and returns the engine's
// breakpoint id.
func (c *Connection) SetBreakpoint(ctx context.Context, path string, line int) (string, error) {
	resp, callErr := c.callChecked(ctx, &Command{
		Name: "breakpoint_set",
		Options: []CommandOption{
			{Flag: "t", Value: "line"},
			{Flag: "f", Value: ToFileURI(path)},
			{Flag: "n", Value: strconv.Itoa(line)},
		},
	})
	if callErr != nil {
		return "", callErr
	}
	return resp.BreakpointID, nil
}

// SetExceptionBreakpoint installs an exception breakpoint and returns the
// engine's breakpoint id. The name "*" pauses on every exception.
func (c *Connection) SetExceptionBreakpoint(ctx context.Context, exceptionName string) (string, error) {
	resp, callErr := c.callChecked(ctx, &Command{
		Name: "breakpoint_set",
		Options: []CommandOption{
			{Flag: "t", Value: "exception"},
			{Flag: "x", Value: exceptionName},
		},
	})
	if callErr != nil {
		return "", callErr
	}
	return resp.BreakpointID, nil
}

// RemoveBreakpoint removes an engine breakpoint by its engine id.
func (c *Connection) RemoveBreakpoint(ctx context.Context, engineID string) error {
	_, callErr := c.callChecked(ctx, &Command{
		Name:    "breakpoint_remove",
		Options: []CommandOption{{Flag: "d", Value: engineID}},
	})
	return callErr
}

// markClosed flips the closed channel and fails pending callers.
func (c *Connection) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Close tears the connection down. Pending and future requests fail with
// ErrConnectionClosed; no further status observations are delivered.
func (c *Connection) Close() error {
	c.markClosed()
	return c.transport.Close()
}
