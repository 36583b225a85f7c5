/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusRecorder collects status observations for assertions.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *statusRecorder) count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.statuses {
		if s == status {
			count++
		}
	}
	return count
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectionQueryStatus(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.respondStatus("break")

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	recorder := &statusRecorder{}
	conn.OnStatus(recorder.record)

	status, err := conn.QueryStatus(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, StatusBreak, status)

	// A status query reports the status to the caller only; observers stay
	// silent so the caller decides how to route it.
	assert.Empty(t, recorder.snapshot())
}

func TestConnectionContinuationUpdatesStatus(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.onContinuation(CommandRun, "break")

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	recorder := &statusRecorder{}
	conn.OnStatus(recorder.record)

	require.NoError(t, conn.SendContinuationCommand(CommandRun))

	require.Eventually(t, func() bool {
		return conn.Status() == StatusBreak
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Status{StatusBreak}, recorder.snapshot())
}

func TestConnectionNotifiesRepeatedBreak(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.onContinuation(CommandStepOver, "break")

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	recorder := &statusRecorder{}
	conn.OnStatus(recorder.record)

	require.NoError(t, conn.SendContinuationCommand(CommandStepOver))
	require.NoError(t, conn.SendContinuationCommand(CommandStepOver))

	// Each step observation fires, even though the status value repeats.
	require.Eventually(t, func() bool {
		return recorder.count(StatusBreak) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionSetBreakpoint(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	engineID, err := conn.SetBreakpoint(testContext(t), "/srv/app.php", 17)
	require.NoError(t, err)
	assert.NotEmpty(t, engineID)

	cmd := engine.waitForCommand(t, "breakpoint_set")
	assert.Equal(t, "line", cmd.Args["t"])
	assert.Equal(t, "file:///srv/app.php", cmd.Args["f"])
	assert.Equal(t, "17", cmd.Args["n"])
}

func TestConnectionSetExceptionBreakpoint(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	_, err := conn.SetExceptionBreakpoint(testContext(t), "*")
	require.NoError(t, err)

	cmd := engine.waitForCommand(t, "breakpoint_set")
	assert.Equal(t, "exception", cmd.Args["t"])
	assert.Equal(t, "*", cmd.Args["x"])
}

func TestConnectionSendBreak(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("break", func(cmd fakeCommand) []string {
		return []string{breakResponseXML(cmd.Txn, "1")}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	accepted, err := conn.SendBreakCommand(testContext(t))
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestConnectionEvaluate(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("eval", func(cmd fakeCommand) []string {
		return []string{propertyResponseXML("eval", cmd.Txn, "result", "42")}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	result, err := conn.EvaluateOnCallFrame(testContext(t), 0, "6*7")
	require.NoError(t, err)
	assert.False(t, result.WasThrown)
	require.NotNil(t, result.Result)
	assert.Equal(t, "42", result.Result.DecodedValue())

	cmd := engine.waitForCommand(t, "eval")
	assert.Equal(t, "6*7", cmd.Data)
}

func TestConnectionEvaluateThrown(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("eval", func(cmd fakeCommand) []string {
		return []string{errorResponseXML("eval", cmd.Txn, 206, "undefined variable")}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	// A thrown evaluation is a result, not a transport failure.
	result, err := conn.EvaluateOnCallFrame(testContext(t), 0, "$nope")
	require.NoError(t, err)
	assert.True(t, result.WasThrown)
	require.NotNil(t, result.Error)
	assert.Equal(t, 206, result.Error.Code)
}

func TestConnectionStackFrames(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("stack_get", func(cmd fakeCommand) []string {
		return []string{stackResponseXML(cmd.Txn, "file:///srv/app.php", 5)}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	frames, err := conn.StackFrames(testContext(t))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "file:///srv/app.php", frames[0].Filename)
}

func TestConnectionScopesForFrame(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("context_names", func(cmd fakeCommand) []string {
		return []string{contextNamesResponseXML(cmd.Txn)}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	scopes, err := conn.ScopesForFrame(testContext(t), 0)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "Locals", scopes[0].Name)
	assert.Equal(t, 1, scopes[1].ID)

	cmd := engine.waitForCommand(t, "context_names")
	assert.Equal(t, "0", cmd.Args["d"])
}

func TestConnectionProperties(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	engine.handle("context_get", func(cmd fakeCommand) []string {
		return []string{propertyResponseXML("context_get", cmd.Txn, "count", "3")}
	})
	engine.handle("property_get", func(cmd fakeCommand) []string {
		return []string{propertyResponseXML("property_get", cmd.Txn, "items", "[...]")}
	})

	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	// Empty FullName addresses a whole scope.
	props, err := conn.Properties(testContext(t), RemoteObjectID{Frame: 0, Context: 1})
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "count", props[0].Name)
	scopeCmd := engine.waitForCommand(t, "context_get")
	assert.Equal(t, "1", scopeCmd.Args["c"])

	// A FullName addresses one composite value.
	props, err = conn.Properties(testContext(t), RemoteObjectID{Frame: 0, Context: 0, FullName: "$obj"})
	require.NoError(t, err)
	require.Len(t, props, 1)
	propCmd := engine.waitForCommand(t, "property_get")
	assert.Equal(t, "$obj", propCmd.Args["n"])
}

func TestConnectionStreamOutput(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)

	var mu sync.Mutex
	var got []string
	conn := NewConnection(transport, logr.Discard(), func(category, text string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, category+":"+text)
	})
	defer conn.Close()

	engine.sendStream("stdout", "hello world")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "stdout:hello world", got[0])
}

func TestConnectionCloseFailsPending(t *testing.T) {
	t.Parallel()

	// No status handler: the query stays pending until Close.
	_, transport := newFakeEngine(t)
	conn := NewConnection(transport, logr.Discard(), nil)

	errs := make(chan error, 1)
	go func() {
		_, queryErr := conn.QueryStatus(context.Background())
		errs <- queryErr
	}()

	// Give the query a moment to get onto the wire.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, <-errs, ErrConnectionClosed)
}

func TestConnectionEngineDisconnect(t *testing.T) {
	t.Parallel()

	engine, transport := newFakeEngine(t)
	conn := NewConnection(transport, logr.Discard(), nil)
	defer conn.Close()

	recorder := &statusRecorder{}
	conn.OnStatus(recorder.record)

	engine.close()

	// An unexpected disconnect surfaces as a terminal end status.
	require.Eventually(t, func() bool {
		return conn.Status() == StatusEnd
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Status{StatusEnd}, recorder.snapshot())
}

func TestConnectionIDsAreUnique(t *testing.T) {
	t.Parallel()

	_, transportA := newFakeEngine(t)
	_, transportB := newFakeEngine(t)

	connA := NewConnection(transportA, logr.Discard(), nil)
	defer connA.Close()
	connB := NewConnection(transportB, logr.Discard(), nil)
	defer connB.Close()

	assert.NotEqual(t, connA.ID(), connB.ID())
}
