/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
)

var (
	// ErrNoConnection is returned by facade operations that require an
	// enabled connection when none is enabled. Recoverable: the caller
	// invoked an operation while nothing was paused.
	ErrNoConnection = errors.New("no connection")

	// ErrNoDummyConnection is returned by RuntimeEvaluate when the warm-up
	// connection has not attached (or has already gone away).
	ErrNoDummyConnection = errors.New("no dummy connection")

	// ErrConnectionClosed is returned by requests issued against a
	// connection that has been disposed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectorClosed is returned when attempting to use a closed connector.
	ErrConnectorClosed = errors.New("connector closed")
)

// CommandFailedError is a DBGP <error> element returned by the engine in
// response to a command.
type CommandFailedError struct {
	// Command is the DBGP command that failed.
	Command string

	// Code is the DBGP error code.
	Code int

	// Message is the engine-supplied error text.
	Message string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("DBGP command %q failed: code=%d message=%q", e.Command, e.Code, e.Message)
}

// filterShutdownError drops context cancellation errors that are expected
// side effects of shutting down, so they are not reported as failures.
// The original error is returned unchanged when the context is still live.
func filterShutdownError(ctx context.Context, err error, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	return err
}
