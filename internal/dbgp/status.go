/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import "fmt"

// Status is the execution state of a debug target. The same enumeration is
// used for individual connections and for the multiplexer's logical session.
type Status int

const (
	// StatusStarting indicates the target is at its implicit loader breakpoint
	// and has not yet been continued. Initial state for new connections and
	// for the multiplexer before Listen.
	StatusStarting Status = iota

	// StatusRunning indicates the target is executing.
	StatusRunning

	// StatusBreak indicates the target is paused at a breakpoint.
	StatusBreak

	// StatusStopping indicates the target has finished execution and is about
	// to shut down. Post-mortem inspection is not supported; connections in
	// this state are continued immediately.
	StatusStopping

	// StatusStopped indicates the target has shut down. Terminal.
	StatusStopped

	// StatusError indicates the connection failed. Terminal.
	StatusError

	// StatusEnd indicates the connection (or the whole session) is finished.
	// Terminal; never re-entered once reached.
	StatusEnd
)

// String returns the lowercase protocol name of the status.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusBreak:
		return "break"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	case StatusEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Terminal reports whether a connection in this status is finished and must
// be removed from the multiplexer.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError || s == StatusEnd
}

// ParseStatus converts a DBGP wire status attribute into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "starting":
		return StatusStarting, nil
	case "running":
		return StatusRunning, nil
	case "break":
		return StatusBreak, nil
	case "stopping":
		return StatusStopping, nil
	case "stopped":
		return StatusStopped, nil
	default:
		return StatusError, fmt.Errorf("unknown DBGP status %q", s)
	}
}
