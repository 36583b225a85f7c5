/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package dbgp multiplexes many DBGP debugger engine connections into one
// logical debugging session.
//
// A Connector listens for engine attachments and performs the DBGP init
// handshake. Each accepted socket becomes a Connection, which speaks the
// DBGP wire protocol: engine-to-IDE messages are length-prefixed XML
// documents, IDE-to-engine commands are NUL-terminated argument lines.
//
// The ConnectionMultiplexer tracks all live connections and surfaces at
// most one of them (the "enabled" connection) to the UI as the paused
// thread. Connections pausing at breakpoints queue up in attach order;
// when the surfaced pause resumes, the next paused connection is surfaced.
// A BreakpointStore keeps the session's logical breakpoints and replays
// them onto every connection, including ones attaching later.
//
// A configurable warm-up process produces the "dummy" connection, used to
// evaluate expressions and inspect global state while no real request is
// paused.
package dbgp
