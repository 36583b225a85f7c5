// Copyright (c) the dbgpmuxd authors.
// Licensed under the MIT License.

package dbgp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

// Transport provides DBGP message I/O over a single engine connection.
// Implementations must allow one reader and one writer to operate
// concurrently, but individual reads (or writes) may not overlap.
type Transport interface {
	// ReadMessage reads and parses the next engine message.
	// Blocks until a complete message is available.
	ReadMessage() (Message, error)

	// WriteCommand sends a command line to the engine.
	WriteCommand(cmd *Command) error

	// Close closes the transport. Blocked ReadMessage or WriteCommand calls
	// return with an error after Close.
	Close() error
}

// connTransport implements Transport over a net.Conn carrying DBGP frames.
type connTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	// writeMu serializes command writes
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewConnTransport wraps a network connection in a DBGP Transport.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *connTransport) ReadMessage() (Message, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	t.mu.Unlock()

	payload, readErr := readFrame(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DBGP frame: %w", readErr)
	}

	return DecodeMessage(payload)
}

func (t *connTransport) WriteCommand(cmd *Command) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrConnectionClosed
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	line := append(cmd.encode(), 0)
	if _, writeErr := t.conn.Write(line); writeErr != nil {
		return fmt.Errorf("failed to write DBGP command: %w", writeErr)
	}

	return nil
}

func (t *connTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	return t.conn.Close()
}
