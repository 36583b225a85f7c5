/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/pbrilius/nuclide/pkg/observer"
)

const (
	// DefaultHandshakeTimeout bounds how long an attaching socket may take
	// to deliver its DBGP init packet.
	DefaultHandshakeTimeout = 30 * time.Second

	// listenRetryTimeout bounds the listener-bind retry. Debug ports linger
	// in TIME_WAIT between sessions, so the first bind attempt can fail
	// transiently.
	listenRetryTimeout = 5 * time.Second
)

// AttachMessage is a raw socket attachment: the transport plus the parsed
// DBGP init handshake. Delivered to Connector attach subscribers; the
// receiver owns the transport.
type AttachMessage struct {
	Transport Transport
	Init      *InitMessage
}

// Connector listens for DBGP engine attachments on a TCP address. Each
// accepted socket must deliver an init packet within the handshake timeout;
// sockets that fail to do so are closed. Valid attachments are delivered to
// attach subscribers; classification (real vs warm-up vs rejected) is the
// multiplexer's concern.
type Connector struct {
	address          string
	handshakeTimeout time.Duration
	log              logr.Logger

	attachObservers observer.Subscribers[*AttachMessage]
	closeObservers  observer.Subscribers[struct{}]

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewConnector creates a connector for the given TCP listen address.
// A zero handshakeTimeout selects DefaultHandshakeTimeout.
func NewConnector(address string, handshakeTimeout time.Duration, log logr.Logger) *Connector {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if handshakeTimeout == 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}

	return &Connector{
		address:          address,
		handshakeTimeout: handshakeTimeout,
		log:              log.WithName("DbgpConnector"),
	}
}

// OnAttach subscribes to socket attachments.
func (c *Connector) OnAttach(cb func(*AttachMessage)) observer.Disposable {
	return c.attachObservers.Subscribe(cb)
}

// OnClose subscribes to connector shutdown, fired once when the accept loop
// ends for any reason.
func (c *Connector) OnClose(cb func()) observer.Disposable {
	return c.closeObservers.Subscribe(func(struct{}) { cb() })
}

// Addr returns the bound listen address, or nil before Listen.
func (c *Connector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Listen binds the listen address and starts accepting attachments in a
// background goroutine. Binding is retried with exponential backoff since
// the port may still be held by a previous session.
func (c *Connector) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectorClosed
	}
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("connector already listening on %s", c.address)
	}
	c.mu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = listenRetryTimeout

	listener, listenErr := backoff.RetryWithData(func() (net.Listener, error) {
		l, err := net.Listen("tcp", c.address)
		if err != nil {
			c.log.V(1).Info("Listen attempt failed, retrying", "address", c.address, "error", err)
			return nil, err
		}
		return l, nil
	}, backoff.WithContext(policy, ctx))
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.address, listenErr)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		listener.Close()
		return ErrConnectorClosed
	}
	c.listener = listener
	c.mu.Unlock()

	c.log.Info("Listening for debug connections", "address", listener.Addr())

	go c.acceptLoop(ctx)
	return nil
}

// acceptLoop accepts attachments until the listener closes or the context
// is cancelled. Each connection is handled in its own goroutine so a slow
// handshake cannot stall new attachments.
func (c *Connector) acceptLoop(ctx context.Context) {
	defer c.closeObservers.Notify(struct{}{})

	for {
		select {
		case <-ctx.Done():
			c.log.V(1).Info("Connector shutting down")
			c.Close()
			return
		default:
		}

		conn, acceptErr := c.listener.Accept()
		if acceptErr != nil {
			if c.isClosed() || errors.Is(acceptErr, net.ErrClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.log.Error(acceptErr, "Failed to accept connection")
			continue
		}

		go c.handleConnection(conn)
	}
}

// handleConnection reads and validates the init handshake of one socket.
func (c *Connector) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error(fmt.Errorf("panic: %v", r), "Panic in connection handler")
			conn.Close()
		}
	}()

	log := c.log.WithValues("remoteAddr", conn.RemoteAddr())
	log.V(1).Info("Accepted connection")

	if deadlineErr := conn.SetDeadline(time.Now().Add(c.handshakeTimeout)); deadlineErr != nil {
		log.Error(deadlineErr, "Failed to set handshake deadline")
		conn.Close()
		return
	}

	transport := NewConnTransport(conn)

	msg, readErr := transport.ReadMessage()
	if readErr != nil {
		log.Error(readErr, "Failed to read DBGP init packet")
		transport.Close()
		return
	}

	init, ok := msg.(*InitMessage)
	if !ok {
		log.Error(nil, "First DBGP message was not an init packet")
		transport.Close()
		return
	}

	if deadlineErr := conn.SetDeadline(time.Time{}); deadlineErr != nil {
		log.Error(deadlineErr, "Failed to clear handshake deadline")
		transport.Close()
		return
	}

	log.V(1).Info("Received DBGP init",
		"fileURI", init.FileURI,
		"ideKey", init.IDEKey,
		"appID", init.AppID,
		"language", init.Language)

	c.attachObservers.Notify(&AttachMessage{Transport: transport, Init: init})
}

func (c *Connector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops accepting attachments. Idempotent.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}
