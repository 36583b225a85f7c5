/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/go-logr/logr"
)

// UserMessageChannel selects where a user-facing message is displayed.
type UserMessageChannel string

const (
	// ChannelConsole routes messages to the debugger console.
	ChannelConsole UserMessageChannel = "console"

	// ChannelNotification routes messages to a notification surface.
	ChannelNotification UserMessageChannel = "notification"
)

// UserMessage is human-readable text surfaced to the user.
type UserMessage struct {
	// Level is one of "info", "warning" or "error".
	Level string `json:"level"`

	// Text is the message body.
	Text string `json:"text"`
}

// ClientCallback is the outbound sink for the debugging front end. The
// multiplexer pushes protocol notifications and user messages through it;
// it never reads anything back.
type ClientCallback interface {
	// SendMethod emits a protocol notification (e.g. announcing that a
	// source file was parsed).
	SendMethod(method string, params any)

	// SendUserMessage emits human-readable console or notification text.
	SendUserMessage(channel UserMessageChannel, message UserMessage)
}

// logClientCallback writes everything to a logger. Used when no real front
// end is attached (tests, dry runs).
type logClientCallback struct {
	log logr.Logger
}

// NewLogClientCallback returns a ClientCallback backed by a logger.
func NewLogClientCallback(log logr.Logger) ClientCallback {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &logClientCallback{log: log}
}

func (c *logClientCallback) SendMethod(method string, params any) {
	c.log.Info("Client notification", "method", method, "params", params)
}

func (c *logClientCallback) SendUserMessage(channel UserMessageChannel, message UserMessage) {
	c.log.Info("User message", "channel", channel, "level", message.Level, "text", message.Text)
}

// streamClientCallback writes JSON lines to a stream. This is what the
// daemon uses to talk to its front end over stdout.
type streamClientCallback struct {
	mu  sync.Mutex
	enc *json.Encoder
	log logr.Logger
}

// NewStreamClientCallback returns a ClientCallback that encodes each
// notification as one JSON object per line on w.
func NewStreamClientCallback(w io.Writer, log logr.Logger) ClientCallback {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &streamClientCallback{enc: json.NewEncoder(w), log: log}
}

type methodEnvelope struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type userMessageEnvelope struct {
	Channel UserMessageChannel `json:"channel"`
	Message UserMessage        `json:"message"`
}

func (c *streamClientCallback) SendMethod(method string, params any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if encodeErr := c.enc.Encode(methodEnvelope{Method: method, Params: params}); encodeErr != nil {
		c.log.Error(encodeErr, "Failed to encode client notification", "method", method)
	}
}

func (c *streamClientCallback) SendUserMessage(channel UserMessageChannel, message UserMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if encodeErr := c.enc.Encode(userMessageEnvelope{Channel: channel, Message: message}); encodeErr != nil {
		c.log.Error(encodeErr, "Failed to encode user message", "channel", channel)
	}
}
