// Copyright (c) the dbgpmuxd authors.
// Licensed under the MIT License.

package dbgp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageSize is the largest engine message accepted (16MB).
// Rejects garbage length prefixes from non-DBGP peers.
const maxMessageSize = 16 * 1024 * 1024

// Message is a parsed DBGP document sent by the engine.
// Concrete types are *InitMessage, *Response and *StreamMessage.
type Message interface {
	message()
}

// InitMessage is the DBGP handshake packet an engine sends immediately after
// connecting. It identifies the script being debugged and the IDE key the
// engine was configured with.
type InitMessage struct {
	XMLName         xml.Name `xml:"init"`
	FileURI         string   `xml:"fileuri,attr"`
	IDEKey          string   `xml:"idekey,attr"`
	AppID           string   `xml:"appid,attr"`
	Session         string   `xml:"session,attr"`
	Language        string   `xml:"language,attr"`
	ProtocolVersion string   `xml:"protocol_version,attr"`
	Engine          struct {
		Version string `xml:"version,attr"`
		Name    string `xml:",chardata"`
	} `xml:"engine"`
}

func (*InitMessage) message() {}

// Response is a DBGP <response> document correlating to a command by
// transaction id.
type Response struct {
	XMLName       xml.Name `xml:"response"`
	Command       string   `xml:"command,attr"`
	TransactionID int      `xml:"transaction_id,attr"`
	Status        string   `xml:"status,attr"`
	Reason        string   `xml:"reason,attr"`

	// BreakpointID is set on breakpoint_set responses.
	BreakpointID string `xml:"id,attr"`

	// Success is set on break responses ("1" when the interrupt was accepted).
	Success string `xml:"success,attr"`

	Error      *ResponseError `xml:"error"`
	Stack      []StackFrame   `xml:"stack"`
	Contexts   []Scope        `xml:"context"`
	Properties []Property     `xml:"property"`
}

func (*Response) message() {}

// ResponseError is the <error> element of a failed command response.
type ResponseError struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:"message"`
}

// StreamMessage is a DBGP <stream> document carrying target stdout/stderr.
type StreamMessage struct {
	XMLName  xml.Name `xml:"stream"`
	Type     string   `xml:"type,attr"`
	Encoding string   `xml:"encoding,attr"`
	Content  string   `xml:",chardata"`
}

func (*StreamMessage) message() {}

// DecodedContent returns the stream payload, base64-decoded when the
// encoding attribute calls for it. Undecodable content is returned raw.
func (s *StreamMessage) DecodedContent() string {
	return maybeBase64(s.Encoding, s.Content)
}

// StackFrame is one frame of a stack_get response.
type StackFrame struct {
	Level    int    `xml:"level,attr"`
	Type     string `xml:"type,attr"`
	Filename string `xml:"filename,attr"`
	Line     int    `xml:"lineno,attr"`
	Where    string `xml:"where,attr"`
}

// Scope is one entry of a context_names response (e.g. Locals, Superglobals).
type Scope struct {
	Name string `xml:"name,attr"`
	ID   int    `xml:"id,attr"`
}

// Property is a variable or value description from context_get, property_get
// or eval responses. Composite values carry nested child properties.
type Property struct {
	Name        string     `xml:"name,attr"`
	FullName    string     `xml:"fullname,attr"`
	Type        string     `xml:"type,attr"`
	ClassName   string     `xml:"classname,attr"`
	HasChildren bool       `xml:"children,attr"`
	NumChildren int        `xml:"numchildren,attr"`
	Encoding    string     `xml:"encoding,attr"`
	Value       string     `xml:",chardata"`
	Children    []Property `xml:"property"`
}

// DecodedValue returns the property value, base64-decoded when the encoding
// attribute calls for it. Undecodable content is returned raw.
func (p *Property) DecodedValue() string {
	return maybeBase64(p.Encoding, p.Value)
}

func maybeBase64(encoding, content string) string {
	if encoding != "base64" {
		return content
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return content
	}
	return string(decoded)
}

// DecodeMessage parses an engine XML payload into one of the Message types.
func DecodeMessage(payload []byte) (Message, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))

	var start xml.StartElement
	for {
		token, tokenErr := decoder.Token()
		if tokenErr != nil {
			return nil, fmt.Errorf("failed to parse DBGP message: %w", tokenErr)
		}
		if se, ok := token.(xml.StartElement); ok {
			start = se
			break
		}
	}

	switch start.Name.Local {
	case "init":
		var init InitMessage
		if decodeErr := decoder.DecodeElement(&init, &start); decodeErr != nil {
			return nil, fmt.Errorf("failed to parse DBGP init: %w", decodeErr)
		}
		return &init, nil
	case "response":
		var resp Response
		if decodeErr := decoder.DecodeElement(&resp, &start); decodeErr != nil {
			return nil, fmt.Errorf("failed to parse DBGP response: %w", decodeErr)
		}
		return &resp, nil
	case "stream":
		var stream StreamMessage
		if decodeErr := decoder.DecodeElement(&stream, &start); decodeErr != nil {
			return nil, fmt.Errorf("failed to parse DBGP stream: %w", decodeErr)
		}
		return &stream, nil
	default:
		return nil, fmt.Errorf("unsupported DBGP message element %q", start.Name.Local)
	}
}

// readFrame reads one engine-to-IDE DBGP frame:
// decimal length, NUL, XML payload, NUL.
func readFrame(r *bufio.Reader) ([]byte, error) {
	lengthStr, readErr := r.ReadString(0)
	if readErr != nil {
		return nil, readErr
	}
	lengthStr = lengthStr[:len(lengthStr)-1]

	length, parseErr := strconv.Atoi(lengthStr)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid DBGP frame length %q: %w", lengthStr, parseErr)
	}
	if length <= 0 || length > maxMessageSize {
		return nil, fmt.Errorf("DBGP frame length %d out of range", length)
	}

	payload := make([]byte, length)
	if _, readErr := io.ReadFull(r, payload); readErr != nil {
		return nil, fmt.Errorf("failed to read DBGP frame body: %w", readErr)
	}

	terminator, readErr := r.ReadByte()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DBGP frame terminator: %w", readErr)
	}
	if terminator != 0 {
		return nil, errors.New("DBGP frame missing NUL terminator")
	}

	return payload, nil
}

// Command is an IDE-to-engine DBGP command line.
type Command struct {
	// Name is the DBGP command name (run, stack_get, breakpoint_set, ...).
	Name string

	// TransactionID correlates the engine's response to this command.
	TransactionID int

	// Options are flag/value argument pairs, encoded in order.
	Options []CommandOption

	// Data is the optional trailing payload, base64-encoded on the wire.
	Data []byte
}

// CommandOption is a single "-flag value" command argument.
type CommandOption struct {
	Flag  string
	Value string
}

// encode renders the command line without the trailing NUL terminator.
// IDE-to-engine commands carry no length prefix.
func (c *Command) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.Name)
	buf.WriteString(" -i ")
	buf.WriteString(strconv.Itoa(c.TransactionID))

	for _, opt := range c.Options {
		buf.WriteString(" -")
		buf.WriteString(opt.Flag)
		buf.WriteByte(' ')
		if strings.ContainsAny(opt.Value, " \t") {
			buf.WriteString(strconv.Quote(opt.Value))
		} else {
			buf.WriteString(opt.Value)
		}
	}

	if len(c.Data) > 0 {
		buf.WriteString(" -- ")
		buf.WriteString(base64.StdEncoding.EncodeToString(c.Data))
	}

	return buf.Bytes()
}

// ToFileURI converts a local path into a DBGP file URI.
// Already-qualified URIs pass through unchanged.
func ToFileURI(path string) string {
	if strings.Contains(path, "://") {
		return path
	}
	return "file://" + path
}
