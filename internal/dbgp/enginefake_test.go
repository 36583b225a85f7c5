/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dbgp

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCommand is one parsed IDE-to-engine command line received by the fake
// engine.
type fakeCommand struct {
	Name string
	Txn  int
	Args map[string]string
	Data string
}

// fakeEngine scripts the engine side of a DBGP connection over an in-memory
// pipe. Command handlers return the XML payloads to send back; commands
// without a handler are swallowed.
type fakeEngine struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(fakeCommand) []string
	commands []fakeCommand
}

// newFakeEngine wires a fake engine to a Transport over net.Pipe. Breakpoint
// commands get working default handlers since most tests need them.
func newFakeEngine(t *testing.T) (*fakeEngine, Transport) {
	t.Helper()

	clientSide, engineSide := net.Pipe()
	return newFakeEngineConn(t, engineSide), NewConnTransport(clientSide)
}

// newFakeEngineConn scripts the engine side of an existing connection, e.g.
// a TCP socket dialed against a live connector.
func newFakeEngineConn(t *testing.T, conn net.Conn) *fakeEngine {
	t.Helper()

	e := &fakeEngine{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		handlers: make(map[string]func(fakeCommand) []string),
	}

	e.handle("breakpoint_set", func(cmd fakeCommand) []string {
		return []string{breakpointSetResponseXML(cmd.Txn, fmt.Sprintf("engine-bp-%d", cmd.Txn))}
	})
	e.handle("breakpoint_remove", func(cmd fakeCommand) []string {
		return []string{statusResponseXML("breakpoint_remove", cmd.Txn, "")}
	})

	go e.serve()
	t.Cleanup(e.close)

	return e
}

func (e *fakeEngine) handle(name string, fn func(fakeCommand) []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = fn
}

// respondStatus makes the engine answer status queries with the given status.
func (e *fakeEngine) respondStatus(status string) {
	e.handle("status", func(cmd fakeCommand) []string {
		return []string{statusResponseXML("status", cmd.Txn, status)}
	})
}

// onContinuation makes a continuation command (run, step_over, ...) come back
// with the given status, as an engine does when execution pauses again.
func (e *fakeEngine) onContinuation(name string, resultStatus string) {
	e.handle(name, func(cmd fakeCommand) []string {
		return []string{statusResponseXML(name, cmd.Txn, resultStatus)}
	})
}

func (e *fakeEngine) serve() {
	for {
		line, readErr := e.reader.ReadString(0)
		if readErr != nil {
			return
		}

		cmd := parseFakeCommand(strings.TrimSuffix(line, "\x00"))

		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		handler := e.handlers[cmd.Name]
		e.mu.Unlock()

		if handler == nil {
			continue
		}
		for _, payload := range handler(cmd) {
			e.sendFrame(payload)
		}
	}
}

// sendFrame writes one engine-to-IDE frame: decimal length, NUL, XML, NUL.
func (e *fakeEngine) sendFrame(payload string) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	fmt.Fprintf(e.conn, "%d\x00%s\x00", len(payload), payload)
}

// sendStream pushes an unsolicited stream message carrying target output.
func (e *fakeEngine) sendStream(category, text string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	e.sendFrame(fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><stream xmlns="urn:debugger_protocol_v1" type="%s" encoding="base64">%s</stream>`,
		category, encoded))
}

// waitForCommand blocks until the engine has received a command by name.
func (e *fakeEngine) waitForCommand(t *testing.T, name string) fakeCommand {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		for _, cmd := range e.commands {
			if cmd.Name == name {
				e.mu.Unlock()
				return cmd
			}
		}
		e.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %q command", name)
	return fakeCommand{}
}

func (e *fakeEngine) commandCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	count := 0
	for _, cmd := range e.commands {
		if cmd.Name == name {
			count++
		}
	}
	return count
}

func (e *fakeEngine) close() {
	e.conn.Close()
}

func parseFakeCommand(line string) fakeCommand {
	cmd := fakeCommand{Args: make(map[string]string)}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return cmd
	}
	cmd.Name = fields[0]

	i := 1
	for i < len(fields) {
		field := fields[i]

		if field == "--" {
			decoded, _ := base64.StdEncoding.DecodeString(strings.Join(fields[i+1:], ""))
			cmd.Data = string(decoded)
			break
		}

		if strings.HasPrefix(field, "-") && i+1 < len(fields) {
			value := strings.Trim(fields[i+1], `"`)
			if field == "-i" {
				cmd.Txn, _ = strconv.Atoi(value)
			} else {
				cmd.Args[strings.TrimPrefix(field, "-")] = value
			}
			i += 2
			continue
		}

		i++
	}

	return cmd
}

// frameBytes wraps an XML payload in the engine-to-IDE frame format.
func frameBytes(payload string) []byte {
	return []byte(fmt.Sprintf("%d\x00%s\x00", len(payload), payload))
}

func initXML(fileURI, ideKey string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><init xmlns="urn:debugger_protocol_v1" fileuri="%s" idekey="%s" appid="31337" language="PHP" protocol_version="1.0"><engine version="2.9.0"><![CDATA[Xdebug]]></engine></init>`,
		fileURI, ideKey)
}

func statusResponseXML(command string, txn int, status string) string {
	statusAttr := ""
	if status != "" {
		statusAttr = fmt.Sprintf(` status="%s" reason="ok"`, status)
	}
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="%s" transaction_id="%d"%s></response>`,
		command, txn, statusAttr)
}

func breakResponseXML(txn int, success string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="break" transaction_id="%d" success="%s"></response>`,
		txn, success)
}

func breakpointSetResponseXML(txn int, engineID string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="breakpoint_set" transaction_id="%d" id="%s"></response>`,
		txn, engineID)
}

func stackResponseXML(txn int, filename string, line int) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="stack_get" transaction_id="%d"><stack level="0" type="file" filename="%s" lineno="%d" where="main"/></response>`,
		txn, filename, line)
}

func contextNamesResponseXML(txn int) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="context_names" transaction_id="%d"><context name="Locals" id="0"/><context name="Superglobals" id="1"/></response>`,
		txn)
}

func propertyResponseXML(command string, txn int, name, value string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="%s" transaction_id="%d"><property name="%s" fullname="$%s" type="string">%s</property></response>`,
		command, txn, name, name, value)
}

func errorResponseXML(command string, txn int, code int, message string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><response xmlns="urn:debugger_protocol_v1" command="%s" transaction_id="%d"><error code="%d"><message>%s</message></error></response>`,
		command, txn, code, message)
}
