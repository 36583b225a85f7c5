// Copyright (c) the dbgpmuxd authors.
// Licensed under the MIT License.

package dbgp

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInitMessage(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(initXML("file:///var/www/index.php", "session-1")))
	require.NoError(t, err)

	init, ok := msg.(*InitMessage)
	require.True(t, ok)
	assert.Equal(t, "file:///var/www/index.php", init.FileURI)
	assert.Equal(t, "session-1", init.IDEKey)
	assert.Equal(t, "31337", init.AppID)
	assert.Equal(t, "PHP", init.Language)
	assert.Equal(t, "Xdebug", init.Engine.Name)
	assert.Equal(t, "2.9.0", init.Engine.Version)
}

func TestDecodeResponseStatus(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(statusResponseXML("run", 7, "break")))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, "run", resp.Command)
	assert.Equal(t, 7, resp.TransactionID)
	assert.Equal(t, "break", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestDecodeResponseError(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(errorResponseXML("eval", 3, 206, "invalid expression")))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, 206, resp.Error.Code)
	assert.Equal(t, "invalid expression", resp.Error.Message)
}

func TestDecodeResponseStack(t *testing.T) {
	t.Parallel()

	msg, err := DecodeMessage([]byte(stackResponseXML(4, "file:///srv/app.php", 42)))
	require.NoError(t, err)

	resp, ok := msg.(*Response)
	require.True(t, ok)
	require.Len(t, resp.Stack, 1)
	assert.Equal(t, "file:///srv/app.php", resp.Stack[0].Filename)
	assert.Equal(t, 42, resp.Stack[0].Line)
	assert.Equal(t, "main", resp.Stack[0].Where)
}

func TestDecodeStreamBase64(t *testing.T) {
	t.Parallel()

	// "hello\n" base64-encoded.
	payload := `<?xml version="1.0"?><stream xmlns="urn:debugger_protocol_v1" type="stdout" encoding="base64">aGVsbG8K</stream>`

	msg, err := DecodeMessage([]byte(payload))
	require.NoError(t, err)

	stream, ok := msg.(*StreamMessage)
	require.True(t, ok)
	assert.Equal(t, "stdout", stream.Type)
	assert.Equal(t, "hello\n", stream.DecodedContent())
}

func TestDecodeMessageUnknownElement(t *testing.T) {
	t.Parallel()

	_, err := DecodeMessage([]byte(`<?xml version="1.0"?><notify name="x"></notify>`))
	assert.Error(t, err)
}

func TestPropertyDecodedValue(t *testing.T) {
	t.Parallel()

	plain := Property{Value: "42"}
	assert.Equal(t, "42", plain.DecodedValue())

	encoded := Property{Encoding: "base64", Value: "aGVsbG8="}
	assert.Equal(t, "hello", encoded.DecodedValue())

	garbage := Property{Encoding: "base64", Value: "!!!"}
	assert.Equal(t, "!!!", garbage.DecodedValue())
}

func TestReadFrame(t *testing.T) {
	t.Parallel()

	payload, err := readFrame(bufio.NewReader(strings.NewReader("5\x00hello\x00")))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestReadFrameInvalidLength(t *testing.T) {
	t.Parallel()

	_, err := readFrame(bufio.NewReader(strings.NewReader("abc\x00hello\x00")))
	assert.Error(t, err)
}

func TestReadFrameLengthOutOfRange(t *testing.T) {
	t.Parallel()

	_, err := readFrame(bufio.NewReader(strings.NewReader("999999999999\x00")))
	assert.Error(t, err)

	_, err = readFrame(bufio.NewReader(strings.NewReader("0\x00\x00")))
	assert.Error(t, err)
}

func TestReadFrameMissingTerminator(t *testing.T) {
	t.Parallel()

	_, err := readFrame(bufio.NewReader(strings.NewReader("5\x00helloX")))
	assert.Error(t, err)
}

func TestCommandEncode(t *testing.T) {
	t.Parallel()

	cmd := &Command{
		Name:          "breakpoint_set",
		TransactionID: 12,
		Options: []CommandOption{
			{Flag: "t", Value: "line"},
			{Flag: "f", Value: "file:///srv/app.php"},
			{Flag: "n", Value: "10"},
		},
	}
	assert.Equal(t, "breakpoint_set -i 12 -t line -f file:///srv/app.php -n 10", string(cmd.encode()))
}

func TestCommandEncodeQuotesSpaces(t *testing.T) {
	t.Parallel()

	cmd := &Command{
		Name:          "property_get",
		TransactionID: 1,
		Options:       []CommandOption{{Flag: "n", Value: "$arr[my key]"}},
	}
	assert.Equal(t, `property_get -i 1 -n "$arr[my key]"`, string(cmd.encode()))
}

func TestCommandEncodeData(t *testing.T) {
	t.Parallel()

	cmd := &Command{Name: "eval", TransactionID: 2, Data: []byte("1+1")}
	// "1+1" base64-encoded is MSsx.
	assert.Equal(t, "eval -i 2 -- MSsx", string(cmd.encode()))
}

func TestToFileURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "file:///srv/app.php", ToFileURI("/srv/app.php"))
	assert.Equal(t, "file:///srv/app.php", ToFileURI("file:///srv/app.php"))
	assert.Equal(t, "phar:///srv/app.phar/x.php", ToFileURI("phar:///srv/app.phar/x.php"))
}
