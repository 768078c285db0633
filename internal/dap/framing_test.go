// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
)

func frame(payload string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(payload), payload)
}

const launchPayload = `{"seq":1,"type":"request","command":"launch","arguments":{"program":"/bin/true"}}`

func TestProcessBufferSingleFrame(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	c.AppendBuffer([]byte(frame(launchPayload)))

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	launch, ok := msg.(*dap.LaunchRequest)
	require.True(t, ok, "expected LaunchRequest, got %T", msg)
	require.Equal(t, 1, launch.Seq)
	require.Equal(t, "launch", launch.Command)
	require.JSONEq(t, `{"program":"/bin/true"}`, string(launch.Arguments))
	require.Equal(t, 0, c.Len())

	msg, err = c.ProcessBuffer()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestProcessBufferPartialFrame(t *testing.T) {
	t.Parallel()

	full := frame(launchPayload)
	headerLen := len(full) - len(launchPayload)

	c := NewCodec(nil)
	c.AppendBuffer([]byte(full[:headerLen]))

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Equal(t, headerLen, c.Len(), "an incomplete frame must not be consumed")

	// Half of the body is still not enough.
	c.AppendBuffer([]byte(launchPayload[:10]))
	msg, err = c.ProcessBuffer()
	require.NoError(t, err)
	require.Nil(t, msg)

	c.AppendBuffer([]byte(launchPayload[10:]))
	msg, err = c.ProcessBuffer()
	require.NoError(t, err)
	require.IsType(t, &dap.LaunchRequest{}, msg)
	require.Equal(t, 0, c.Len())
}

func TestProcessBufferIncompleteHeader(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	c.AppendBuffer([]byte("Content-Len"))
	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Equal(t, len("Content-Len"), c.Len())
}

func TestProcessBufferMultipleFrames(t *testing.T) {
	t.Parallel()

	second := `{"seq":2,"type":"request","command":"threads"}`
	c := NewCodec(nil)
	c.AppendBuffer([]byte(frame(launchPayload) + frame(second)))

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.IsType(t, &dap.LaunchRequest{}, msg)
	require.Equal(t, len(frame(second)), c.Len(), "leftover bytes stay buffered for the next frame")

	msg, err = c.ProcessBuffer()
	require.NoError(t, err)
	threads, ok := msg.(*dap.ThreadsRequest)
	require.True(t, ok)
	require.Equal(t, 2, threads.Seq)
	require.Equal(t, 0, c.Len())
}

func TestProcessBufferMissingContentLength(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	c.AppendBuffer([]byte("X-Foo: 1\r\n\r\n{}"))

	msg, err := c.ProcessBuffer()
	require.ErrorIs(t, err, ErrMissingContentLength)
	require.True(t, IsDroppedFrame(err))
	require.Nil(t, msg)
	require.Equal(t, len("{}"), c.Len(), "the header section is discarded")

	// Repeated calls make progress instead of looping on the same header.
	msg, err = c.ProcessBuffer()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestProcessBufferMissingContentLengthFollowedByValidFrame(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	c.AppendBuffer([]byte("X-Foo: 1\r\n\r\n" + frame(launchPayload)))

	_, err := c.ProcessBuffer()
	require.ErrorIs(t, err, ErrMissingContentLength)

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.IsType(t, &dap.LaunchRequest{}, msg)
}

func TestProcessBufferInvalidContentLength(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"0", "-5", "abc", "", "9223372036854775807", "9223372036854775800", "99999999999999999999"} {
		t.Run(value, func(t *testing.T) {
			t.Parallel()

			input := "Content-Length: " + value + "\r\n\r\n{}"
			c := NewCodec(nil)
			c.AppendBuffer([]byte(input))

			var msg dap.Message
			var err error
			require.NotPanics(t, func() { msg, err = c.ProcessBuffer() })
			require.ErrorIs(t, err, ErrInvalidContentLength)
			require.False(t, IsDroppedFrame(err))
			require.Nil(t, msg)
			require.Equal(t, len(input), c.Len(), "the buffer must not be consumed")
		})
	}
}

func TestProcessBufferHeadersAreCaseInsensitive(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	input := fmt.Sprintf("content-type: application/vscode-jsonrpc; charset=utf-8\r\nCONTENT-LENGTH:%d\r\n\r\n%s", len(launchPayload), launchPayload)
	c.AppendBuffer([]byte(input))

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.IsType(t, &dap.LaunchRequest{}, msg)
}

func TestProcessBufferDropsBadPayloads(t *testing.T) {
	t.Parallel()

	c := NewCodec(nil)
	c.AppendBuffer([]byte(frame(`{"seq":1,"type":"request"`)))
	c.AppendBuffer([]byte(frame(`{"seq":2,"type":"request","command":"doSomethingNew"}`)))
	c.AppendBuffer([]byte(frame(launchPayload)))

	_, err := c.ProcessBuffer()
	require.ErrorIs(t, err, ErrMalformedJSON)

	_, err = c.ProcessBuffer()
	require.ErrorIs(t, err, ErrUnknownMessage)

	msg, err := c.ProcessBuffer()
	require.NoError(t, err)
	require.IsType(t, &dap.LaunchRequest{}, msg)
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	req := &dap.NextRequest{Request: newRequest("next")}
	req.Seq = 153
	req.Arguments.ThreadId = 3

	data, err := Encode(req)
	require.NoError(t, err)
	require.Regexp(t, `^Content-Length: \d+\r\n\r\n\{`, string(data))

	c := NewCodec(nil)
	c.AppendBuffer(data)
	msg, err := c.ProcessBuffer()
	require.NoError(t, err)

	decoded, ok := msg.(*dap.NextRequest)
	require.True(t, ok)
	require.Equal(t, 153, decoded.Seq)
	require.Equal(t, "next", decoded.Command)
	require.Equal(t, 3, decoded.Arguments.ThreadId)

	_, err = Encode(nil)
	require.ErrorIs(t, err, ErrNilMessage)
}

func TestEncodeByteAtATime(t *testing.T) {
	t.Parallel()

	evt := NewOutputEvent("stdout", "héllo wörld\n")
	evt.Seq = 9
	data, err := Encode(evt)
	require.NoError(t, err)

	c := NewCodec(nil)
	var got dap.Message
	for i := range data {
		c.AppendBuffer(data[i : i+1])
		msg, decodeErr := c.ProcessBuffer()
		require.NoError(t, decodeErr)
		if msg != nil {
			require.Equal(t, len(data)-1, i, "message must only be produced by the final byte")
			got = msg
		}
	}

	output, ok := got.(*dap.OutputEvent)
	require.True(t, ok)
	require.Equal(t, "héllo wörld\n", output.Body.Output)
	require.Equal(t, 9, output.Seq)
}
