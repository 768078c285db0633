/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/dapgdb/dapgdb/pkg/resiliency"
	"github.com/dapgdb/dapgdb/pkg/socket"
)

const testClientPollInterval = 10 * time.Millisecond

// TestClient is a DAP client for testing purposes.
// It provides helper methods for common DAP operations.
// Methods must be called from a single goroutine.
type TestClient struct {
	sock   *socket.Socket
	reader *socket.Reader
	codec  *Codec
	seq    *sequenceCounter

	// Messages received while waiting for something else, in arrival order.
	pending []dap.Message
}

// DialTestClient connects to a DAP server, retrying until the server accepts the connection
// or the context is done.
func DialTestClient(ctx context.Context, endpoint Endpoint) (*TestClient, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
	conn, dialErr := resiliency.RetryGet(ctx, b, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, endpoint.Network, endpoint.Address)
	})
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, dialErr)
	}
	return NewTestClient(conn), nil
}

func NewTestClient(conn net.Conn) *TestClient {
	sock := socket.New(conn)
	return &TestClient{
		sock:   sock,
		reader: socket.StartReader(sock, logr.Discard()),
		codec:  NewCodec(nil),
		seq:    newSequenceCounter(),
	}
}

func (c *TestClient) Close() {
	_ = c.sock.Close()
	c.reader.Stop()
}

// SendRaw writes bytes to the server as-is.
func (c *TestClient) SendRaw(data []byte) error {
	return c.sock.Send(data)
}

// Send writes a message to the server, assigning the next sequence number if the message has none.
// Returns the sequence number of the message.
func (c *TestClient) Send(msg dap.Message) (int, error) {
	pm := protocolMessage(msg)
	if pm == nil {
		return 0, fmt.Errorf("cannot send %T", msg)
	}
	if pm.Seq == 0 {
		pm.Seq = c.seq.Next()
	}

	frame, encodeErr := Encode(msg)
	if encodeErr != nil {
		return 0, encodeErr
	}
	return pm.Seq, c.sock.Send(frame)
}

// ReadMessage returns the next message from the server, in arrival order.
func (c *TestClient) ReadMessage(ctx context.Context) (dap.Message, error) {
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}
	return c.next(ctx)
}

// Request sends a request and waits for the response to it.
// Other messages received in the meantime are kept for ReadMessage and WaitForEvent.
func (c *TestClient) Request(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	seq, sendErr := c.Send(req)
	if sendErr != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", req.GetRequest().Command, sendErr)
	}

	for i, msg := range c.pending {
		if resp, ok := AsResponse(msg); ok && resp.RequestSeq == seq {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg, nil
		}
	}

	for {
		msg, readErr := c.next(ctx)
		if readErr != nil {
			return nil, readErr
		}
		if resp, ok := AsResponse(msg); ok && resp.RequestSeq == seq {
			return msg, nil
		}
		c.pending = append(c.pending, msg)
	}
}

// WaitForEvent returns the first event with the given name, including events already received.
func (c *TestClient) WaitForEvent(ctx context.Context, name string) (dap.Message, error) {
	for i, msg := range c.pending {
		if evt, ok := AsEvent(msg); ok && evt.Event == name {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg, nil
		}
	}

	for {
		msg, readErr := c.next(ctx)
		if readErr != nil {
			return nil, readErr
		}
		if evt, ok := AsEvent(msg); ok && evt.Event == name {
			return msg, nil
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *TestClient) next(ctx context.Context) (dap.Message, error) {
	for {
		msg, decodeErr := c.codec.ProcessBuffer()
		if decodeErr != nil && !IsDroppedFrame(decodeErr) {
			return nil, decodeErr
		}
		if msg != nil {
			return msg, nil
		}
		if decodeErr != nil {
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		chunk, ok := c.reader.Pop(testClientPollInterval)
		if ok {
			c.codec.AppendBuffer(chunk)
			continue
		}
		if readErr := c.reader.Err(); readErr != nil {
			if chunk, ok = c.reader.Pop(0); ok {
				c.codec.AppendBuffer(chunk)
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrTransport, readErr)
		}
	}
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: string(RoleRequest)},
		Command:         command,
	}
}

// asSuccess converts a failure response into an error.
func asSuccess[T dap.ResponseMessage](msg dap.Message) (T, error) {
	var zero T
	if errResp, isErr := msg.(*dap.ErrorResponse); isErr {
		return zero, fmt.Errorf("%s request failed: %s", errResp.Command, errResp.Message)
	}
	typed, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected response type %T", msg)
	}
	return typed, nil
}

// Initialize performs the initialize request and waits for the initialized event.
func (c *TestClient) Initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{Request: newRequest("initialize")}
	req.Arguments = dap.InitializeRequestArguments{
		ClientID:        "test-client",
		AdapterID:       "dapgdb",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	}

	msg, reqErr := c.Request(ctx, req)
	if reqErr != nil {
		return nil, reqErr
	}
	resp, respErr := asSuccess[*dap.InitializeResponse](msg)
	if respErr != nil {
		return nil, respErr
	}

	if _, evtErr := c.WaitForEvent(ctx, "initialized"); evtErr != nil {
		return nil, fmt.Errorf("did not receive the initialized event: %w", evtErr)
	}
	return resp, nil
}

func (c *TestClient) Launch(ctx context.Context, args LaunchArguments) (*dap.LaunchResponse, error) {
	rawArgs, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return nil, marshalErr
	}
	req := &dap.LaunchRequest{Request: newRequest("launch"), Arguments: rawArgs}

	msg, reqErr := c.Request(ctx, req)
	if reqErr != nil {
		return nil, reqErr
	}
	return asSuccess[*dap.LaunchResponse](msg)
}

func (c *TestClient) SetBreakpoints(ctx context.Context, path string, lines ...int) (*dap.SetBreakpointsResponse, error) {
	req := &dap.SetBreakpointsRequest{Request: newRequest("setBreakpoints")}
	req.Arguments.Source = dap.Source{Path: path}
	for _, line := range lines {
		req.Arguments.Breakpoints = append(req.Arguments.Breakpoints, dap.SourceBreakpoint{Line: line})
	}

	msg, reqErr := c.Request(ctx, req)
	if reqErr != nil {
		return nil, reqErr
	}
	return asSuccess[*dap.SetBreakpointsResponse](msg)
}

func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	msg, reqErr := c.Request(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	if reqErr != nil {
		return reqErr
	}
	_, respErr := asSuccess[*dap.ConfigurationDoneResponse](msg)
	return respErr
}

func (c *TestClient) Threads(ctx context.Context) (*dap.ThreadsResponse, error) {
	msg, reqErr := c.Request(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if reqErr != nil {
		return nil, reqErr
	}
	return asSuccess[*dap.ThreadsResponse](msg)
}

func (c *TestClient) Disconnect(ctx context.Context) error {
	msg, reqErr := c.Request(ctx, &dap.DisconnectRequest{Request: newRequest("disconnect")})
	if reqErr != nil {
		return reqErr
	}
	_, respErr := asSuccess[*dap.DisconnectResponse](msg)
	return respErr
}

// ExpectClosed waits until the server closes the connection.
func (c *TestClient) ExpectClosed(ctx context.Context) error {
	for {
		_, readErr := c.next(ctx)
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, ErrTransport):
			return nil
		default:
			return readErr
		}
	}
}
