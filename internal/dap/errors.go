/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
)

var (
	// ErrMissingContentLength is returned when a frame header section has no Content-Length header.
	// The header section is discarded.
	ErrMissingContentLength = errors.New("frame is missing the Content-Length header")

	// ErrInvalidContentLength is returned when the Content-Length value is not a positive integer.
	// The buffer is left untouched.
	ErrInvalidContentLength = errors.New("frame has an invalid Content-Length value")

	// ErrMalformedJSON is returned when a frame payload is not a valid DAP JSON object.
	ErrMalformedJSON = errors.New("frame payload is not valid JSON")

	// ErrUnknownMessage is returned when the (type, command/event) pair of a payload is not registered.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrTransport wraps every connection-level failure. Transport errors end the session.
	ErrTransport = errors.New("transport failure")

	// ErrNoConnection is returned when there is no active client connection.
	ErrNoConnection = errors.New("no client connection")

	// ErrNilMessage is returned when asked to write a nil message.
	ErrNilMessage = errors.New("message is nil")

	// ErrHandshakeTimeout is returned when the client does not send an initialize request in time.
	ErrHandshakeTimeout = errors.New("timed out waiting for the initialize request")

	// ErrUnsupportedConnectionString is returned for connection strings that are neither tcp:// nor unix://.
	ErrUnsupportedConnectionString = errors.New("unsupported connection string")
)

// IsDroppedFrame returns true if the error means a single frame was discarded
// and decoding can continue with the rest of the buffer.
func IsDroppedFrame(err error) bool {
	return errors.Is(err, ErrMissingContentLength) ||
		errors.Is(err, ErrMalformedJSON) ||
		errors.Is(err, ErrUnknownMessage)
}

// IsSessionEnding returns true if the error is expected when a session ends normally,
// i.e. the client went away or the server is shutting down.
func IsSessionEnding(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
