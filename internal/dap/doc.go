/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements the server side of the Debug Adapter Protocol (DAP)
for a single IDE client at a time, translating requests into calls on a
debugger Backend and relaying what the backend produces back to the client.

# Architecture Overview

Bytes flow from the client connection through four layers:

  - Server: owns the listening socket and the single active client connection.
    A reader goroutine per connection queues raw chunks; Read(timeout) pops them.
  - Codec: accumulates bytes (AppendBuffer) and extracts one
    Content-Length-delimited frame per ProcessBuffer call.
  - Registry: maps the wire tags (type, command/event) of a decoded JSON
    payload to a concrete go-dap message struct.
  - ServerProtocol: runs the initialization handshake, then one Check() per
    poll cycle which dispatches at most one incoming message and forwards
    everything the backend has produced since the last cycle.

The Driver sits between ServerProtocol and the Backend. It owns the handler
table keyed by request command.

# Wire Format

	Content-Length: <N>\r\n
	\r\n
	<N bytes of UTF-8 JSON>

Header names are case-insensitive. Frames that lack a Content-Length header,
carry malformed JSON or name an unregistered command/event are dropped. A
Content-Length that is not a positive integer leaves the stream in an unknown
state and ends the session.

# Error Handling

There are two error channels:

  - A handler (or the backend it calls) that returns an error or panics
    produces a failure response (success=false) carrying the error text,
    the request command and the request sequence number. The session goes on.
  - Transport faults (read or write failures, the peer closing the connection)
    are returned from Handshake() and Check() wrapped in ErrTransport and end the session.

# Usage

	err := dap.Serve(ctx, dap.ServeConfig{
		ConnectionString: "tcp://127.0.0.1:4711",
		NewBackend: func(log logr.Logger) (dap.Backend, error) {
			return gdb.NewBackend(gdb.Config{Logger: log}), nil
		},
		Logger: log,
	})
*/
package dap
