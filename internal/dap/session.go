/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/dapgdb/dapgdb/pkg/resiliency"
)

// BackendFactory creates the backend for a new client session.
type BackendFactory func(log logr.Logger) (Backend, error)

type ServeConfig struct {
	// Where to listen, e.g. "tcp://127.0.0.1:4711" or "unix:///tmp/dapgdb.sock".
	ConnectionString string

	NewBackend BackendFactory

	// See ProtocolConfig.
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	Registry         *Registry

	// Invoked once the server is listening, with the actual address (useful when listening on port 0).
	OnListening func(addr string)

	Logger logr.Logger
}

// Serve accepts clients one at a time and runs a session for each, until the context is cancelled.
// A failed session is logged and the server goes back to accepting clients.
func Serve(ctx context.Context, config ServeConfig) error {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.NewBackend == nil {
		return fmt.Errorf("a backend factory is required")
	}

	server := NewServer(log)
	if startErr := server.Start(ctx, config.ConnectionString); startErr != nil {
		return startErr
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error(closeErr, "Failed to close the DAP server")
		}
	}()

	if config.OnListening != nil {
		config.OnListening(server.Addr().String())
	}

	for ctx.Err() == nil {
		connected, acceptErr := server.WaitForNewConnection()
		if acceptErr != nil {
			if ctx.Err() != nil {
				break
			}
			return acceptErr
		}
		if !connected {
			continue
		}

		sessionLog := log.WithValues("session", uuid.New().String())
		sessionConfig := config
		sessionConfig.Logger = sessionLog
		sessionErr := NewSession(server, sessionConfig).Run(ctx)
		server.CloseConnection()

		switch {
		case sessionErr == nil:
			sessionLog.Info("Debug session ended")
		case IsSessionEnding(sessionErr):
			sessionLog.Info("Debug session ended", "reason", sessionErr.Error())
		default:
			sessionLog.Error(sessionErr, "Debug session failed")
		}
	}

	return nil
}

// Session is one client connection: handshake, then Check() until the client disconnects.
type Session struct {
	conn   Connection
	config ServeConfig
	log    logr.Logger
}

func NewSession(conn Connection, config ServeConfig) *Session {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Session{conn: conn, config: config, log: log}
}

// Run performs the handshake and then services the connection until the context is cancelled,
// a transport error occurs, or the client disconnects.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), s.log); panicErr != nil {
			err = panicErr
		}
	}()

	protocol := NewServerProtocol(s.conn, ProtocolConfig{
		Registry:         s.config.Registry,
		PollInterval:     s.config.PollInterval,
		HandshakeTimeout: s.config.HandshakeTimeout,
		Logger:           s.log,
	})

	if handshakeErr := protocol.Handshake(ctx); handshakeErr != nil {
		return fmt.Errorf("initialization handshake failed: %w", handshakeErr)
	}

	backend, backendErr := s.config.NewBackend(s.log)
	if backendErr != nil {
		return fmt.Errorf("failed to create debugger backend: %w", backendErr)
	}

	driver := NewDriver(backend, s.log)
	defer func() {
		if closeErr := driver.Close(); closeErr != nil {
			s.log.Error(closeErr, "Failed to shut down the debugger backend")
		}
	}()

	disconnectAnswered := false
	protocol.SetNetworkCallback(driver.OnNetworkMessage)
	protocol.SetOutgoingSource(func() (dap.Message, bool) {
		msg, ok := driver.NextOutgoing()
		if ok && isDisconnectResponse(msg) {
			disconnectAnswered = true
		}
		return msg, ok
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if checkErr := protocol.Check(); checkErr != nil {
			return checkErr
		}

		if driver.Disconnected() {
			return flushAfterDisconnect(s.conn, driver, s.config.PollInterval, disconnectAnswered)
		}
	}
}

const disconnectFlushTimeout = time.Second

// flushAfterDisconnect gives the backend a bounded amount of time to deliver the response
// to the disconnect (or terminate) request, and sends whatever else is ready by then.
func flushAfterDisconnect(conn Connection, driver *Driver, pollInterval time.Duration, answered bool) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	deadline := time.Now().Add(disconnectFlushTimeout)
	for time.Now().Before(deadline) {
		msg, ok := driver.NextOutgoing()
		if !ok {
			if answered {
				return nil
			}
			time.Sleep(pollInterval)
			continue
		}

		if isDisconnectResponse(msg) {
			answered = true
		}
		if writeErr := conn.WriteMessage(msg); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

func isDisconnectResponse(msg dap.Message) bool {
	resp, isResponse := AsResponse(msg)
	return isResponse && (resp.Command == "disconnect" || resp.Command == "terminate")
}
