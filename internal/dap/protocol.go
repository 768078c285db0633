// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultHandshakeTimeout = 30 * time.Second

	// Upper bound on messages forwarded from the backend in one Check() call,
	// so that a chatty debuggee cannot starve client requests.
	maxOutgoingPerCheck = 256
)

// ProtocolState is the state of the initialization handshake.
type ProtocolState int

const (
	WaitingInitRequest ProtocolState = iota
	Done
)

func (s ProtocolState) String() string {
	switch s {
	case WaitingInitRequest:
		return "waiting for initialize request"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// MessageCallback receives every message decoded after the handshake.
type MessageCallback func(msg dap.Message)

// OutgoingSource returns the next message to send to the client, or false if there is none.
type OutgoingSource func() (dap.Message, bool)

type ProtocolConfig struct {
	// Registry used to decode incoming payloads. Defaults to DefaultRegistry.
	Registry *Registry

	// How long each read attempt waits for data. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// Maximum time Handshake waits for the initialize request. Zero means wait until the context is done.
	HandshakeTimeout time.Duration

	// Capabilities sent in the initialize response. Defaults to DefaultCapabilities().
	Capabilities *dap.Capabilities

	Logger logr.Logger
}

// ServerProtocol drives one client connection: the initialization handshake first,
// then repeated Check() calls that exchange messages between the client and the driver.
// All methods must be called from a single goroutine.
type ServerProtocol struct {
	conn             Connection
	codec            *Codec
	state            ProtocolState
	pollInterval     time.Duration
	handshakeTimeout time.Duration
	capabilities     dap.Capabilities
	onMessage        MessageCallback
	outgoing         OutgoingSource
	log              logr.Logger
}

func NewServerProtocol(conn Connection, config ProtocolConfig) *ServerProtocol {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	capabilities := DefaultCapabilities()
	if config.Capabilities != nil {
		capabilities = *config.Capabilities
	}

	return &ServerProtocol{
		conn:             conn,
		codec:            NewCodec(config.Registry),
		state:            WaitingInitRequest,
		pollInterval:     pollInterval,
		handshakeTimeout: config.HandshakeTimeout,
		capabilities:     capabilities,
		log:              log,
	}
}

// SetNetworkCallback sets the function that receives messages decoded by Check().
func (p *ServerProtocol) SetNetworkCallback(cb MessageCallback) {
	p.onMessage = cb
}

// SetOutgoingSource sets the function Check() drains to find messages for the client.
func (p *ServerProtocol) SetOutgoingSource(src OutgoingSource) {
	p.outgoing = src
}

func (p *ServerProtocol) State() ProtocolState {
	return p.state
}

// Handshake waits for the client's initialize request and answers it with an initialize response
// followed by an initialized event. Anything the client sends before the initialize request is dropped.
//
// Bytes received after the initialize request stay buffered for Check().
func (p *ServerProtocol) Handshake(ctx context.Context) error {
	if p.state == Done {
		return nil
	}

	var deadline <-chan time.Time
	if p.handshakeTimeout > 0 {
		timer := time.NewTimer(p.handshakeTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for p.state == WaitingInitRequest {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w (waited %s)", ErrHandshakeTimeout, p.handshakeTimeout)
		default:
		}

		if readErr := p.readOnce(); readErr != nil {
			return readErr
		}

		for p.state == WaitingInitRequest {
			msg, decodeErr := p.nextMessage()
			if decodeErr != nil {
				return decodeErr
			}
			if msg == nil {
				break
			}

			initReq, isInit := msg.(*dap.InitializeRequest)
			if !isInit {
				p.log.V(1).Info("Dropping message received before the initialize request", "message", describeMessage(msg))
				continue
			}

			if respondErr := p.respondToInitialize(initReq); respondErr != nil {
				return respondErr
			}
			p.state = Done
		}
	}

	p.log.V(1).Info("Initialization handshake completed")
	return nil
}

func (p *ServerProtocol) respondToInitialize(req *dap.InitializeRequest) error {
	p.log.Info("Client initializing", "clientID", req.Arguments.ClientID, "adapterID", req.Arguments.AdapterID)

	resp := &dap.InitializeResponse{
		Response: NewResponse(&req.Request),
		Body:     p.capabilities,
	}
	if writeErr := p.conn.WriteMessage(resp); writeErr != nil {
		return writeErr
	}
	return p.conn.WriteMessage(NewInitializedEvent())
}

// Check makes one read attempt, dispatches at most one decoded message to the network callback,
// then sends everything the outgoing source has ready.
//
// A returned error is fatal for the connection.
func (p *ServerProtocol) Check() error {
	if readErr := p.readOnce(); readErr != nil {
		return readErr
	}

	msg, decodeErr := p.nextMessage()
	if decodeErr != nil {
		return decodeErr
	}
	if msg != nil && p.onMessage != nil {
		p.onMessage(msg)
	}

	return p.flushOutgoing()
}

func (p *ServerProtocol) flushOutgoing() error {
	if p.outgoing == nil {
		return nil
	}

	for i := 0; i < maxOutgoingPerCheck; i++ {
		msg, ok := p.outgoing()
		if !ok {
			return nil
		}
		if writeErr := p.conn.WriteMessage(msg); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

func (p *ServerProtocol) readOnce() error {
	data, readErr := p.conn.Read(p.pollInterval)
	if readErr != nil {
		return readErr
	}
	if len(data) > 0 {
		p.codec.AppendBuffer(data)
	}
	return nil
}

// nextMessage returns the next decodable message from the buffer, skipping dropped frames.
// Returns (nil, nil) if the buffer holds no complete frame.
func (p *ServerProtocol) nextMessage() (dap.Message, error) {
	for {
		msg, decodeErr := p.codec.ProcessBuffer()
		switch {
		case decodeErr == nil:
			if msg != nil && p.log.V(1).Enabled() {
				p.log.V(1).Info("Received DAP message", "message", describeMessage(msg))
			}
			return msg, nil

		case IsDroppedFrame(decodeErr):
			p.log.V(1).Info("Dropping DAP frame", "reason", decodeErr.Error())

		case errors.Is(decodeErr, ErrInvalidContentLength):
			return nil, decodeErr

		default:
			return nil, fmt.Errorf("failed to decode DAP frame: %w", decodeErr)
		}
	}
}
