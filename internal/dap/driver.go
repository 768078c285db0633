// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/dapgdb/dapgdb/pkg/resiliency"
)

// Handler processes one request. A returned error (or a panic) becomes a failure response.
type Handler func(req dap.RequestMessage) error

// Driver dispatches client requests to a Backend and collects the messages to send back.
// It is used from the session goroutine only.
type Driver struct {
	backend      Backend
	handlers     map[string]Handler
	outbox       []dap.Message
	disconnected bool
	log          logr.Logger
}

func NewDriver(backend Backend, log logr.Logger) *Driver {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	d := &Driver{
		backend:  backend,
		handlers: map[string]Handler{},
		log:      log,
	}

	d.Register("launch", handle(d.onLaunch))
	d.Register("setBreakpoints", handle(backend.OnSetBreakpoints))
	d.Register("configurationDone", handle(backend.OnConfigurationDoneRequest))
	d.Register("threads", handle(backend.OnThreads))
	d.Register("scopes", handle(backend.OnScopes))
	d.Register("cancel", handle(d.onCancel))

	if eb, ok := backend.(ExecutionBackend); ok {
		d.Register("setFunctionBreakpoints", handle(eb.OnSetFunctionBreakpoints))
		d.Register("stackTrace", handle(eb.OnStackTrace))
		d.Register("variables", handle(eb.OnVariables))
		d.Register("continue", handle(eb.OnContinue))
		d.Register("next", handle(eb.OnNext))
		d.Register("stepIn", handle(eb.OnStepIn))
		d.Register("stepOut", handle(eb.OnStepOut))
		d.Register("pause", handle(eb.OnPause))
		d.Register("evaluate", handle(eb.OnEvaluate))
		d.Register("disconnect", handle(func(req *dap.DisconnectRequest) error {
			d.disconnected = true
			return eb.OnDisconnect(req)
		}))
		d.Register("terminate", handle(func(req *dap.TerminateRequest) error {
			d.disconnected = true
			return eb.OnTerminate(req)
		}))
	} else {
		d.Register("disconnect", handle(d.onDisconnect))
		d.Register("terminate", handle(d.onTerminate))
	}

	return d
}

// handle adapts a typed handler to the Handler signature.
func handle[T dap.RequestMessage](typed func(T) error) Handler {
	return func(req dap.RequestMessage) error {
		concrete, ok := req.(T)
		if !ok {
			return fmt.Errorf("unexpected arguments for '%s' request", req.GetRequest().Command)
		}
		return typed(concrete)
	}
}

// Register sets the handler for a request command, replacing any existing handler.
func (d *Driver) Register(command string, h Handler) {
	d.handlers[command] = h
}

// OnNetworkMessage dispatches a message received from the client.
// Messages other than requests, and requests without a handler, are ignored.
func (d *Driver) OnNetworkMessage(msg dap.Message) {
	reqMsg, isRequest := msg.(dap.RequestMessage)
	if !isRequest {
		d.log.V(1).Info("Ignoring non-request message from client", "message", describeMessage(msg))
		return
	}

	req := reqMsg.GetRequest()
	h, found := d.handlers[req.Command]
	if !found {
		d.log.V(1).Info("No handler for request", "command", req.Command, "seq", req.Seq)
		return
	}

	if handlerErr := d.invoke(h, reqMsg); handlerErr != nil {
		d.log.Info("Request failed", "command", req.Command, "seq", req.Seq, "error", handlerErr.Error())
		d.outbox = append(d.outbox, NewErrorResponse(req, handlerErr.Error()))
	}
}

func (d *Driver) invoke(h Handler, req dap.RequestMessage) (err error) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			_ = resiliency.MakePanicError(panicVal, d.log)
			err = errors.New(resiliency.PanicMessage(panicVal))
		}
	}()
	return h(req)
}

// NextOutgoing returns the next message for the client: the driver's own responses first,
// then debuggee output (as output events), then messages prepared by the backend.
func (d *Driver) NextOutgoing() (dap.Message, bool) {
	if len(d.outbox) > 0 {
		msg := d.outbox[0]
		d.outbox[0] = nil
		d.outbox = d.outbox[1:]
		return msg, true
	}

	stdout, stderr := d.backend.Read()
	if stdout != "" {
		d.outbox = append(d.outbox, NewOutputEvent("stdout", stdout))
	}
	if stderr != "" {
		d.outbox = append(d.outbox, NewOutputEvent("stderr", stderr))
	}
	if len(d.outbox) > 0 {
		return d.NextOutgoing()
	}

	return d.backend.TakeNextMessage()
}

// Disconnected returns true once the client asked to disconnect or terminate.
func (d *Driver) Disconnected() bool {
	return d.disconnected
}

// Close releases the backend if it holds resources.
func (d *Driver) Close() error {
	if closer, ok := d.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (d *Driver) onLaunch(req *dap.LaunchRequest) error {
	args, argsErr := ParseLaunchArguments(req)
	if argsErr != nil {
		return argsErr
	}

	if startErr := d.backend.StartDebugger(args.Program, args.Cwd); startErr != nil {
		return startErr
	}
	return d.backend.OnLaunchRequest(req)
}

// There are no long-running requests to cancel; the request is acknowledged.
func (d *Driver) onCancel(req *dap.CancelRequest) error {
	d.outbox = append(d.outbox, &dap.CancelResponse{Response: NewResponse(&req.Request)})
	return nil
}

func (d *Driver) onDisconnect(req *dap.DisconnectRequest) error {
	d.disconnected = true
	d.outbox = append(d.outbox, &dap.DisconnectResponse{Response: NewResponse(&req.Request)})
	return nil
}

func (d *Driver) onTerminate(req *dap.TerminateRequest) error {
	d.disconnected = true
	d.outbox = append(d.outbox,
		&dap.TerminateResponse{Response: NewResponse(&req.Request)},
		NewTerminatedEvent(),
	)
	return nil
}
