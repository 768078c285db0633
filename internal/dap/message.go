// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sync"

	"github.com/google/go-dap"
)

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// NewResponse returns a successful response header for the given request.
// The sequence number is assigned when the response is written.
func NewResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: string(RoleResponse)},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

// NewErrorResponse returns a failure response for the given request.
func NewErrorResponse(req *dap.Request, message string) *dap.ErrorResponse {
	resp := &dap.ErrorResponse{Response: NewResponse(req)}
	resp.Success = false
	resp.Message = message
	resp.Body.Error = &dap.ErrorMessage{
		Id:       1,
		Format:   message,
		ShowUser: true,
	}
	return resp
}

// NewEvent returns an event header with the given event name.
func NewEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: string(RoleEvent)},
		Event:           name,
	}
}

// NewOutputEvent returns an output event; category is "console", "stdout" or "stderr".
func NewOutputEvent(category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: NewEvent("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	}
}

func NewInitializedEvent() *dap.InitializedEvent {
	return &dap.InitializedEvent{Event: NewEvent("initialized")}
}

func NewTerminatedEvent() *dap.TerminatedEvent {
	return &dap.TerminatedEvent{Event: NewEvent("terminated")}
}

// DefaultCapabilities are the capabilities advertised in the initialize response.
func DefaultCapabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsFunctionBreakpoints:      true,
		SupportsEvaluateForHovers:        true,
		SupportsCancelRequest:            true,
		SupportsTerminateRequest:         true,
	}
}
