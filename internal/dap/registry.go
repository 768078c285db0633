// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/go-dap"
)

// Role is the value of the "type" field of a protocol message.
type Role string

const (
	RoleRequest  Role = "request"
	RoleResponse Role = "response"
	RoleEvent    Role = "event"
)

func (r Role) valid() bool {
	return r == RoleRequest || r == RoleResponse || r == RoleEvent
}

// Factory creates a new, empty instance of a concrete message type.
type Factory func() dap.Message

// Registry maps (role, command-or-event name) pairs to message factories.
// Requests, responses and events have separate namespaces, so the "continue" request
// and the "continue" response resolve to different types.
//
// A Registry is populated before use and only read afterwards;
// lookups are safe for concurrent use once registration is complete.
type Registry struct {
	factories map[Role]map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: map[Role]map[string]Factory{
			RoleRequest:  {},
			RoleResponse: {},
			RoleEvent:    {},
		},
	}
}

// Register adds a factory. Registering the same (role, name) pair twice is an error.
func (r *Registry) Register(role Role, name string, factory Factory) error {
	if !role.valid() {
		return fmt.Errorf("cannot register '%s': invalid message role '%s'", name, role)
	}
	if name == "" || factory == nil {
		return fmt.Errorf("cannot register %s: name and factory are required", role)
	}

	bucket := r.factories[role]
	if _, exists := bucket[name]; exists {
		return fmt.Errorf("%s '%s' is already registered", role, name)
	}
	bucket[name] = factory
	return nil
}

// New creates an empty message for the given wire type tag and command/event name.
// Returns nil if the type tag is not one of "request", "response", "event", or the name is not registered.
func (r *Registry) New(typeTag string, name string) dap.Message {
	bucket, found := r.factories[Role(typeTag)]
	if !found {
		return nil
	}

	factory, found := bucket[name]
	if !found {
		return nil
	}
	return factory()
}

// Names returns the registered names for a role, sorted.
func (r *Registry) Names(role Role) []string {
	bucket := r.factories[role]
	names := make([]string, 0, len(bucket))
	for name := range bucket {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// envelope holds the fields needed to pick the concrete message type.
type envelope struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Event   string `json:"event"`
	Success *bool  `json:"success"`
}

// FromJSON decodes a JSON payload into the concrete message type selected by its "type" and
// "command" (requests, responses) or "event" (events) fields.
//
// A response with success=false decodes as *dap.ErrorResponse regardless of its command,
// since failure responses carry an error body instead of the command-specific one.
func (r *Registry) FromJSON(data []byte) (dap.Message, error) {
	var env envelope
	if unmarshalErr := json.Unmarshal(data, &env); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedJSON, unmarshalErr)
	}

	name := env.Command
	if env.Type == string(RoleEvent) {
		name = env.Event
	}

	var msg dap.Message
	if env.Type == string(RoleResponse) && env.Success != nil && !*env.Success {
		if _, known := r.factories[RoleResponse][name]; known {
			msg = &dap.ErrorResponse{}
		}
	} else {
		msg = r.New(env.Type, name)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: type '%s', name '%s'", ErrUnknownMessage, env.Type, name)
	}

	if unmarshalErr := json.Unmarshal(data, msg); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: cannot decode %s '%s': %w", ErrMalformedJSON, env.Type, name, unmarshalErr)
	}
	return msg, nil
}

// AsRequest returns the request part of a message, if the message is a request.
func AsRequest(msg dap.Message) (*dap.Request, bool) {
	if req, isRequest := msg.(dap.RequestMessage); isRequest {
		return req.GetRequest(), true
	}
	return nil, false
}

// AsResponse returns the response part of a message, if the message is a response.
func AsResponse(msg dap.Message) (*dap.Response, bool) {
	if resp, isResponse := msg.(dap.ResponseMessage); isResponse {
		return resp.GetResponse(), true
	}
	return nil, false
}

// AsEvent returns the event part of a message, if the message is an event.
func AsEvent(msg dap.Message) (*dap.Event, bool) {
	if evt, isEvent := msg.(dap.EventMessage); isEvent {
		return evt.GetEvent(), true
	}
	return nil, false
}
