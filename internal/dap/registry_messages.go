// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"

	"github.com/google/go-dap"
)

// DefaultRegistry knows every message type the server can receive or produce.
// It is fully populated during package initialization, before any goroutine can use it.
var DefaultRegistry = mustBuildDefaultRegistry()

type registration struct {
	role    Role
	name    string
	factory Factory
}

// The complete list of supported message variants.
var knownMessages = []registration{
	{RoleRequest, "initialize", func() dap.Message { return &dap.InitializeRequest{} }},
	{RoleResponse, "initialize", func() dap.Message { return &dap.InitializeResponse{} }},
	{RoleRequest, "launch", func() dap.Message { return &dap.LaunchRequest{} }},
	{RoleResponse, "launch", func() dap.Message { return &dap.LaunchResponse{} }},
	{RoleRequest, "attach", func() dap.Message { return &dap.AttachRequest{} }},
	{RoleResponse, "attach", func() dap.Message { return &dap.AttachResponse{} }},
	{RoleRequest, "disconnect", func() dap.Message { return &dap.DisconnectRequest{} }},
	{RoleResponse, "disconnect", func() dap.Message { return &dap.DisconnectResponse{} }},
	{RoleRequest, "terminate", func() dap.Message { return &dap.TerminateRequest{} }},
	{RoleResponse, "terminate", func() dap.Message { return &dap.TerminateResponse{} }},
	{RoleRequest, "cancel", func() dap.Message { return &dap.CancelRequest{} }},
	{RoleResponse, "cancel", func() dap.Message { return &dap.CancelResponse{} }},
	{RoleRequest, "setBreakpoints", func() dap.Message { return &dap.SetBreakpointsRequest{} }},
	{RoleResponse, "setBreakpoints", func() dap.Message { return &dap.SetBreakpointsResponse{} }},
	{RoleRequest, "setFunctionBreakpoints", func() dap.Message { return &dap.SetFunctionBreakpointsRequest{} }},
	{RoleResponse, "setFunctionBreakpoints", func() dap.Message { return &dap.SetFunctionBreakpointsResponse{} }},
	{RoleRequest, "configurationDone", func() dap.Message { return &dap.ConfigurationDoneRequest{} }},
	{RoleResponse, "configurationDone", func() dap.Message { return &dap.ConfigurationDoneResponse{} }},
	{RoleRequest, "threads", func() dap.Message { return &dap.ThreadsRequest{} }},
	{RoleResponse, "threads", func() dap.Message { return &dap.ThreadsResponse{} }},
	{RoleRequest, "scopes", func() dap.Message { return &dap.ScopesRequest{} }},
	{RoleResponse, "scopes", func() dap.Message { return &dap.ScopesResponse{} }},
	{RoleRequest, "stackTrace", func() dap.Message { return &dap.StackTraceRequest{} }},
	{RoleResponse, "stackTrace", func() dap.Message { return &dap.StackTraceResponse{} }},
	{RoleRequest, "variables", func() dap.Message { return &dap.VariablesRequest{} }},
	{RoleResponse, "variables", func() dap.Message { return &dap.VariablesResponse{} }},
	{RoleRequest, "continue", func() dap.Message { return &dap.ContinueRequest{} }},
	{RoleResponse, "continue", func() dap.Message { return &dap.ContinueResponse{} }},
	{RoleRequest, "next", func() dap.Message { return &dap.NextRequest{} }},
	{RoleResponse, "next", func() dap.Message { return &dap.NextResponse{} }},
	{RoleRequest, "stepIn", func() dap.Message { return &dap.StepInRequest{} }},
	{RoleResponse, "stepIn", func() dap.Message { return &dap.StepInResponse{} }},
	{RoleRequest, "stepOut", func() dap.Message { return &dap.StepOutRequest{} }},
	{RoleResponse, "stepOut", func() dap.Message { return &dap.StepOutResponse{} }},
	{RoleRequest, "pause", func() dap.Message { return &dap.PauseRequest{} }},
	{RoleResponse, "pause", func() dap.Message { return &dap.PauseResponse{} }},
	{RoleRequest, "evaluate", func() dap.Message { return &dap.EvaluateRequest{} }},
	{RoleResponse, "evaluate", func() dap.Message { return &dap.EvaluateResponse{} }},
	{RoleRequest, "source", func() dap.Message { return &dap.SourceRequest{} }},
	{RoleResponse, "source", func() dap.Message { return &dap.SourceResponse{} }},
	{RoleRequest, "runInTerminal", func() dap.Message { return &dap.RunInTerminalRequest{} }},
	{RoleResponse, "runInTerminal", func() dap.Message { return &dap.RunInTerminalResponse{} }},

	{RoleEvent, "initialized", func() dap.Message { return &dap.InitializedEvent{} }},
	{RoleEvent, "stopped", func() dap.Message { return &dap.StoppedEvent{} }},
	{RoleEvent, "continued", func() dap.Message { return &dap.ContinuedEvent{} }},
	{RoleEvent, "exited", func() dap.Message { return &dap.ExitedEvent{} }},
	{RoleEvent, "terminated", func() dap.Message { return &dap.TerminatedEvent{} }},
	{RoleEvent, "thread", func() dap.Message { return &dap.ThreadEvent{} }},
	{RoleEvent, "output", func() dap.Message { return &dap.OutputEvent{} }},
	{RoleEvent, "breakpoint", func() dap.Message { return &dap.BreakpointEvent{} }},
	{RoleEvent, "process", func() dap.Message { return &dap.ProcessEvent{} }},
	{RoleEvent, "module", func() dap.Message { return &dap.ModuleEvent{} }},
}

func registerAll(r *Registry) error {
	for _, m := range knownMessages {
		if registerErr := r.Register(m.role, m.name, m.factory); registerErr != nil {
			return registerErr
		}
	}
	return nil
}

func mustBuildDefaultRegistry() *Registry {
	r := NewRegistry()
	if err := registerAll(r); err != nil {
		panic(fmt.Sprintf("failed to build the default message registry: %v", err))
	}
	return r
}
