// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
)

// Backend is a debugger the Driver forwards requests to.
//
// Request handlers are expected to (eventually) make the matching response available
// through TakeNextMessage, together with any events. An error returned by a handler
// is reported to the client as a failure response instead.
type Backend interface {
	// StartDebugger spawns the debugger for the given program and starts reading its output.
	StartDebugger(program string, cwd string) error

	OnLaunchRequest(req *dap.LaunchRequest) error
	OnSetBreakpoints(req *dap.SetBreakpointsRequest) error
	OnConfigurationDoneRequest(req *dap.ConfigurationDoneRequest) error
	OnThreads(req *dap.ThreadsRequest) error
	OnScopes(req *dap.ScopesRequest) error

	// Read returns debuggee output accumulated since the previous call, without blocking.
	Read() (stdout string, stderr string)

	// TakeNextMessage pops one message the backend has prepared for the client.
	TakeNextMessage() (dap.Message, bool)
}

// ExecutionBackend is implemented by backends that can also inspect and control
// a running debuggee. The Driver registers these handlers only if the backend implements the interface.
type ExecutionBackend interface {
	Backend

	OnSetFunctionBreakpoints(req *dap.SetFunctionBreakpointsRequest) error
	OnStackTrace(req *dap.StackTraceRequest) error
	OnVariables(req *dap.VariablesRequest) error
	OnContinue(req *dap.ContinueRequest) error
	OnNext(req *dap.NextRequest) error
	OnStepIn(req *dap.StepInRequest) error
	OnStepOut(req *dap.StepOutRequest) error
	OnPause(req *dap.PauseRequest) error
	OnEvaluate(req *dap.EvaluateRequest) error
	OnDisconnect(req *dap.DisconnectRequest) error
	OnTerminate(req *dap.TerminateRequest) error
}

// LaunchArguments are the launch request arguments understood by the server.
// Clients may send additional adapter-specific fields; they are ignored.
type LaunchArguments struct {
	Program     string            `json:"program"`
	Cwd         string            `json:"cwd,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopOnEntry bool              `json:"stopOnEntry,omitempty"`
	NoDebug     bool              `json:"noDebug,omitempty"`
}

// ParseLaunchArguments decodes the arguments of a launch request. The program is required.
func ParseLaunchArguments(req *dap.LaunchRequest) (LaunchArguments, error) {
	var args LaunchArguments
	if len(req.Arguments) == 0 {
		return args, fmt.Errorf("launch request has no arguments")
	}
	if unmarshalErr := json.Unmarshal(req.Arguments, &args); unmarshalErr != nil {
		return args, fmt.Errorf("invalid launch arguments: %w", unmarshalErr)
	}
	if args.Program == "" {
		return args, fmt.Errorf("launch arguments must include 'program'")
	}
	return args, nil
}
