// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdb

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/internal/gdb/mi"
)

func (b *Backend) OnLaunchRequest(req *dap.LaunchRequest) error {
	args, argsErr := dapsrv.ParseLaunchArguments(req)
	if argsErr != nil {
		return argsErr
	}

	var commands []string
	if len(args.Args) > 0 {
		quoted := make([]string, len(args.Args))
		for i, arg := range args.Args {
			quoted[i] = mi.Quote(arg)
		}
		commands = append(commands, "-exec-arguments "+strings.Join(quoted, " "))
	}
	for _, name := range slices.Sorted(maps.Keys(args.Env)) {
		commands = append(commands, "-gdb-set environment "+name+"="+args.Env[name])
	}
	entryIndex := -1
	if args.StopOnEntry {
		entryIndex = len(commands)
		commands = append(commands, "-break-insert -t main")
	}

	launchErr := b.sendAll(commands, func(results []*mi.Record) {
		for _, rec := range results {
			if rec.IsError() {
				b.respond(dapsrv.NewErrorResponse(&req.Request, rec.ErrorMessage()))
				return
			}
		}
		if entryIndex >= 0 {
			if bkpt, found := results[entryIndex].Results.Tuple("bkpt"); found {
				if bp, bpErr := mi.BreakpointFromTuple(bkpt); bpErr == nil {
					b.entryBreakpoint = bp.ID
				}
			}
		}
		b.respond(&dap.LaunchResponse{Response: dapsrv.NewResponse(&req.Request)})
	})
	if launchErr != nil {
		b.failDeferred(launchErr)
		return launchErr
	}

	b.runDeferred()
	return nil
}

// deferUntilStarted postpones a configuration request that arrived before the launch request.
// Clients may configure breakpoints as soon as they see the initialized event.
func (b *Backend) deferUntilStarted(req *dap.Request, run func() error) bool {
	if b.proc != nil || b.startErr != nil {
		return false
	}
	b.log.V(1).Info("Deferring request until the debugger is started", "command", req.Command, "seq", req.Seq)
	b.deferred = append(b.deferred, deferredRequest{req: req, run: run})
	return true
}

func (b *Backend) runDeferred() {
	deferred := b.deferred
	b.deferred = nil
	for _, d := range deferred {
		if runErr := d.run(); runErr != nil {
			b.respond(dapsrv.NewErrorResponse(d.req, runErr.Error()))
		}
	}
}

// failDeferred answers every deferred request with an error, since the debuggee will never start.
func (b *Backend) failDeferred(reason error) {
	b.startErr = reason
	deferred := b.deferred
	b.deferred = nil
	for _, d := range deferred {
		b.respond(dapsrv.NewErrorResponse(d.req, reason.Error()))
	}
}

// OnSetBreakpoints replaces all breakpoints in one source file.
func (b *Backend) OnSetBreakpoints(req *dap.SetBreakpointsRequest) error {
	if b.deferUntilStarted(&req.Request, func() error { return b.OnSetBreakpoints(req) }) {
		return nil
	}

	source := req.Arguments.Source
	path := source.Path
	if path == "" {
		path = source.Name
	}
	if path == "" {
		return fmt.Errorf("the source of the breakpoints has no path")
	}

	var commands []string
	if existing := b.sourceBreakpoints[path]; len(existing) > 0 {
		commands = append(commands, deleteCommand(existing))
		delete(b.sourceBreakpoints, path)
	}
	first := len(commands)

	for _, sbp := range req.Arguments.Breakpoints {
		commands = append(commands, insertCommand(fmt.Sprintf("%s:%d", path, sbp.Line), sbp.Condition, sbp.HitCondition))
	}

	return b.sendAll(commands, func(results []*mi.Record) {
		resp := &dap.SetBreakpointsResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.Breakpoints = []dap.Breakpoint{}

		var ids []int
		for i, sbp := range req.Arguments.Breakpoints {
			bp := b.insertedBreakpoint(results[first+i])
			if bp.Line == 0 {
				bp.Line = sbp.Line
			}
			if bp.Source == nil {
				bp.Source = &dap.Source{Name: filepath.Base(path), Path: path}
			}
			if bp.Id != 0 {
				ids = append(ids, bp.Id)
			}
			resp.Body.Breakpoints = append(resp.Body.Breakpoints, bp)
		}

		if len(ids) > 0 {
			b.sourceBreakpoints[path] = ids
		}
		b.respond(resp)
	})
}

func (b *Backend) OnSetFunctionBreakpoints(req *dap.SetFunctionBreakpointsRequest) error {
	if b.deferUntilStarted(&req.Request, func() error { return b.OnSetFunctionBreakpoints(req) }) {
		return nil
	}

	var commands []string
	if len(b.functionBreakpoints) > 0 {
		commands = append(commands, deleteCommand(b.functionBreakpoints))
		b.functionBreakpoints = nil
	}
	first := len(commands)

	for _, fbp := range req.Arguments.Breakpoints {
		commands = append(commands, insertCommand(fbp.Name, fbp.Condition, fbp.HitCondition))
	}

	return b.sendAll(commands, func(results []*mi.Record) {
		resp := &dap.SetFunctionBreakpointsResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.Breakpoints = []dap.Breakpoint{}

		for i := range req.Arguments.Breakpoints {
			bp := b.insertedBreakpoint(results[first+i])
			if bp.Id != 0 {
				b.functionBreakpoints = append(b.functionBreakpoints, bp.Id)
			}
			resp.Body.Breakpoints = append(resp.Body.Breakpoints, bp)
		}
		b.respond(resp)
	})
}

func deleteCommand(ids []int) string {
	numbers := make([]string, len(ids))
	for i, id := range ids {
		numbers[i] = strconv.Itoa(id)
	}
	return "-break-delete " + strings.Join(numbers, " ")
}

func insertCommand(location, condition, hitCondition string) string {
	var sb strings.Builder
	sb.WriteString("-break-insert")
	if condition != "" {
		sb.WriteString(" -c ")
		sb.WriteString(mi.Quote(condition))
	}
	// A hit condition of N means "break on the Nth hit", i.e. ignore the first N-1.
	if hits, convErr := strconv.Atoi(strings.TrimSpace(hitCondition)); convErr == nil && hits > 1 {
		sb.WriteString(" -i ")
		sb.WriteString(strconv.Itoa(hits - 1))
	}
	sb.WriteString(" ")
	sb.WriteString(mi.Quote(location))
	return sb.String()
}

// insertedBreakpoint converts the result of -break-insert.
func (b *Backend) insertedBreakpoint(rec *mi.Record) dap.Breakpoint {
	if rec.IsError() {
		return dap.Breakpoint{Verified: false, Message: rec.ErrorMessage()}
	}

	bkpt, found := rec.Results.Tuple("bkpt")
	if !found {
		return dap.Breakpoint{Verified: false, Message: "the debugger did not describe the breakpoint"}
	}
	bp, bpErr := mi.BreakpointFromTuple(bkpt)
	if bpErr != nil {
		return dap.Breakpoint{Verified: false, Message: bpErr.Error()}
	}
	return toDAPBreakpoint(bp)
}

func toDAPBreakpoint(bp mi.Breakpoint) dap.Breakpoint {
	result := dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified(),
		Line:     bp.Line,
	}
	if path := bp.Path(); path != "" {
		result.Source = &dap.Source{Name: filepath.Base(path), Path: path}
	}
	if !result.Verified {
		result.Message = "the breakpoint location is not loaded yet"
	}
	return result
}

func (b *Backend) OnConfigurationDoneRequest(req *dap.ConfigurationDoneRequest) error {
	if b.deferUntilStarted(&req.Request, func() error { return b.OnConfigurationDoneRequest(req) }) {
		return nil
	}

	return b.request(&req.Request, "-exec-run", func(*mi.Record) (dap.Message, error) {
		return &dap.ConfigurationDoneResponse{Response: dapsrv.NewResponse(&req.Request)}, nil
	})
}

func (b *Backend) OnThreads(req *dap.ThreadsRequest) error {
	return b.request(&req.Request, "-thread-info", func(rec *mi.Record) (dap.Message, error) {
		resp := &dap.ThreadsResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.Threads = []dap.Thread{}

		threads, _ := rec.Results.List("threads")
		for _, t := range threads.Tuples() {
			id, hasID := t.Int("id")
			if !hasID {
				continue
			}
			name := t.String("name")
			if name == "" {
				name = t.String("target-id")
			}
			if name == "" {
				name = fmt.Sprintf("Thread %d", id)
			}
			resp.Body.Threads = append(resp.Body.Threads, dap.Thread{Id: id, Name: name})
		}
		return resp, nil
	})
}

func (b *Backend) OnStackTrace(req *dap.StackTraceRequest) error {
	threadID := req.Arguments.ThreadId
	command := fmt.Sprintf("-stack-list-frames --thread %d", threadID)
	levels := req.Arguments.Levels
	if levels > 0 {
		command += fmt.Sprintf(" %d %d", req.Arguments.StartFrame, req.Arguments.StartFrame+levels-1)
	}

	return b.request(&req.Request, command, func(rec *mi.Record) (dap.Message, error) {
		resp := &dap.StackTraceResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.StackFrames = []dap.StackFrame{}

		stack, _ := rec.Results.List("stack")
		for _, frame := range stack.Tuples() {
			level, _ := frame.Int("level")
			id := b.nextFrameID
			b.nextFrameID++
			b.frames[id] = frameRef{threadID: threadID, level: level}

			sf := dap.StackFrame{Id: id, Name: frame.String("func")}
			if sf.Name == "" {
				sf.Name = frame.String("addr")
			}
			sf.Line, _ = frame.Int("line")
			path := frame.String("fullname")
			if path == "" {
				path = frame.String("file")
			}
			if path != "" {
				sf.Source = &dap.Source{Name: filepath.Base(path), Path: path}
			} else {
				sf.PresentationHint = "subtle"
			}
			sf.InstructionPointerReference = frame.String("addr")
			resp.Body.StackFrames = append(resp.Body.StackFrames, sf)
		}

		if levels == 0 || len(resp.Body.StackFrames) < levels {
			resp.Body.TotalFrames = req.Arguments.StartFrame + len(resp.Body.StackFrames)
		}
		return resp, nil
	})
}

// OnScopes reports a single scope per frame; its variables reference is the frame id.
func (b *Backend) OnScopes(req *dap.ScopesRequest) error {
	if _, found := b.frames[req.Arguments.FrameId]; !found {
		return fmt.Errorf("%w: %d", ErrUnknownFrame, req.Arguments.FrameId)
	}

	resp := &dap.ScopesResponse{Response: dapsrv.NewResponse(&req.Request)}
	resp.Body.Scopes = []dap.Scope{{
		Name:               "Locals",
		PresentationHint:   "locals",
		VariablesReference: req.Arguments.FrameId,
	}}
	b.respond(resp)
	return nil
}

func (b *Backend) OnVariables(req *dap.VariablesRequest) error {
	frame, found := b.frames[req.Arguments.VariablesReference]
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownFrame, req.Arguments.VariablesReference)
	}

	command := fmt.Sprintf("-stack-list-variables --thread %d --frame %d --simple-values", frame.threadID, frame.level)
	return b.request(&req.Request, command, func(rec *mi.Record) (dap.Message, error) {
		resp := &dap.VariablesResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.Variables = []dap.Variable{}

		vars, _ := rec.Results.List("variables")
		for _, v := range vars.Tuples() {
			value, hasValue := v.Get("value")
			text := "{...}"
			if hasValue {
				if c, isConst := value.(mi.Const); isConst {
					text = string(c)
				}
			}
			resp.Body.Variables = append(resp.Body.Variables, dap.Variable{
				Name:         v.String("name"),
				Value:        text,
				Type:         v.String("type"),
				EvaluateName: v.String("name"),
			})
		}

		if start := req.Arguments.Start; start > 0 {
			resp.Body.Variables = resp.Body.Variables[min(start, len(resp.Body.Variables)):]
		}
		if count := req.Arguments.Count; count > 0 && count < len(resp.Body.Variables) {
			resp.Body.Variables = resp.Body.Variables[:count]
		}
		return resp, nil
	})
}

func (b *Backend) OnEvaluate(req *dap.EvaluateRequest) error {
	command := "-data-evaluate-expression"
	if frameID := req.Arguments.FrameId; frameID != 0 {
		frame, found := b.frames[frameID]
		if !found {
			return fmt.Errorf("%w: %d", ErrUnknownFrame, frameID)
		}
		command += fmt.Sprintf(" --thread %d --frame %d", frame.threadID, frame.level)
	}
	command += " " + mi.Quote(req.Arguments.Expression)

	return b.request(&req.Request, command, func(rec *mi.Record) (dap.Message, error) {
		resp := &dap.EvaluateResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.Result = rec.Results.String("value")
		return resp, nil
	})
}

func (b *Backend) OnContinue(req *dap.ContinueRequest) error {
	command := "-exec-continue"
	if req.Arguments.SingleThread {
		command += fmt.Sprintf(" --thread %d", req.Arguments.ThreadId)
	}
	return b.request(&req.Request, command, func(*mi.Record) (dap.Message, error) {
		resp := &dap.ContinueResponse{Response: dapsrv.NewResponse(&req.Request)}
		resp.Body.AllThreadsContinued = !req.Arguments.SingleThread
		return resp, nil
	})
}

func (b *Backend) OnNext(req *dap.NextRequest) error {
	return b.request(&req.Request, fmt.Sprintf("-exec-next --thread %d", req.Arguments.ThreadId), func(*mi.Record) (dap.Message, error) {
		return &dap.NextResponse{Response: dapsrv.NewResponse(&req.Request)}, nil
	})
}

func (b *Backend) OnStepIn(req *dap.StepInRequest) error {
	return b.request(&req.Request, fmt.Sprintf("-exec-step --thread %d", req.Arguments.ThreadId), func(*mi.Record) (dap.Message, error) {
		return &dap.StepInResponse{Response: dapsrv.NewResponse(&req.Request)}, nil
	})
}

func (b *Backend) OnStepOut(req *dap.StepOutRequest) error {
	return b.request(&req.Request, fmt.Sprintf("-exec-finish --thread %d", req.Arguments.ThreadId), func(*mi.Record) (dap.Message, error) {
		return &dap.StepOutResponse{Response: dapsrv.NewResponse(&req.Request)}, nil
	})
}

func (b *Backend) OnPause(req *dap.PauseRequest) error {
	return b.request(&req.Request, "-exec-interrupt", func(*mi.Record) (dap.Message, error) {
		return &dap.PauseResponse{Response: dapsrv.NewResponse(&req.Request)}, nil
	})
}

// OnDisconnect stops the debugger (and with it the debuggee) before acknowledging the request.
func (b *Backend) OnDisconnect(req *dap.DisconnectRequest) error {
	shutdownErr := b.shutdown()
	b.respond(&dap.DisconnectResponse{Response: dapsrv.NewResponse(&req.Request)})
	if shutdownErr != nil {
		b.log.Error(shutdownErr, "Debugger did not shut down cleanly")
	}
	return nil
}

func (b *Backend) OnTerminate(req *dap.TerminateRequest) error {
	if shutdownErr := b.shutdown(); shutdownErr != nil {
		return shutdownErr
	}
	b.respond(&dap.TerminateResponse{Response: dapsrv.NewResponse(&req.Request)})
	b.sendTerminated()
	return nil
}
