// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdb

import (
	"path/filepath"
	"strconv"

	"github.com/google/go-dap"

	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/internal/gdb/mi"
)

// handleExecAsync translates *running and *stopped records.
func (b *Backend) handleExecAsync(rec *mi.Record) {
	switch rec.Class {
	case "running":
		// Frame ids are only valid while the debuggee is stopped.
		clear(b.frames)

		evt := &dap.ContinuedEvent{Event: dapsrv.NewEvent("continued")}
		if threadID, isNumber := rec.Results.Int("thread-id"); isNumber {
			evt.Body.ThreadId = threadID
		} else {
			evt.Body.ThreadId = b.currentThread()
			evt.Body.AllThreadsContinued = true
		}
		b.respond(evt)

	case "stopped":
		clear(b.frames)
		b.handleStopped(rec)

	default:
		b.log.V(1).Info("Ignoring exec async record", "class", rec.Class)
	}
}

func (b *Backend) handleStopped(rec *mi.Record) {
	reason := rec.Results.String("reason")

	switch reason {
	case "exited-normally", "exited", "exited-signalled":
		exitCode := 0
		if code := rec.Results.String("exit-code"); code != "" {
			// GDB reports the exit code in octal.
			if parsed, parseErr := strconv.ParseInt(code, 8, 32); parseErr == nil {
				exitCode = int(parsed)
			}
		}
		if reason == "exited-signalled" {
			exitCode = 128
			b.respond(dapsrv.NewOutputEvent("console", "Program terminated with signal "+rec.Results.String("signal-name")+".\n"))
		}

		exited := &dap.ExitedEvent{Event: dapsrv.NewEvent("exited")}
		exited.Body.ExitCode = exitCode
		b.respond(exited)
		b.sendTerminated()
		return
	}

	evt := &dap.StoppedEvent{Event: dapsrv.NewEvent("stopped")}
	evt.Body.Reason, evt.Body.Description = b.stopReason(rec)
	evt.Body.AllThreadsStopped = rec.Results.String("stopped-threads") == "all"

	if threadID, isNumber := rec.Results.Int("thread-id"); isNumber {
		b.lastThreadID = threadID
	}
	evt.Body.ThreadId = b.currentThread()

	if bkptno, isNumber := rec.Results.Int("bkptno"); isNumber {
		evt.Body.HitBreakpointIds = []int{bkptno}
	}
	if signal := rec.Results.String("signal-name"); signal != "" && evt.Body.Reason == "exception" {
		evt.Body.Text = signal
	}

	b.respond(evt)
}

// stopReason maps GDB's stop reason to the DAP reason and a description for the user.
func (b *Backend) stopReason(rec *mi.Record) (string, string) {
	reason := rec.Results.String("reason")

	switch reason {
	case "breakpoint-hit":
		if bkptno, _ := rec.Results.Int("bkptno"); bkptno != 0 && bkptno == b.entryBreakpoint {
			return "entry", "Paused on entry"
		}
		return "breakpoint", "Paused on breakpoint"

	case "watchpoint-trigger", "read-watchpoint-trigger", "access-watchpoint-trigger", "watchpoint-scope":
		return "data breakpoint", "Paused on data breakpoint"

	case "end-stepping-range", "function-finished", "location-reached":
		return "step", ""

	case "signal-received":
		signal := rec.Results.String("signal-name")
		if signal == "SIGINT" || signal == "SIGTRAP" || signal == "0" {
			return "pause", "Paused"
		}
		meaning := rec.Results.String("signal-meaning")
		if meaning == "" {
			meaning = signal
		}
		return "exception", "Paused on signal " + signal + " (" + meaning + ")"

	case "exception-caught":
		return "exception", "Paused on exception"

	default:
		return "pause", ""
	}
}

// handleNotify translates =notification records.
func (b *Backend) handleNotify(rec *mi.Record) {
	switch rec.Class {
	case "thread-created", "thread-exited":
		threadID, isNumber := rec.Results.Int("id")
		if !isNumber {
			return
		}
		evt := &dap.ThreadEvent{Event: dapsrv.NewEvent("thread")}
		evt.Body.ThreadId = threadID
		if rec.Class == "thread-created" {
			evt.Body.Reason = "started"
			if b.lastThreadID == 0 {
				b.lastThreadID = threadID
			}
		} else {
			evt.Body.Reason = "exited"
		}
		b.respond(evt)

	case "library-loaded", "library-unloaded":
		evt := &dap.ModuleEvent{Event: dapsrv.NewEvent("module")}
		evt.Body.Reason = "new"
		if rec.Class == "library-unloaded" {
			evt.Body.Reason = "removed"
		}
		path := rec.Results.String("host-name")
		if path == "" {
			path = rec.Results.String("target-name")
		}
		evt.Body.Module = dap.Module{
			Id:   rec.Results.String("id"),
			Name: filepath.Base(path),
			Path: path,
		}
		if rec.Results.String("symbols-loaded") == "1" {
			evt.Body.Module.SymbolStatus = "Symbols loaded."
		}
		b.respond(evt)

	case "breakpoint-modified":
		bkpt, found := rec.Results.Tuple("bkpt")
		if !found {
			return
		}
		bp, bpErr := mi.BreakpointFromTuple(bkpt)
		if bpErr != nil {
			b.log.V(1).Info("Ignoring unparseable breakpoint notification", "error", bpErr.Error())
			return
		}
		evt := &dap.BreakpointEvent{Event: dapsrv.NewEvent("breakpoint")}
		evt.Body.Reason = "changed"
		evt.Body.Breakpoint = toDAPBreakpoint(bp)
		b.respond(evt)

	case "thread-group-started":
		evt := &dap.ProcessEvent{Event: dapsrv.NewEvent("process")}
		evt.Body.Name = b.program
		evt.Body.SystemProcessId, _ = rec.Results.Int("pid")
		evt.Body.IsLocalProcess = true
		evt.Body.StartMethod = "launch"
		b.respond(evt)

	default:
		b.log.V(1).Info("Ignoring debugger notification", "class", rec.Class)
	}
}

func (b *Backend) currentThread() int {
	if b.lastThreadID == 0 {
		return 1
	}
	return b.lastThreadID
}
