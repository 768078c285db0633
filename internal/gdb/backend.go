/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package gdb implements a DAP debugger backend on top of GDB's machine interface.
//
// The backend does not run goroutines of its own. Debugger output is collected by the
// process reader and processed whenever the session polls the backend for messages,
// so all state is owned by the session goroutine.
package gdb

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/internal/gdb/mi"
	"github.com/dapgdb/dapgdb/pkg/concurrency"
	"github.com/dapgdb/dapgdb/pkg/process"
)

const (
	DefaultPath = "gdb"

	// How long to keep collecting output after the debugger process exits.
	exitDrainTimeout = 20 * time.Millisecond
)

var (
	ErrNotStarted     = errors.New("the debugger is not running")
	ErrAlreadyStarted = errors.New("the debugger has already been started")
	ErrDebuggerExited = errors.New("the debugger exited")
	ErrUnknownFrame   = errors.New("unknown stack frame")
)

type Config struct {
	// Debugger executable. Defaults to DefaultPath.
	Path string

	// Extra command line arguments, placed before the program.
	Args []string

	// Extra environment variables for the debugger (and the debuggee, which inherits them).
	Env map[string]string

	// How long to wait for the debugger to exit before killing it. Zero means the process default.
	TerminateTimeout time.Duration

	// Used to spawn the debugger. Defaults to starting a real process.
	StartProcess ProcessStarter

	Log logr.Logger
}

// resultHandler receives the result record for a command.
type resultHandler func(rec *mi.Record)

type deferredRequest struct {
	req *dap.Request
	run func() error
}

type frameRef struct {
	threadID int
	level    int
}

// Backend drives one GDB process for one debug session.
// It implements dap.ExecutionBackend and io.Closer. It is not safe for concurrent use.
type Backend struct {
	config Config
	log    logr.Logger

	proc    Process
	program string

	nextToken int
	pending   map[int]resultHandler
	deferred  []deferredRequest

	// Set once starting or launching failed; requests are no longer deferred after that.
	startErr error

	// Incomplete last line of debugger output.
	partial string
	stdout  strings.Builder
	stderr  strings.Builder

	outgoing *concurrency.Queue[dap.Message]

	sourceBreakpoints   map[string][]int
	functionBreakpoints []int
	entryBreakpoint     int

	frames       map[int]frameRef
	nextFrameID  int
	lastThreadID int

	terminatedSent bool
	shutDown       bool
}

var _ dapsrv.ExecutionBackend = (*Backend)(nil)

func New(config Config) *Backend {
	log := config.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.StartProcess == nil {
		config.StartProcess = startProcess
	}

	return &Backend{
		config:            config,
		log:               log,
		nextToken:         1,
		pending:           map[int]resultHandler{},
		outgoing:          concurrency.NewQueue[dap.Message](),
		sourceBreakpoints: map[string][]int{},
		frames:            map[int]frameRef{},
		nextFrameID:       1,
	}
}

// StartDebugger spawns GDB in machine interface mode for the given program.
func (b *Backend) StartDebugger(program string, cwd string) error {
	if b.proc != nil {
		return ErrAlreadyStarted
	}

	args := []string{"--interpreter=mi2", "--quiet"}
	args = append(args, b.config.Args...)
	args = append(args, program)

	var env []string
	for _, name := range slices.Sorted(maps.Keys(b.config.Env)) {
		env = append(env, name+"="+b.config.Env[name])
	}

	proc, startErr := b.config.StartProcess(process.Config{
		Path:             b.config.Path,
		Args:             args,
		Dir:              cwd,
		Env:              env,
		TerminateTimeout: b.config.TerminateTimeout,
		Log:              b.log,
	})
	if startErr != nil {
		startErr = fmt.Errorf("failed to start the debugger '%s': %w", b.config.Path, startErr)
		b.failDeferred(startErr)
		return startErr
	}

	b.proc = proc
	b.program = program
	b.log.Info("Debugger started", "path", b.config.Path, "pid", proc.Pid(), "program", program)

	// Without asynchronous execution GDB does not accept commands (pause, in particular) while the debuggee runs.
	return b.send("-gdb-set mi-async on", func(rec *mi.Record) {
		if rec.IsError() {
			b.log.Info("Debugger does not support asynchronous execution", "error", rec.ErrorMessage())
		}
	})
}

// Read returns debuggee output collected since the previous call.
func (b *Backend) Read() (string, string) {
	b.pump()

	stdout, stderr := b.stdout.String(), b.stderr.String()
	b.stdout.Reset()
	b.stderr.Reset()
	return stdout, stderr
}

// TakeNextMessage returns the next response or event for the client.
func (b *Backend) TakeNextMessage() (dap.Message, bool) {
	b.pump()
	return b.outgoing.Pop(0)
}

// Close shuts the debugger down and releases the process resources.
func (b *Backend) Close() error {
	shutdownErr := b.shutdown()
	if b.proc != nil {
		b.proc.Cleanup()
	}
	b.outgoing.Close()
	return shutdownErr
}

// send writes a command with a fresh token; onResult is called with the matching result record.
func (b *Backend) send(command string, onResult resultHandler) error {
	if b.proc == nil {
		return ErrNotStarted
	}
	if b.terminatedSent || b.shutDown {
		return ErrDebuggerExited
	}

	token := b.nextToken
	b.nextToken++

	b.log.V(1).Info("Sending debugger command", "token", token, "command", command)
	if _, writeErr := b.proc.Write([]byte(fmt.Sprintf("%d%s\n", token, command))); writeErr != nil {
		return fmt.Errorf("failed to send command to the debugger: %w", writeErr)
	}
	if onResult != nil {
		b.pending[token] = onResult
	}
	return nil
}

// sendAll sends the commands in order and calls onResults once all of them have completed.
func (b *Backend) sendAll(commands []string, onResults func(results []*mi.Record)) error {
	if len(commands) == 0 {
		onResults(nil)
		return nil
	}

	results := make([]*mi.Record, len(commands))
	remaining := len(commands)
	for i, command := range commands {
		sendErr := b.send(command, func(rec *mi.Record) {
			results[i] = rec
			remaining--
			if remaining == 0 {
				onResults(results)
			}
		})
		if sendErr != nil {
			return sendErr
		}
	}
	return nil
}

// request sends a single command on behalf of a DAP request. A successful result is turned into
// the response by onDone; an error result becomes a failure response.
func (b *Backend) request(req *dap.Request, command string, onDone func(rec *mi.Record) (dap.Message, error)) error {
	return b.send(command, func(rec *mi.Record) {
		if rec.IsError() {
			b.respond(dapsrv.NewErrorResponse(req, rec.ErrorMessage()))
			return
		}
		resp, respErr := onDone(rec)
		if respErr != nil {
			b.respond(dapsrv.NewErrorResponse(req, respErr.Error()))
			return
		}
		b.respond(resp)
	})
}

func (b *Backend) respond(msg dap.Message) {
	b.outgoing.Push(msg)
}

// pump processes all debugger output that is available right now.
func (b *Backend) pump() {
	if b.proc == nil {
		return
	}

	for {
		out, ok := b.proc.ReadWait(0)
		if !ok {
			break
		}
		b.consume(out)
	}

	if b.terminatedSent || b.proc.IsAlive() {
		return
	}

	for {
		out, ok := b.proc.ReadWait(exitDrainTimeout)
		if !ok {
			break
		}
		b.consume(out)
	}
	if b.partial != "" {
		b.handleLine(b.partial)
		b.partial = ""
	}

	b.log.Info("Debugger process exited")
	b.failPending(ErrDebuggerExited)
	b.sendTerminated()
}

func (b *Backend) consume(out process.Output) {
	b.stderr.WriteString(out.Stderr)
	if out.Stdout == "" {
		return
	}

	data := b.partial + out.Stdout
	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		b.handleLine(strings.TrimSuffix(data[:idx], "\r"))
		data = data[idx+1:]
	}

	// An incomplete line that cannot become an MI record is debuggee output (a prompt, for example).
	if data != "" && !mi.IsRecord(data) && !strings.HasPrefix("(gdb)", data) && strings.Trim(data, "0123456789") != "" {
		b.stdout.WriteString(data)
		data = ""
	}
	b.partial = data
}

func (b *Backend) handleLine(line string) {
	if line == "" {
		return
	}
	if !mi.IsRecord(line) {
		b.stdout.WriteString(line + "\n")
		return
	}

	rec, parseErr := mi.ParseRecord(line)
	if parseErr != nil {
		if token, isResult := resultToken(line); isResult {
			if onResult, found := b.pending[token]; found {
				b.log.Error(parseErr, "Could not parse the debugger's reply", "token", token, "line", line)
				delete(b.pending, token)
				onResult(errorResult(token, fmt.Errorf("unreadable debugger reply: %w", parseErr)))
				return
			}
		}

		// Debuggee output can start with a record prefix character too.
		b.log.V(1).Info("Treating unparseable debugger output as program output", "line", line, "error", parseErr.Error())
		b.stdout.WriteString(line + "\n")
		return
	}

	switch rec.Kind {
	case mi.ResultRecord:
		b.handleResult(rec)
	case mi.ExecAsyncRecord:
		b.handleExecAsync(rec)
	case mi.NotifyAsyncRecord:
		b.handleNotify(rec)
	case mi.ConsoleStreamRecord, mi.LogStreamRecord:
		b.respond(dapsrv.NewOutputEvent("console", rec.Stream))
	case mi.TargetStreamRecord:
		b.stdout.WriteString(rec.Stream)
	}
}

func (b *Backend) handleResult(rec *mi.Record) {
	if !rec.HasToken() {
		b.log.V(1).Info("Ignoring result record without a token", "class", rec.Class)
		return
	}

	onResult, found := b.pending[rec.Token]
	if !found {
		b.log.V(1).Info("Ignoring result record for unknown token", "token", rec.Token, "class", rec.Class)
		return
	}
	delete(b.pending, rec.Token)
	onResult(rec)
}

// failPending completes every outstanding command with an error result.
func (b *Backend) failPending(reason error) {
	for _, token := range slices.Sorted(maps.Keys(b.pending)) {
		onResult := b.pending[token]
		delete(b.pending, token)
		onResult(errorResult(token, reason))
	}
}

func errorResult(token int, reason error) *mi.Record {
	return &mi.Record{
		Kind:    mi.ResultRecord,
		Token:   token,
		Class:   mi.ClassError,
		Results: mi.Tuple{{Key: "msg", Value: mi.Const(reason.Error())}},
	}
}

// resultToken returns the token of a line that starts like a result record, e.g. "12^done,...".
func resultToken(line string) (int, bool) {
	rest := strings.TrimLeft(line, "0123456789")
	if len(rest) == len(line) || !strings.HasPrefix(rest, "^") {
		return 0, false
	}
	token, convErr := strconv.Atoi(line[:len(line)-len(rest)])
	if convErr != nil {
		return 0, false
	}
	return token, true
}

func (b *Backend) sendTerminated() {
	if b.terminatedSent {
		return
	}
	b.terminatedSent = true
	b.respond(dapsrv.NewTerminatedEvent())
}

// shutdown asks GDB to exit (GDB kills the debuggee) and terminates the process.
func (b *Backend) shutdown() error {
	if b.proc == nil || b.shutDown {
		return nil
	}
	b.shutDown = true

	if b.proc.IsAlive() {
		if _, writeErr := b.proc.Write([]byte("-gdb-exit\n")); writeErr != nil {
			b.log.V(1).Info("Could not ask the debugger to exit", "error", writeErr.Error())
		}
	}
	if terminateErr := b.proc.Terminate(); terminateErr != nil {
		return fmt.Errorf("failed to stop the debugger: %w", terminateErr)
	}
	return nil
}
