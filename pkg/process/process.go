/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package process runs a child process with piped standard streams.
// Output from stdout and stderr is collected by a background goroutine and queued
// as (stdout, stderr) pairs; the consumer drains the queue without blocking.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/dapgdb/dapgdb/pkg/concurrency"
	"github.com/dapgdb/dapgdb/pkg/resiliency"
)

const (
	outputPollInterval      = 10 * time.Millisecond
	readQueueWait           = time.Millisecond
	streamReadBufferSize    = 8 * 1024
	writeChunkSize          = 4 * 1024
	maxWriteRetries         = 100
	defaultTerminateTimeout = 5 * time.Second
)

var ErrClosed = errors.New("process has been cleaned up")

// Output is a pair of chunks read from the child's stdout and stderr during one poll cycle.
// Either (but not both) may be empty.
type Output struct {
	Stdout string
	Stderr string
}

type Config struct {
	Path string
	Args []string
	Dir  string
	// Additional environment variables (KEY=VALUE), appended to the current process environment.
	Env []string

	// How long Terminate waits for a graceful exit before killing the process. Zero means default.
	TerminateTimeout time.Duration

	Log logr.Logger
}

type Process struct {
	cmd              *exec.Cmd
	log              logr.Logger
	terminateTimeout time.Duration

	stdin     *os.File
	stdout    *os.File
	stderr    *os.File
	writeLock sync.Mutex

	output *concurrency.Queue[Output]

	stopping atomic.Bool
	stopCh   chan struct{}
	pumpDone chan struct{}

	exited   chan struct{}
	exitCode atomic.Int32
	exitErr  error

	cleanupOnce sync.Once
}

// Start spawns the process and begins collecting its output.
func Start(cfg Config) (*Process, error) {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("process path must not be empty")
	}

	terminateTimeout := cfg.TerminateTimeout
	if terminateTimeout <= 0 {
		terminateTimeout = defaultTerminateTimeout
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	decoupleFromParent(cmd)

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stdinR, stdinW, stdinErr := os.Pipe()
	if stdinErr != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", stdinErr)
	}
	childEnds = append(childEnds, stdinR)
	parentEnds = append(parentEnds, stdinW)

	stdoutR, stdoutW, stdoutErr := os.Pipe()
	if stdoutErr != nil {
		closeAll(append(parentEnds, childEnds...))
		return nil, fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)
	}
	childEnds = append(childEnds, stdoutW)
	parentEnds = append(parentEnds, stdoutR)

	stderrR, stderrW, stderrErr := os.Pipe()
	if stderrErr != nil {
		closeAll(append(parentEnds, childEnds...))
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}
	childEnds = append(childEnds, stderrW)
	parentEnds = append(parentEnds, stderrR)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if startErr := cmd.Start(); startErr != nil {
		closeAll(append(parentEnds, childEnds...))
		return nil, fmt.Errorf("failed to start process '%s': %w", cfg.Path, startErr)
	}

	// The child owns its ends now; keeping them open in the parent would prevent EOF on stdout/stderr.
	closeAll(childEnds)

	p := &Process{
		cmd:              cmd,
		log:              log.WithValues("pid", cmd.Process.Pid),
		terminateTimeout: terminateTimeout,
		stdin:            stdinW,
		stdout:           stdoutR,
		stderr:           stderrR,
		output:           concurrency.NewQueue[Output](),
		stopCh:           make(chan struct{}),
		pumpDone:         make(chan struct{}),
		exited:           make(chan struct{}),
	}
	p.exitCode.Store(-1)

	go p.waitForExit()

	stdoutChunks := p.readStream(p.stdout, "stdout")
	stderrChunks := p.readStream(p.stderr, "stderr")
	go p.pumpOutput(stdoutChunks, stderrChunks)

	p.log.V(1).Info("Process started", "path", cfg.Path, "args", cfg.Args)
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Write sends data to the child's stdin in chunks, retrying on transient conditions.
func (p *Process) Write(data []byte) (int, error) {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	if p.stopping.Load() {
		return 0, ErrClosed
	}

	written := 0
	retries := 0
	for written < len(data) {
		end := min(written+writeChunkSize, len(data))
		n, writeErr := p.stdin.Write(data[written:end])
		written += n

		if writeErr != nil {
			if isTransientWriteError(writeErr) && retries < maxWriteRetries {
				retries++
				time.Sleep(time.Millisecond)
				continue
			}
			return written, fmt.Errorf("failed to write to process stdin: %w", writeErr)
		}
		retries = 0
	}

	return written, nil
}

// Read returns the next queued output pair, waiting at most one millisecond.
// The second return value is false if no output is available.
func (p *Process) Read() (Output, bool) {
	return p.output.Pop(readQueueWait)
}

// ReadWait is like Read but waits up to timeout for output.
func (p *Process) ReadWait(timeout time.Duration) (Output, bool) {
	return p.output.Pop(timeout)
}

// IsAlive reports whether the process is still running. It does not reap the process.
func (p *Process) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	return isProcessAlive(p.cmd.Process.Pid)
}

// Done is closed once the process has exited and has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code of the process, or -1 if it is still running or was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// Wait blocks until the process exits or the timeout elapses.
func (p *Process) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.exited:
		if p.exitErr != nil && !IsEarlyProcessExitError(p.exitErr) {
			return p.exitErr
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d did not exit within %s", p.Pid(), timeout)
	}
}

// Terminate asks the process to exit and waits for it, killing it (and any processes it spawned)
// if it does not exit within the configured timeout.
func (p *Process) Terminate() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	// Children re-parent once the process dies, so capture them up front.
	children := childProcesses(p.Pid())

	var errs []error
	if signalErr := signalTerminate(p.cmd.Process); signalErr != nil && !errors.Is(signalErr, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("could not request termination of process %d: %w", p.Pid(), signalErr))
	}

	if p.Wait(p.terminateTimeout) != nil {
		p.log.V(1).Info("Process did not exit gracefully, killing it")
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("could not kill process %d: %w", p.Pid(), killErr))
		}
		if waitErr := p.Wait(p.terminateTimeout); waitErr != nil {
			errs = append(errs, waitErr)
		}
	}

	if killErr := killProcesses(children); killErr != nil {
		errs = append(errs, killErr)
	}

	return errors.Join(errs...)
}

// Cleanup stops output collection and releases the pipes. It does not terminate the process.
// Cleanup is safe to call multiple times.
func (p *Process) Cleanup() {
	p.cleanupOnce.Do(func() {
		p.writeLock.Lock()
		p.stopping.Store(true)
		_ = p.stdin.Close()
		p.writeLock.Unlock()

		close(p.stopCh)
		<-p.pumpDone

		_ = p.stdout.Close()
		_ = p.stderr.Close()
		p.output.Close()
	})
}

func (p *Process) waitForExit() {
	waitErr := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode.Store(int32(p.cmd.ProcessState.ExitCode()))
	}
	p.exitErr = waitErr
	close(p.exited)
	p.log.V(1).Info("Process exited", "exitCode", p.ExitCode())
}

// readStream reads one pipe until EOF (or Cleanup) and forwards every chunk.
func (p *Process) readStream(f *os.File, name string) <-chan string {
	chunks := make(chan string, 64)

	go func() {
		defer close(chunks)
		defer func() {
			_ = resiliency.MakePanicError(recover(), p.log)
		}()

		buf := make([]byte, streamReadBufferSize)
		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				select {
				case chunks <- string(buf[:n]):
				case <-p.stopCh:
					return
				}
			}
			if readErr != nil {
				if !p.stopping.Load() {
					p.log.V(1).Info("Process stream closed", "stream", name, "reason", readErr.Error())
				}
				return
			}
		}
	}()

	return chunks
}

// pumpOutput combines whatever stdout and stderr produced during one poll cycle into a single queued pair.
func (p *Process) pumpOutput(stdoutChunks, stderrChunks <-chan string) {
	defer close(p.pumpDone)
	defer func() {
		_ = resiliency.MakePanicError(recover(), p.log)
	}()

	timer := time.NewTimer(outputPollInterval)
	defer timer.Stop()

	for !p.stopping.Load() {
		if stdoutChunks == nil && stderrChunks == nil {
			return
		}

		var out Output
		got := false

		// Wait for the first chunk from either stream, then take everything else that is already available.
		timer.Reset(outputPollInterval)
		select {
		case chunk, isOpen := <-stdoutChunks:
			if !isOpen {
				stdoutChunks = nil
			} else {
				out.Stdout += chunk
				got = true
			}
		case chunk, isOpen := <-stderrChunks:
			if !isOpen {
				stderrChunks = nil
			} else {
				out.Stderr += chunk
				got = true
			}
		case <-timer.C:
			continue
		case <-p.stopCh:
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		out.Stdout, stdoutChunks = drain(out.Stdout, stdoutChunks)
		out.Stderr, stderrChunks = drain(out.Stderr, stderrChunks)

		if got || out.Stdout != "" || out.Stderr != "" {
			p.output.Push(out)
		}
	}
}

func drain(acc string, chunks <-chan string) (string, <-chan string) {
	for chunks != nil {
		select {
		case chunk, isOpen := <-chunks:
			if !isOpen {
				return acc, nil
			}
			acc += chunk
		default:
			return acc, chunks
		}
	}
	return acc, nil
}

func isTransientWriteError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// Checks if the error is associated with early exit of a process, which is often expected.
func IsEarlyProcessExitError(err error) bool {
	if err == nil {
		return false
	}

	var ee *exec.ExitError
	return errors.Is(err, os.ErrProcessDone) || errors.As(err, &ee)
}
