/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package socket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/dapgdb/dapgdb/pkg/concurrency"
	"github.com/dapgdb/dapgdb/pkg/resiliency"
)

const (
	readerPollTimeout = 10 * time.Millisecond
	readerBufferSize  = 16 * 1024
)

// Reader continuously reads from a Socket on a dedicated goroutine and queues every chunk received.
// The goroutine observes Stop() within one poll interval.
type Reader struct {
	sock    *Socket
	chunks  *concurrency.Queue[[]byte]
	log     logr.Logger
	stopped atomic.Bool
	done    chan struct{}

	lock sync.Mutex
	err  error
}

func StartReader(sock *Socket, log logr.Logger) *Reader {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	r := &Reader{
		sock:   sock,
		chunks: concurrency.NewQueue[[]byte](),
		log:    log,
		done:   make(chan struct{}),
	}

	go r.run()
	return r
}

func (r *Reader) run() {
	defer close(r.done)
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), r.log); panicErr != nil {
			r.setErr(panicErr)
		}
	}()

	buf := make([]byte, readerBufferSize)
	for !r.stopped.Load() {
		n, result, readErr := r.sock.Read(buf, readerPollTimeout)
		if readErr != nil {
			if !r.stopped.Load() {
				r.log.V(1).Info("Socket reader stopping", "error", readErr.Error())
			}
			r.setErr(readErr)
			return
		}
		if result == Success {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.chunks.Push(chunk)
		}
	}
}

// Pop returns the next received chunk, waiting up to timeout for one to arrive.
func (r *Reader) Pop(timeout time.Duration) ([]byte, bool) {
	return r.chunks.Pop(timeout)
}

// Err returns the error that stopped the reader, if any.
// Chunks read before the error are still available from Pop.
func (r *Reader) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

// Done is closed when the reader goroutine has exited.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Stop signals the reader goroutine to exit and waits for it.
// Stop is idempotent.
func (r *Reader) Stop() {
	r.stopped.Store(true)
	<-r.done
	r.chunks.Close()
}

func (r *Reader) setErr(err error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.err == nil {
		r.err = err
	}
}
