/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

const defaultQueueInitialCapacity = 16

// Queue is a goroutine-safe, unbounded FIFO queue.
// Multiple producers may Push concurrently; values pushed by a single producer are popped in push order,
// and a Push that returns before another Push starts is always popped first.
//
// Pop waits for data with a deadline instead of spinning: the consumer blocks on the underlying
// channel until either a value arrives or the timeout elapses.
type Queue[T any] struct {
	ch        *chanx.UnboundedChan[T]
	lifetime  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewQueue[T any]() *Queue[T] {
	lifetime, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		ch:       chanx.NewUnboundedChan[T](lifetime, defaultQueueInitialCapacity),
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// Push appends a value to the queue. Returns false if the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	if q.lifetime.Err() != nil {
		return false
	}

	select {
	case q.ch.In <- v:
		return true
	case <-q.lifetime.Done():
		return false
	}
}

// Pop removes and returns the value at the front of the queue.
// If the queue is empty, Pop waits up to timeout for a value to arrive.
// A zero or negative timeout makes Pop return immediately if nothing is queued.
// The second return value is false if no value was obtained.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	var zero T

	if timeout <= 0 {
		select {
		case v, isOpen := <-q.ch.Out:
			return v, isOpen
		default:
			return zero, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, isOpen := <-q.ch.Out:
		return v, isOpen
	case <-timer.C:
		return zero, false
	}
}

// Len returns the approximate number of queued values.
func (q *Queue[T]) Len() int {
	return q.ch.Len()
}

// Close releases the queue. Values still queued are discarded. Close is idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(q.cancel)
}
