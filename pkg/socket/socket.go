/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package socket wraps a stream connection with a read-with-timeout API,
// a write loop that sends the entire buffer, and a background reader that
// feeds received chunks into a queue.
package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ReadResult is the outcome of a Socket.Read call that did not fail.
type ReadResult int

const (
	// Success means at least one byte was read.
	Success ReadResult = iota
	// Timeout means no data arrived within the requested time. It is not an error.
	Timeout
)

func (r ReadResult) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Internal writability wait used by Send between partial writes.
const sendPollTimeout = time.Second

var (
	// ErrClosed is returned when an operation is attempted on a closed socket.
	ErrClosed = errors.New("socket is closed")

	// ErrConnectionClosed is returned when the remote side closed the connection.
	ErrConnectionClosed = errors.New("connection closed by peer")
)

type Socket struct {
	conn      net.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func New(conn net.Conn) *Socket {
	return &Socket{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Read waits up to timeout for data and reads it into buf.
// Returns (n, Success, nil) when data was read and (0, Timeout, nil) when nothing arrived in time.
// Any other failure, including the peer closing the connection, is returned as an error.
func (s *Socket) Read(buf []byte, timeout time.Duration) (int, ReadResult, error) {
	if s.IsClosed() {
		return 0, Timeout, ErrClosed
	}

	if deadlineErr := s.conn.SetReadDeadline(time.Now().Add(timeout)); deadlineErr != nil {
		return 0, Timeout, fmt.Errorf("failed to set read deadline: %w", deadlineErr)
	}

	n, readErr := s.conn.Read(buf)
	if n > 0 {
		// Data obtained before a deadline or EOF is never dropped; the error, if any, surfaces on the next call.
		return n, Success, nil
	}

	switch {
	case readErr == nil:
		return 0, Timeout, nil
	case errors.Is(readErr, os.ErrDeadlineExceeded):
		return 0, Timeout, nil
	case s.IsClosed():
		return 0, Timeout, ErrClosed
	case isEOF(readErr):
		return 0, Timeout, ErrConnectionClosed
	default:
		return 0, Timeout, fmt.Errorf("failed to read from socket: %w", readErr)
	}
}

// Send writes the whole buffer, looping over partial writes.
// Each write attempt waits at most one second for the connection to accept data.
func (s *Socket) Send(data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	for len(data) > 0 {
		if s.IsClosed() {
			return ErrClosed
		}

		if deadlineErr := s.conn.SetWriteDeadline(time.Now().Add(sendPollTimeout)); deadlineErr != nil {
			return fmt.Errorf("failed to set write deadline: %w", deadlineErr)
		}

		n, writeErr := s.conn.Write(data)
		data = data[n:]
		if writeErr != nil {
			if errors.Is(writeErr, os.ErrDeadlineExceeded) {
				continue
			}
			if s.IsClosed() {
				return ErrClosed
			}
			return fmt.Errorf("failed to write to socket: %w", writeErr)
		}
	}

	return nil
}

// Close releases the underlying connection. Subsequent calls are no-ops and return the first result.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Socket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
