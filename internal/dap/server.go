/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/dapgdb/dapgdb/pkg/resiliency"
	"github.com/dapgdb/dapgdb/pkg/socket"
)

const (
	acceptTimeout       = time.Second
	staleSocketDialWait = 100 * time.Millisecond

	// How long Read waits for a last chunk once the reader has stopped.
	finalChunkWait = 50 * time.Millisecond
)

// Connection is the message-level view of a client connection used by ServerProtocol.
type Connection interface {
	// Read waits up to timeout for raw bytes from the client.
	// Returns (nil, nil) if nothing arrived in time.
	Read(timeout time.Duration) ([]byte, error)

	// WriteMessage serializes and sends a message.
	WriteMessage(msg dap.Message) error
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Server listens for DAP clients and serves one client connection at a time.
type Server struct {
	log logr.Logger

	lock     sync.Mutex
	endpoint Endpoint
	listener deadlineListener
	client   *clientConnection
}

func NewServer(log logr.Logger) *Server {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Server{log: log}
}

// Start creates the listening socket described by the connection string.
func (s *Server) Start(ctx context.Context, connString string) error {
	endpoint, parseErr := ParseConnectionString(connString)
	if parseErr != nil {
		return parseErr
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server is already listening on %s", s.endpoint)
	}

	if endpoint.Network == "unix" {
		if removeErr := removeStaleSocket(ctx, endpoint.Address); removeErr != nil {
			return removeErr
		}
	}

	var lc net.ListenConfig
	listener, listenErr := lc.Listen(ctx, endpoint.Network, endpoint.Address)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", endpoint, listenErr)
	}

	dl, ok := listener.(deadlineListener)
	if !ok {
		_ = listener.Close()
		return fmt.Errorf("listener for %s does not support accept deadlines", endpoint)
	}

	s.listener = dl
	s.endpoint = endpoint
	s.log.Info("Listening for DAP clients", "address", listener.Addr().String())
	return nil
}

// Addr returns the address the server is listening on, or nil if it is not started.
func (s *Server) Addr() net.Addr {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WaitForNewConnection makes one accept attempt, waiting up to one second.
// Returns true if a new client connected. While a client is connected it returns false immediately.
func (s *Server) WaitForNewConnection() (bool, error) {
	s.lock.Lock()
	listener := s.listener
	hasClient := s.client != nil
	s.lock.Unlock()

	if listener == nil {
		return false, fmt.Errorf("server is not listening")
	}
	if hasClient {
		return false, nil
	}

	if deadlineErr := listener.SetDeadline(time.Now().Add(acceptTimeout)); deadlineErr != nil {
		return false, fmt.Errorf("failed to set accept deadline: %w", deadlineErr)
	}

	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		if errors.Is(acceptErr, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, fmt.Errorf("failed to accept client connection: %w", acceptErr)
	}

	client := newClientConnection(conn, s.log)

	s.lock.Lock()
	s.client = client
	s.lock.Unlock()

	s.log.Info("Client connected", "remote", conn.RemoteAddr().String())
	return true, nil
}

// HasConnection returns true if a client is connected.
func (s *Server) HasConnection() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.client != nil
}

func (s *Server) currentClient() (*clientConnection, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.client == nil {
		return nil, ErrNoConnection
	}
	return s.client, nil
}

// Read returns the next chunk of bytes received from the client, waiting up to timeout.
func (s *Server) Read(timeout time.Duration) ([]byte, error) {
	client, clientErr := s.currentClient()
	if clientErr != nil {
		return nil, clientErr
	}
	return client.Read(timeout)
}

// WriteMessage sends a message to the client. A message with seq 0 gets the next outgoing sequence number.
func (s *Server) WriteMessage(msg dap.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	client, clientErr := s.currentClient()
	if clientErr != nil {
		return clientErr
	}
	return client.WriteMessage(msg)
}

// CloseConnection drops the current client, so that a new one can be accepted.
func (s *Server) CloseConnection() {
	s.lock.Lock()
	client := s.client
	s.client = nil
	s.lock.Unlock()

	if client != nil {
		client.Close()
		s.log.Info("Client disconnected")
	}
}

// Close drops the current client and stops listening. Unix socket files are removed.
func (s *Server) Close() error {
	s.CloseConnection()

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return nil
	}

	closeErr := s.listener.Close()
	s.listener = nil

	if s.endpoint.Network == "unix" {
		if removeErr := os.Remove(s.endpoint.Address); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to remove socket file: %w", removeErr))
		}
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

// A socket file left behind by a crashed server makes listen fail.
// Remove it unless some process is still accepting connections on it.
func removeStaleSocket(ctx context.Context, path string) error {
	info, statErr := os.Stat(path)
	if errors.Is(statErr, fs.ErrNotExist) {
		return nil
	}
	if statErr != nil {
		return fmt.Errorf("failed to check socket file '%s': %w", path, statErr)
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("'%s' exists and is not a socket", path)
	}

	d := net.Dialer{Timeout: staleSocketDialWait}
	if conn, dialErr := d.DialContext(ctx, "unix", path); dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("socket '%s' is in use by another server", path)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxElapsedTime(time.Second),
	)
	return resiliency.Retry(ctx, b, func() error {
		removeErr := os.Remove(path)
		if removeErr == nil || errors.Is(removeErr, fs.ErrNotExist) {
			return nil
		}
		return removeErr
	})
}

// clientConnection is one accepted client: a socket, its reader goroutine and the outgoing sequence counter.
type clientConnection struct {
	sock   *socket.Socket
	reader *socket.Reader
	seq    *sequenceCounter
	log    logr.Logger
}

func newClientConnection(conn net.Conn, log logr.Logger) *clientConnection {
	sock := socket.New(conn)
	return &clientConnection{
		sock:   sock,
		reader: socket.StartReader(sock, log),
		seq:    newSequenceCounter(),
		log:    log,
	}
}

func (c *clientConnection) Read(timeout time.Duration) ([]byte, error) {
	if chunk, ok := c.reader.Pop(timeout); ok {
		return chunk, nil
	}

	// Queued chunks are always delivered before the error that stopped the reader.
	// A chunk pushed just before the reader stopped may still be in transit inside the queue.
	if readErr := c.reader.Err(); readErr != nil {
		if chunk, ok := c.reader.Pop(finalChunkWait); ok {
			return chunk, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, readErr)
	}
	return nil, nil
}

func (c *clientConnection) WriteMessage(msg dap.Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	if pm := protocolMessage(msg); pm != nil && pm.Seq == 0 {
		pm.Seq = c.seq.Next()
	}

	frame, encodeErr := Encode(msg)
	if encodeErr != nil {
		return encodeErr
	}

	if sendErr := c.sock.Send(frame); sendErr != nil {
		return fmt.Errorf("%w: failed to send DAP message: %w", ErrTransport, sendErr)
	}

	if c.log.V(1).Enabled() {
		c.log.V(1).Info("Sent DAP message", "message", describeMessage(msg))
	}
	return nil
}

func (c *clientConnection) Close() {
	_ = c.sock.Close()
	c.reader.Stop()
}

// protocolMessage returns the embedded ProtocolMessage of any request, response or event.
func protocolMessage(msg dap.Message) *dap.ProtocolMessage {
	if req, ok := AsRequest(msg); ok {
		return &req.ProtocolMessage
	}
	if resp, ok := AsResponse(msg); ok {
		return &resp.ProtocolMessage
	}
	if evt, ok := AsEvent(msg); ok {
		return &evt.ProtocolMessage
	}
	return nil
}

// describeMessage returns a short string for log output, e.g. "request launch (seq 3)".
func describeMessage(msg dap.Message) string {
	if req, ok := AsRequest(msg); ok {
		return fmt.Sprintf("request %s (seq %d)", req.Command, req.Seq)
	}
	if resp, ok := AsResponse(msg); ok {
		return fmt.Sprintf("response %s (seq %d, request_seq %d, success %t)", resp.Command, resp.Seq, resp.RequestSeq, resp.Success)
	}
	if evt, ok := AsEvent(msg); ok {
		return fmt.Sprintf("event %s (seq %d)", evt.Event, evt.Seq)
	}
	return fmt.Sprintf("%T", msg)
}

var _ Connection = (*Server)(nil)
var _ Connection = (*clientConnection)(nil)
