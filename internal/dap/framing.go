// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/go-dap"
)

const (
	contentLengthHeader = "content-length"
	headerSeparator     = "\r\n\r\n"
	headerLineSeparator = "\r\n"
)

// Codec turns a byte stream into DAP messages. Bytes are accumulated with AppendBuffer;
// each ProcessBuffer call extracts at most one frame.
//
// The buffer is unbounded; callers reading from untrusted peers should watch Len().
// A Codec is not safe for concurrent use.
type Codec struct {
	buf      []byte
	registry *Registry
}

// NewCodec creates a codec that decodes payloads with the given registry (DefaultRegistry if nil).
func NewCodec(registry *Registry) *Codec {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Codec{registry: registry}
}

// AppendBuffer adds newly received bytes to the end of the internal buffer.
func (c *Codec) AppendBuffer(data []byte) {
	c.buf = append(c.buf, data...)
}

// Len returns the number of buffered bytes not yet consumed by ProcessBuffer.
func (c *Codec) Len() int {
	return len(c.buf)
}

// ProcessBuffer attempts to extract one frame from the buffer.
//
// Returns (msg, nil) when a complete frame was decoded, and (nil, nil) when the buffer does not
// hold a complete frame yet (the buffer is kept intact).
// A frame that was consumed but produced no message yields a dropped-frame error (see IsDroppedFrame):
// ErrMissingContentLength (header section discarded), ErrMalformedJSON or ErrUnknownMessage (whole frame discarded).
// ErrInvalidContentLength leaves the buffer untouched.
func (c *Codec) ProcessBuffer() (dap.Message, error) {
	headerEnd := bytes.Index(c.buf, []byte(headerSeparator))
	if headerEnd < 0 {
		return nil, nil
	}
	bodyStart := headerEnd + len(headerSeparator)

	headers := parseHeaders(c.buf[:headerEnd])
	lengthVal, found := headers[contentLengthHeader]
	if !found {
		c.consume(bodyStart)
		return nil, ErrMissingContentLength
	}

	length, parseErr := strconv.Atoi(lengthVal)
	if parseErr != nil || length <= 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrInvalidContentLength, lengthVal)
	}

	if length > math.MaxInt-bodyStart {
		return nil, fmt.Errorf("%w: '%s' is too large", ErrInvalidContentLength, lengthVal)
	}
	frameEnd := bodyStart + length
	if len(c.buf) < frameEnd {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, c.buf[bodyStart:frameEnd])
	c.consume(frameEnd)

	return c.registry.FromJSON(payload)
}

// Reset discards all buffered bytes.
func (c *Codec) Reset() {
	c.buf = c.buf[:0]
}

func (c *Codec) consume(n int) {
	remaining := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:remaining]
}

// Header names are matched case-insensitively; lines without a colon are ignored.
func parseHeaders(section []byte) map[string]string {
	headers := map[string]string{}
	for _, line := range strings.Split(string(section), headerLineSeparator) {
		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers
}

// Encode serializes a message and prefixes it with the Content-Length header.
func Encode(msg dap.Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	payload, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to serialize DAP message: %w", marshalErr)
	}

	header := fmt.Sprintf("Content-Length: %d%s", len(payload), headerSeparator)
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)
	return frame, nil
}
