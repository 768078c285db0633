// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"net"
	"runtime"
	"strings"
)

const (
	tcpScheme  = "tcp://"
	unixScheme = "unix://"
)

// Endpoint is a parsed connection string.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string // host:port or socket file path
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Address
}

// ParseConnectionString parses "tcp://<host>:<port>" or "unix://<path>".
// The unix form is not supported on Windows.
func ParseConnectionString(connString string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(connString, tcpScheme):
		address := strings.TrimPrefix(connString, tcpScheme)
		if _, _, splitErr := net.SplitHostPort(address); splitErr != nil {
			return Endpoint{}, fmt.Errorf("%w: '%s': %w", ErrUnsupportedConnectionString, connString, splitErr)
		}
		return Endpoint{Network: "tcp", Address: address}, nil

	case strings.HasPrefix(connString, unixScheme):
		if runtime.GOOS == "windows" {
			return Endpoint{}, fmt.Errorf("%w: unix domain sockets are not supported on Windows", ErrUnsupportedConnectionString)
		}
		path := strings.TrimPrefix(connString, unixScheme)
		if path == "" {
			return Endpoint{}, fmt.Errorf("%w: '%s' has an empty socket path", ErrUnsupportedConnectionString, connString)
		}
		return Endpoint{Network: "unix", Address: path}, nil

	default:
		return Endpoint{}, fmt.Errorf("%w: '%s'", ErrUnsupportedConnectionString, connString)
	}
}
