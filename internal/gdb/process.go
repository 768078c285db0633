// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdb

import (
	"time"

	"github.com/dapgdb/dapgdb/pkg/process"
)

// Process is the debugger process as seen by the backend. *process.Process implements it.
type Process interface {
	Pid() int
	Write(data []byte) (int, error)

	// ReadWait returns the next chunk of output, waiting at most timeout. Zero means do not wait.
	ReadWait(timeout time.Duration) (process.Output, bool)

	IsAlive() bool
	Terminate() error
	Cleanup()
}

// ProcessStarter spawns the debugger process.
type ProcessStarter func(cfg process.Config) (Process, error)

func startProcess(cfg process.Config) (Process, error) {
	p, startErr := process.Start(cfg)
	if startErr != nil {
		return nil, startErr
	}
	return p, nil
}
