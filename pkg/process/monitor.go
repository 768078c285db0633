// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package process

import (
	"context"
	"fmt"
	"time"
)

const (
	UnknownPID                 = -1
	DefaultMonitorPollInterval = time.Second
)

// WaitForExit blocks until the process identified by pid is gone or the context is done.
// The process does not need to be a child of the current process, so liveness is polled.
func WaitForExit(ctx context.Context, pid int, pollInterval time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid process ID %d", pid)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultMonitorPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for isProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
