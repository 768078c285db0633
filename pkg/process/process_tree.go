/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"errors"
	"fmt"

	ps "github.com/shirou/gopsutil/v4/process"
)

// Returns all descendants of the process, ordered parents first.
// Failures to enumerate are treated as "no children".
func childProcesses(pid int) []*ps.Process {
	root, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var tree []*ps.Process
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]

		children, childrenErr := current.Children()
		if childrenErr != nil {
			continue
		}
		tree = append(tree, children...)
		next = append(next, children...)
	}

	return tree
}

func killProcesses(procs []*ps.Process) error {
	var errs []error
	for _, p := range procs {
		running, runningErr := p.IsRunning()
		if runningErr != nil || !running {
			continue
		}
		if killErr := p.Kill(); killErr != nil && !errors.Is(killErr, ps.ErrorProcessNotRunning) {
			errs = append(errs, fmt.Errorf("could not kill child process %d: %w", p.Pid, killErr))
		}
	}
	return errors.Join(errs...)
}
