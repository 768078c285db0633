//go:build windows

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Exit code reported by GetExitCodeProcess while the process is running.
const stillActive = 259

func decoupleFromParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func isProcessAlive(pid int) bool {
	handle, openErr := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if openErr != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(handle) }()

	var exitCode uint32
	if exitCodeErr := windows.GetExitCodeProcess(handle, &exitCode); exitCodeErr != nil {
		return false
	}
	return exitCode == stillActive
}

// There is no graceful termination signal for console-less children on Windows.
func signalTerminate(proc *os.Process) error {
	return proc.Kill()
}
