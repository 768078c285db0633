package commands

import (
	"os"
	"runtime"

	"github.com/dapgdb/dapgdb/pkg/logger"
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

func LineSep() string {
	if IsWindows() {
		return "\r\n"
	}
	return "\n"
}

// ErrorExit reports a command failure on stderr, flushes the log and exits with the given code.
func ErrorExit(log *logger.Logger, err error, exitCode int) {
	log.V(1).Info("Command failed", "error", err.Error(), "exitCode", exitCode)
	_, _ = os.Stderr.WriteString(err.Error() + LineSep())
	log.Flush()
	os.Exit(exitCode)
}
