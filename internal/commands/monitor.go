package commands

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/dapgdb/dapgdb/pkg/process"
)

type monitorFlags struct {
	pid      int
	interval time.Duration
}

func (m *monitorFlags) addTo(fs *pflag.FlagSet) {
	fs.IntVarP(&m.pid, "monitor", "m", process.UnknownPID, "If present, tells dapgdb to monitor a given process ID (PID) and shut down when the monitored process exits for any reason.")
	fs.DurationVar(&m.interval, "monitor-interval", process.DefaultMonitorPollInterval, "Time between checks for the monitored process.")
}

// monitorContext returns a context that is cancelled when the monitored process exits.
// Without a monitored process the parent context is returned.
func monitorContext(ctx context.Context, m monitorFlags, log logr.Logger) (context.Context, context.CancelFunc) {
	if m.pid == process.UnknownPID {
		return ctx, func() {}
	}

	monitorCtx, monitorCtxCancel := context.WithCancel(ctx)
	go func() {
		defer monitorCtxCancel()
		if waitErr := process.WaitForExit(monitorCtx, m.pid, m.interval); waitErr != nil {
			if errors.Is(waitErr, context.Canceled) {
				log.V(1).Info("Monitoring cancelled by context", "pid", m.pid)
			} else {
				log.Error(waitErr, "Error waiting for process", "pid", m.pid)
			}
		} else {
			log.Info("Monitored process exited, shutting down", "pid", m.pid)
		}
	}()

	return monitorCtx, monitorCtxCancel
}
