/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dapgdb/dapgdb/internal/config"
	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/internal/gdb"
)

type serveFlags struct {
	configFile       string
	listen           string
	gdbPath          string
	gdbArgs          []string
	handshakeTimeout time.Duration
	printConfig      bool
	monitor          monitorFlags
}

func NewServeCommand(log logr.Logger) (*cobra.Command, error) {
	flags := &serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the DAP server",
		Long: `Runs the DAP server until interrupted.

Clients are served one at a time. Every client session gets its own GDB process,
started when the client sends the launch request.

Settings can be read from a YAML file (--config); flags given on the command line
take precedence over the file.`,
		RunE: runServe(log, flags),
		Args: cobra.NoArgs,
	}

	defaults := config.Default()
	fs := serveCmd.Flags()
	fs.StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML configuration file.")
	fs.StringVarP(&flags.listen, "listen", "l", defaults.Listen, "Where to listen for clients: tcp://<host>:<port> or unix://<socket path>.")
	fs.StringVar(&flags.gdbPath, "gdb", defaults.Debugger.Path, "The GDB executable.")
	fs.StringArrayVar(&flags.gdbArgs, "gdb-arg", nil, "Extra argument for GDB. Can be repeated.")
	fs.DurationVar(&flags.handshakeTimeout, "handshake-timeout", time.Duration(defaults.HandshakeTimeout), "How long a client has to send the initialize request. Zero means no limit.")
	fs.BoolVar(&flags.printConfig, "print-config", false, "Print the effective configuration and exit.")
	flags.monitor.addTo(fs)

	return serveCmd, nil
}

// resolveConfig merges the configuration file with the flags that were explicitly set.
func resolveConfig(fs *pflag.FlagSet, flags *serveFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configFile != "" {
		loaded, loadErr := config.Load(flags.configFile)
		if loadErr != nil {
			return config.Config{}, loadErr
		}
		cfg = loaded
	}

	if fs.Changed("listen") {
		cfg.Listen = flags.listen
	}
	if fs.Changed("gdb") {
		cfg.Debugger.Path = flags.gdbPath
	}
	if fs.Changed("gdb-arg") {
		cfg.Debugger.Args = flags.gdbArgs
	}
	if fs.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = config.Duration(flags.handshakeTimeout)
	}

	if validationErr := cfg.Validate(); validationErr != nil {
		return config.Config{}, validationErr
	}
	return cfg, nil
}

func runServe(log logr.Logger, flags *serveFlags) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log := log.WithName("serve")

		cfg, cfgErr := resolveConfig(cmd.Flags(), flags)
		if cfgErr != nil {
			return cfgErr
		}

		if flags.printConfig {
			data, marshalErr := cfg.Marshal()
			if marshalErr != nil {
				return fmt.Errorf("could not print the configuration: %w", marshalErr)
			}
			_, writeErr := cmd.OutOrStdout().Write(data)
			return writeErr
		}

		if _, lookErr := exec.LookPath(cfg.Debugger.Path); lookErr != nil {
			log.Info("Debugger executable not found; debug sessions will fail to launch", "path", cfg.Debugger.Path, "error", lookErr.Error())
		}

		ctx, cancel := monitorContext(cmd.Context(), flags.monitor, log.WithName("monitor"))
		defer cancel()

		serveCfg := cfg.ServeConfig()
		serveCfg.Logger = log
		serveCfg.NewBackend = newBackendFactory(cfg)
		serveCfg.OnListening = func(addr string) {
			log.Info("Waiting for DAP clients", "address", addr, "debugger", cfg.Debugger.Path)
		}

		return dapsrv.Serve(ctx, serveCfg)
	}
}

func newBackendFactory(cfg config.Config) dapsrv.BackendFactory {
	return func(log logr.Logger) (dapsrv.Backend, error) {
		backendCfg := cfg.BackendConfig()
		backendCfg.Log = log.WithName("gdb")
		return gdb.New(backendCfg), nil
	}
}
