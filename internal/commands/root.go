/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands implements the dapgdb command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dapgdb/dapgdb/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dapgdb",
		Short: "Debug Adapter Protocol server for GDB",
		Long: `dapgdb lets editors and IDEs that speak the Debug Adapter Protocol (DAP)
debug native programs with GDB.

It listens on a TCP or unix domain socket, serves one client at a time and
translates DAP requests into GDB machine interface commands.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting dapgdb"),
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			log.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewServeCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'serve' command: %w", err)
	}

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
