package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coe/internal/appversion"
)

// newRootCmd creates the root coe command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coe",
		Short:         "Ticket orchestration and concurrency-control engine",
		Long:          "coe hands tickets to a tool-calling client as tasks over JSON-RPC,\nwatches them for stalls and failures, and escalates what gets stuck.",
		Version:       fmt.Sprintf("coe %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newTicketsCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newConfigCmd(),
	)

	return cmd
}
