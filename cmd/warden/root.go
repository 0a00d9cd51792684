package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/internal/appversion"
)

// newRootCmd creates the root warden command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "Personal automation supervisor",
		Long:          "warden supervises detector workers, deduplicates what they find,\ngates sensitive actions behind human approval, and retries the rest\nuntil done or escalated.",
		Version:       fmt.Sprintf("warden %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newDetectorCmd(),
		newWorkerCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newAlertsCmd(),
		newLogsCmd(),
	)

	return cmd
}
