package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/pkg/protocol"
)

// newWorkerCmd creates "warden worker" with lifecycle subcommands that talk
// to the running supervisor over the control socket.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage detector workers",
	}
	cmd.AddCommand(
		newWorkerActionCmd("stop", "Stop a worker and disable restarts", protocol.DirectiveStop),
		newWorkerActionCmd("restart", "Restart a worker", protocol.DirectiveRestart),
		newWorkerActionCmd("enable", "Enable a disabled worker and start it", protocol.DirectiveEnable),
		newWorkerActionCmd("disable", "Disable a worker without removing its config", protocol.DirectiveDisable),
	)
	return cmd
}

func newWorkerActionCmd(verb, short string, op protocol.Directive) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			ack, err := sendDirective(cmd.Context(), paths.SocketPath, op, args[0])
			if err != nil {
				return err
			}
			if ack.Detail != "" {
				fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "worker %q: %s ok\n", args[0], verb)
			}
			return nil
		},
	}
}
