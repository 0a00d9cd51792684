package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"warden/pkg/protocol"
)

// newApproveCmd creates "warden approve <event-id>".
func newApproveCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "approve <event-id>",
		Short: "Approve a pending sensitive event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, protocol.DirectiveApprove, args[0], as)
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "decider identity recorded with the decision (default: $USER)")
	return cmd
}

// newRejectCmd creates "warden reject <event-id>".
func newRejectCmd() *cobra.Command {
	var as string
	cmd := &cobra.Command{
		Use:   "reject <event-id>",
		Short: "Reject a pending sensitive event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, protocol.DirectiveReject, args[0], as)
		},
	}
	cmd.Flags().StringVar(&as, "as", "", "decider identity recorded with the decision (default: $USER)")
	return cmd
}

func runDecision(cmd *cobra.Command, op protocol.Directive, eventID, decider string) error {
	if decider == "" {
		decider = os.Getenv("USER")
	}
	if decider == "" {
		return fmt.Errorf("cannot determine decider: set --as or $USER")
	}
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	ack, err := sendDirective(cmd.Context(), paths.SocketPath, op, eventID, decider)
	if err != nil {
		return err
	}
	if ack.Detail != "" {
		fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "event %s: %s recorded by %s\n", eventID, op, decider)
	}
	return nil
}
