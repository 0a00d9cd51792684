package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"warden/pkg/protocol"
	"warden/pkg/store"
)

// newAlertsCmd creates "warden alerts": list pending escalations and
// acknowledge them. Listing reads the state database directly so it works
// even when the supervisor is down; acknowledging goes through the
// supervisor because it mutates state.
func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List pending escalations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			db, err := openDBReadOnly(paths.StateDBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			alerts, err := store.New(db, nil).PendingEscalations(cmd.Context())
			if err != nil {
				return err
			}
			printAlerts(cmd, alerts)
			return nil
		},
	}
	cmd.AddCommand(newAlertsAckCmd())
	return cmd
}

func newAlertsAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
				return fmt.Errorf("invalid alert id %q", args[0])
			}
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			ack, err := sendDirective(cmd.Context(), paths.SocketPath, protocol.DirectiveAckAlert, args[0])
			if err != nil {
				return err
			}
			if ack.Detail != "" {
				fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "alert %s acknowledged\n", args[0])
			}
			return nil
		},
	}
}

func printAlerts(cmd *cobra.Command, alerts []protocol.Escalation) {
	if len(alerts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no pending alerts")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tWORKER\tAGE\tMESSAGE")
	for _, a := range alerts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			a.ID, a.Kind, a.Worker, time.Since(a.CreatedAt).Round(time.Second), a.Message)
	}
	w.Flush()
}
