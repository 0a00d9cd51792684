package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"warden/pkg/protocol"
	"warden/pkg/supervisor"
)

// newStatusCmd creates the "warden status" subcommand. Exit code 2 means the
// supervisor is unreachable, so cron wrappers can tell "down" from "unhappy".
func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor, worker, and queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			ack, err := sendDirective(cmd.Context(), paths.SocketPath, protocol.DirectiveStatus)
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Fprintln(cmd.OutOrStdout(), ack.Detail)
				return nil
			}
			var snap supervisor.StatusSnapshot
			if err := json.Unmarshal([]byte(ack.Detail), &snap); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), &snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON snapshot")
	return cmd
}

func printStatus(w io.Writer, snap *supervisor.StatusSnapshot) {
	fmt.Fprintf(w, "supervisor: running (PID %d, up %s)\n",
		snap.Daemon.PID, (time.Duration(snap.Daemon.UptimeSeconds) * time.Second).String())

	fmt.Fprintf(w, "\nworkers (%d):\n", len(snap.Workers))
	workers := append([]supervisor.WorkerSnapshot(nil), snap.Workers...)
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	for _, ws := range workers {
		line := fmt.Sprintf("  %-12s %-9s", ws.Name, ws.Status)
		if ws.PID != 0 {
			line += fmt.Sprintf(" pid %-7d", ws.PID)
		}
		if ws.LastEvent != "" {
			line += " last event " + ws.LastEvent
		}
		if ws.ConsecErrors > 0 {
			line += fmt.Sprintf(" errors %d", ws.ConsecErrors)
		}
		if ws.RestartsHour > 0 {
			line += fmt.Sprintf(" restarts %d/hr", ws.RestartsHour)
		}
		fmt.Fprintln(w, line)
	}

	if len(snap.Records) > 0 {
		fmt.Fprint(w, "\nrecords:")
		states := make([]string, 0, len(snap.Records))
		for st := range snap.Records {
			states = append(states, string(st))
		}
		sort.Strings(states)
		for _, st := range states {
			fmt.Fprintf(w, " %s=%d", st, snap.Records[protocol.RecordState(st)])
		}
		fmt.Fprintln(w)
	}

	if len(snap.Approvals) > 0 {
		fmt.Fprintf(w, "\npending approvals (%d):\n", len(snap.Approvals))
		for _, req := range snap.Approvals {
			flag := ""
			if req.OverdueFlagged {
				flag = "  OVERDUE"
			}
			fmt.Fprintf(w, "  %s  event %s  risk %s  decide by %s%s\n",
				req.ID, req.EventID, req.RiskLevel, req.DeadlineAt.Format(time.RFC3339), flag)
		}
	}

	if len(snap.Sessions) > 0 {
		fmt.Fprintf(w, "\nactive retry loops (%d):\n", len(snap.Sessions))
		for _, sess := range snap.Sessions {
			fmt.Fprintf(w, "  event %s  iteration %d/%d\n", sess.EventID, sess.Iteration, sess.MaxIterations)
		}
	}

	if len(snap.Alerts) > 0 {
		fmt.Fprintf(w, "\npending alerts (%d):\n", len(snap.Alerts))
		for _, a := range snap.Alerts {
			fmt.Fprintf(w, "  [%d] %s: %s\n", a.ID, a.Kind, a.Message)
		}
	}
}
