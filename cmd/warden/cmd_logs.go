package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"warden/pkg/auditlog"
)

// newLogsCmd creates "warden logs": query the append-only audit trail.
func newLogsCmd() *cobra.Command {
	var (
		eventID string
		actor   string
		since   time.Duration
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the audit log",
		Long: `Reads the day-partitioned audit files directly, so it works
whether or not the supervisor is running. Entries print newest first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			opts := auditlog.QueryOpts{
				EventID: eventID,
				Actor:   actor,
				Limit:   limit,
			}
			if since > 0 {
				after := time.Now().Add(-since)
				opts.After = &after
			}
			entries, err := auditlog.Query(paths.AuditDir, opts)
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			printEntries(cmd, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "filter by event ID")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON lines")
	return cmd
}

func printEntries(cmd *cobra.Command, entries []auditlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no matching entries")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-12s %s", e.Timestamp.Local().Format(time.RFC3339), e.Actor, e.Result)
		if e.EventID != "" {
			line += "  event=" + e.EventID
		}
		if e.FromState != "" || e.ToState != "" {
			line += fmt.Sprintf("  %s->%s", e.FromState, e.ToState)
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
