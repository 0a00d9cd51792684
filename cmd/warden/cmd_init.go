package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigTOML = `# warden daemon configuration.

[supervisor]
health_check_interval = "60s"
ledger_retention = "24h"
audit_retention_days = 90
cpu_ceiling_percent = 80.0

# Declare detector workers here. Each worker is spawned by the supervisor
# and reports detections over the control socket.
#
# [[workers]]
# name = "email"
# enabled = true
# command = "warden"
# args = ["detector", "--command", "/usr/local/bin/poll-email"]
# check_interval = "3m"
# poll_interval = "5m"
# restart_cap_per_hour = 3
`

const defaultPolicyYAML = `# Approval policy per event kind. Kinds not listed here use the defaults:
# non-sensitive, no executor (records stay in "new" for manual triage).
#
# email_received:
#   executor: /usr/local/bin/handle-email
#
# sensitive_action:
#   sensitive: true
#   risk_level: high
#   approval_deadline: 24h
#   approval_expiry: 168h
#   executor: /usr/local/bin/run-sensitive
kinds: {}
`

// newInitCmd creates "warden init": set up the state directory with default
// config files. Existing files are never overwritten.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the warden home directory and default config files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := paths.EnsureHome(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state directory: %s\n", paths.Home)

			for _, f := range []struct{ path, content string }{
				{paths.ConfigPath, defaultConfigTOML},
				{paths.PolicyPath, defaultPolicyYAML},
			} {
				created, err := writeIfAbsent(f.path, f.content)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "created %s\n", f.path)
				} else {
					fmt.Fprintf(out, "kept existing %s\n", f.path)
				}
			}
			return nil
		},
	}
}

func writeIfAbsent(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
