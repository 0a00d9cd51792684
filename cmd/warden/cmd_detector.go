package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"warden/pkg/detector"
)

// newDetectorCmd creates the "warden detector" subcommand: a detector worker
// process wrapping a poll script. The supervisor spawns these per its worker
// list, passing identity through the environment; flags override for manual
// runs.
func newDetectorCmd() *cobra.Command {
	var (
		name     string
		socket   string
		command  string
		cmdArgs  []string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "detector",
		Short: "Run a detector worker (spawned by the supervisor)",
		Long: `Runs one detector: polls the configured command on an interval, parses
its stdout as JSON-lines detections, and reports them to the supervisor.

Identity and socket default from WARDEN_WORKER, WARDEN_SOCKET, and
WARDEN_POLL_INTERVAL, which the supervisor sets when spawning.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				name = os.Getenv("WARDEN_WORKER")
			}
			if socket == "" {
				socket = os.Getenv("WARDEN_SOCKET")
			}
			if interval == 0 {
				if v := os.Getenv("WARDEN_POLL_INTERVAL"); v != "" {
					d, err := time.ParseDuration(v)
					if err != nil {
						return fmt.Errorf("parse WARDEN_POLL_INTERVAL %q: %w", v, err)
					}
					interval = d
				}
			}
			if name == "" || socket == "" {
				return fmt.Errorf("detector needs --name and --socket (or WARDEN_WORKER / WARDEN_SOCKET)")
			}
			if command == "" {
				return fmt.Errorf("detector needs --command")
			}
			if interval == 0 {
				interval = 5 * time.Minute
			}

			src := &detector.ScriptSource{Command: command, Args: cmdArgs}
			d, err := detector.New(name, socket, src, interval)
			if err != nil {
				return err
			}
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name (default: WARDEN_WORKER)")
	cmd.Flags().StringVar(&socket, "socket", "", "supervisor socket path (default: WARDEN_SOCKET)")
	cmd.Flags().StringVar(&command, "command", "", "poll command producing JSON-lines detections")
	cmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "argument to the poll command (repeatable)")
	cmd.Flags().DurationVar(&interval, "poll", 0, "poll interval (default: WARDEN_POLL_INTERVAL or 5m)")
	return cmd
}
