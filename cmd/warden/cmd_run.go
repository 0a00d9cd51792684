package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"warden/pkg/approval"
	"warden/pkg/auditlog"
	"warden/pkg/config"
	"warden/pkg/loop"
	"warden/pkg/store"
	"warden/pkg/supervisor"
)

// newRunCmd creates the "warden run" subcommand: the daemon itself. It stays
// in the foreground; daemonization is the init system's job.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the warden supervisor daemon",
		Long:  "Starts the supervisor: listens on the unix socket, spawns detector\nworkers, and processes events until SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runDaemon(parent context.Context, out io.Writer) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	if err := paths.EnsureHome(); err != nil {
		return err
	}

	status, pid, err := DaemonStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		return fmt.Errorf("supervisor already running (PID %d)", pid)
	case StatusStale:
		fmt.Fprintln(out, "removing stale PID file")
		_ = RemovePIDFile(paths.PIDPath)
		_ = os.Remove(paths.SocketPath)
	case StatusStopped:
		_ = os.Remove(paths.SocketPath)
	}

	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return err
	}
	pol, err := config.LoadPolicy(paths.PolicyPath)
	if err != nil {
		return err
	}

	db, err := openDB(paths.StateDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	audit, err := auditlog.NewWriter(paths.AuditDir)
	if err != nil {
		return err
	}
	defer func() { _ = audit.Close() }()

	records := store.New(db, audit)
	if err := records.Init(parent); err != nil {
		return err
	}
	approvals := approval.New(records, audit)
	loops := loop.NewController(records, loop.Bounds{})

	sup := supervisor.New(supervisor.Config{
		SocketPath:          paths.SocketPath,
		Home:                paths.Home,
		AuditDir:            paths.AuditDir,
		HealthCheckInterval: cfg.Supervisor.HealthCheckInterval.Std(),
		LedgerRetention:     cfg.Supervisor.LedgerRetention.Std(),
		AuditRetentionDays:  cfg.Supervisor.AuditRetentionDays,
		CPUCeilingPercent:   cfg.Supervisor.CPUCeilingPercent,
	}, records, approvals, loops, audit, pol, cfg.Workers)

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		_ = RemovePIDFile(paths.PIDPath)
		_ = os.Remove(paths.SocketPath)
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sup.WatchConfig(ctx, paths.ConfigPath, paths.PolicyPath)

	fmt.Fprintf(out, "warden supervisor started (PID %d, socket %s)\n", os.Getpid(), paths.SocketPath)
	return sup.Run(ctx)
}
