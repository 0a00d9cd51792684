package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// stopConfig carries the stop sequence's dependencies so tests can stub the
// signal and liveness functions.
type stopConfig struct {
	pidPath  string
	w        io.Writer
	stdin    io.Reader
	signalFn func(pid int) error
	aliveFn  func(pid int) bool
	killFn   func(pid int) error
	isTTY    func() bool
	force    bool
}

// newStopCmd creates the "warden stop" subcommand: graceful daemon shutdown.
func newStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the warden supervisor daemon",
		Long: `Sends SIGTERM to the supervisor, which stops workers and drains
connections before exiting. Requires an interactive terminal, or --force
with WARDEN_CONFIRMED=1 for scripted use.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			cfg := &stopConfig{
				pidPath:  paths.PIDPath,
				w:        cmd.OutOrStdout(),
				stdin:    os.Stdin,
				signalFn: func(pid int) error { return syscall.Kill(pid, syscall.SIGTERM) },
				aliveFn:  IsProcessAlive,
				killFn:   func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) },
				isTTY:    func() bool { return isatty.IsTerminal(os.Stdin.Fd()) },
				force:    force,
			}
			return runStopSequence(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip interactive confirmation (requires WARDEN_CONFIRMED=1)")
	return cmd
}

// runStopSequence performs the graceful shutdown:
//  1. Confirm the caller is a human (TTY prompt) or explicitly scripted
//  2. SIGTERM and wait for the drain
//  3. SIGKILL as a last resort
//  4. Remove the PID file
func runStopSequence(ctx context.Context, cfg *stopConfig) error {
	status, pid, err := DaemonStatus(cfg.pidPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusStopped:
		fmt.Fprintln(cfg.w, "supervisor is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(cfg.w, "removing stale PID file (process already dead)")
		return RemovePIDFile(cfg.pidPath)
	case StatusRunning:
	}

	if err := confirmStop(cfg); err != nil {
		return err
	}

	fmt.Fprintf(cfg.w, "sending SIGTERM to supervisor (PID %d)\n", pid)
	if err := cfg.signalFn(pid); err != nil {
		fmt.Fprintf(cfg.w, "warning: SIGTERM failed: %v\n", err)
	}

	fmt.Fprintln(cfg.w, "waiting for supervisor to drain...")
	if err := waitForExit(ctx, pid, cfg.aliveFn); err != nil {
		fmt.Fprintf(cfg.w, "warning: %v\n", err)
		if cfg.killFn != nil {
			fmt.Fprintf(cfg.w, "sending SIGKILL to supervisor (PID %d)\n", pid)
			if killErr := cfg.killFn(pid); killErr != nil {
				fmt.Fprintf(cfg.w, "warning: SIGKILL failed: %v\n", killErr)
			}
		}
	}

	_ = RemovePIDFile(cfg.pidPath)
	fmt.Fprintln(cfg.w, "shutdown complete")
	return nil
}

// confirmStop requires either an interactive yes or --force plus the
// WARDEN_CONFIRMED env var, so automations cannot casually kill the daemon.
func confirmStop(cfg *stopConfig) error {
	if cfg.force {
		if os.Getenv("WARDEN_CONFIRMED") != "1" {
			return fmt.Errorf("--force requires WARDEN_CONFIRMED=1")
		}
		return nil
	}
	if !cfg.isTTY() {
		return fmt.Errorf("refusing to stop without a terminal; use --force with WARDEN_CONFIRMED=1")
	}
	fmt.Fprint(cfg.w, "stop the warden supervisor? [y/N] ")
	reader := bufio.NewReader(cfg.stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		return fmt.Errorf("aborted")
	}
	return nil
}

// waitForExit polls until the process is gone or ten seconds pass.
func waitForExit(ctx context.Context, pid int, alive func(int) bool) error {
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("supervisor (PID %d) did not exit in time", pid)
		case <-tick.C:
			if !alive(pid) {
				return nil
			}
		}
	}
}
