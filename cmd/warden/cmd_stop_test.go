package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func stubStopConfig(pidPath string, buf *bytes.Buffer) *stopConfig {
	return &stopConfig{
		pidPath:  pidPath,
		w:        buf,
		stdin:    strings.NewReader("y\n"),
		signalFn: func(int) error { return nil },
		aliveFn:  func(int) bool { return false },
		killFn:   func(int) error { return nil },
		isTTY:    func() bool { return true },
	}
}

func TestStop_GracefulShutdown(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("setup PID: %v", err)
	}

	var buf bytes.Buffer
	signaled := false
	cfg := stubStopConfig(pidFile, &buf)
	cfg.signalFn = func(pid int) error {
		if pid != os.Getpid() {
			t.Errorf("signaled pid %d, want %d", pid, os.Getpid())
		}
		signaled = true
		return nil
	}

	if err := runStopSequence(context.Background(), cfg); err != nil {
		t.Fatalf("runStopSequence: %v", err)
	}
	if !signaled {
		t.Error("expected SIGTERM to be sent")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file should be removed after shutdown")
	}
	if !strings.Contains(buf.String(), "shutdown complete") {
		t.Errorf("output %q missing completion message", buf.String())
	}
}

func TestStop_SIGKILLFallback(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("setup PID: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	var killed bool
	cfg := stubStopConfig(pidFile, &buf)
	cfg.aliveFn = func(int) bool { return true } // refuses to die
	cfg.killFn = func(int) error { killed = true; return nil }

	if err := runStopSequence(ctx, cfg); err != nil {
		t.Fatalf("runStopSequence: %v", err)
	}
	if !killed {
		t.Error("expected SIGKILL fallback when the process keeps running")
	}
}

func TestStop_NotRunning(t *testing.T) {
	var buf bytes.Buffer
	cfg := stubStopConfig(filepath.Join(t.TempDir(), "warden.pid"), &buf)

	if err := runStopSequence(context.Background(), cfg); err != nil {
		t.Fatalf("runStopSequence: %v", err)
	}
	if !strings.Contains(buf.String(), "not running") {
		t.Errorf("expected 'not running', got %q", buf.String())
	}
}

func TestStop_StalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	// PID 4000000 exceeds the default pid_max.
	if err := WritePIDFile(pidFile, 4000000); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := stubStopConfig(pidFile, &buf)

	if err := runStopSequence(context.Background(), cfg); err != nil {
		t.Fatalf("runStopSequence: %v", err)
	}
	if !strings.Contains(buf.String(), "stale") {
		t.Errorf("expected stale message, got %q", buf.String())
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("stale PID file should be removed")
	}
}

func TestStop_ConfirmationDeclined(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	signaled := false
	cfg := stubStopConfig(pidFile, &buf)
	cfg.stdin = strings.NewReader("n\n")
	cfg.signalFn = func(int) error { signaled = true; return nil }

	err := runStopSequence(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("expected aborted error, got %v", err)
	}
	if signaled {
		t.Error("declined confirmation must not signal the daemon")
	}
}

func TestStop_NoTTYRequiresForce(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := stubStopConfig(pidFile, &buf)
	cfg.isTTY = func() bool { return false }

	if err := runStopSequence(context.Background(), cfg); err == nil {
		t.Fatal("expected refusal without a terminal")
	}
}

func TestStop_ForceNeedsEnvConfirmation(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "warden.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	cfg := stubStopConfig(pidFile, &buf)
	cfg.force = true
	cfg.isTTY = func() bool { return false }

	t.Setenv("WARDEN_CONFIRMED", "")
	if err := runStopSequence(context.Background(), cfg); err == nil {
		t.Fatal("expected --force without WARDEN_CONFIRMED=1 to fail")
	}

	t.Setenv("WARDEN_CONFIRMED", "1")
	if err := runStopSequence(context.Background(), cfg); err != nil {
		t.Fatalf("forced stop with env confirmation: %v", err)
	}
}
