package main

import (
	"os"
	"path/filepath"
	"testing"

	"warden/pkg/protocol"
)

func TestResolvePaths_Defaults(t *testing.T) {
	t.Setenv("WARDEN_HOME", "")
	t.Setenv("WARDEN_PID_PATH", "")
	t.Setenv("WARDEN_SOCKET_PATH", "")
	t.Setenv("WARDEN_DB_PATH", "")
	t.Setenv("WARDEN_CONFIG", "")
	t.Setenv("WARDEN_POLICY", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	base := filepath.Join(home, protocol.WardenDir)
	if paths.Home != base {
		t.Errorf("Home = %q, want %q", paths.Home, base)
	}
	if paths.PIDPath != filepath.Join(base, protocol.PIDFile) {
		t.Errorf("PIDPath = %q, want %q", paths.PIDPath, filepath.Join(base, protocol.PIDFile))
	}
	if paths.SocketPath != filepath.Join(base, protocol.SocketFile) {
		t.Errorf("SocketPath = %q, want %q", paths.SocketPath, filepath.Join(base, protocol.SocketFile))
	}
	if paths.StateDBPath != filepath.Join(base, protocol.StateDBFile) {
		t.Errorf("StateDBPath = %q, want %q", paths.StateDBPath, filepath.Join(base, protocol.StateDBFile))
	}
	if paths.AuditDir != filepath.Join(base, protocol.AuditDir) {
		t.Errorf("AuditDir = %q, want %q", paths.AuditDir, filepath.Join(base, protocol.AuditDir))
	}
	if paths.ConfigPath != filepath.Join(base, protocol.ConfigFile) {
		t.Errorf("ConfigPath = %q, want %q", paths.ConfigPath, filepath.Join(base, protocol.ConfigFile))
	}
	if paths.PolicyPath != filepath.Join(base, protocol.PolicyFile) {
		t.Errorf("PolicyPath = %q, want %q", paths.PolicyPath, filepath.Join(base, protocol.PolicyFile))
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()

	t.Setenv("WARDEN_HOME", filepath.Join(tmpDir, "custom-warden"))
	t.Setenv("WARDEN_PID_PATH", filepath.Join(tmpDir, "custom.pid"))
	t.Setenv("WARDEN_SOCKET_PATH", filepath.Join(tmpDir, "custom.sock"))
	t.Setenv("WARDEN_DB_PATH", filepath.Join(tmpDir, "custom-state.db"))
	t.Setenv("WARDEN_CONFIG", filepath.Join(tmpDir, "custom.toml"))
	t.Setenv("WARDEN_POLICY", filepath.Join(tmpDir, "custom-policy.yaml"))

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	if paths.Home != filepath.Join(tmpDir, "custom-warden") {
		t.Errorf("Home = %q, want %q", paths.Home, filepath.Join(tmpDir, "custom-warden"))
	}
	if paths.PIDPath != filepath.Join(tmpDir, "custom.pid") {
		t.Errorf("PIDPath = %q, want %q", paths.PIDPath, filepath.Join(tmpDir, "custom.pid"))
	}
	if paths.SocketPath != filepath.Join(tmpDir, "custom.sock") {
		t.Errorf("SocketPath = %q, want %q", paths.SocketPath, filepath.Join(tmpDir, "custom.sock"))
	}
	if paths.StateDBPath != filepath.Join(tmpDir, "custom-state.db") {
		t.Errorf("StateDBPath = %q, want %q", paths.StateDBPath, filepath.Join(tmpDir, "custom-state.db"))
	}
	if paths.ConfigPath != filepath.Join(tmpDir, "custom.toml") {
		t.Errorf("ConfigPath = %q, want %q", paths.ConfigPath, filepath.Join(tmpDir, "custom.toml"))
	}
	if paths.PolicyPath != filepath.Join(tmpDir, "custom-policy.yaml") {
		t.Errorf("PolicyPath = %q, want %q", paths.PolicyPath, filepath.Join(tmpDir, "custom-policy.yaml"))
	}

	// AuditDir follows WARDEN_HOME since it has no dedicated override.
	if paths.AuditDir != filepath.Join(tmpDir, "custom-warden", protocol.AuditDir) {
		t.Errorf("AuditDir = %q, want %q", paths.AuditDir, filepath.Join(tmpDir, "custom-warden", protocol.AuditDir))
	}
}

func TestResolvePaths_PartialEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()

	t.Setenv("WARDEN_HOME", filepath.Join(tmpDir, "wh"))
	t.Setenv("WARDEN_PID_PATH", filepath.Join(tmpDir, "custom.pid"))
	t.Setenv("WARDEN_SOCKET_PATH", "")
	t.Setenv("WARDEN_DB_PATH", "")
	t.Setenv("WARDEN_CONFIG", "")
	t.Setenv("WARDEN_POLICY", "")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	if paths.PIDPath != filepath.Join(tmpDir, "custom.pid") {
		t.Errorf("PIDPath = %q, want %q", paths.PIDPath, filepath.Join(tmpDir, "custom.pid"))
	}
	if paths.SocketPath != filepath.Join(tmpDir, "wh", protocol.SocketFile) {
		t.Errorf("SocketPath = %q, want %q", paths.SocketPath, filepath.Join(tmpDir, "wh", protocol.SocketFile))
	}
}

func TestEnsureHome(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("WARDEN_HOME", filepath.Join(tmpDir, "wh"))

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if err := paths.EnsureHome(); err != nil {
		t.Fatalf("EnsureHome() error: %v", err)
	}

	for _, dir := range []string{
		paths.Home,
		paths.AuditDir,
		filepath.Join(paths.Home, protocol.WorkersDir),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// Idempotent.
	if err := paths.EnsureHome(); err != nil {
		t.Errorf("second EnsureHome() error: %v", err)
	}
}
