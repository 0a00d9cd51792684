package main

import (
	"fmt"
	"os"
	"path/filepath"

	"warden/pkg/protocol"
)

// Paths holds all resolved warden state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.warden or WARDEN_HOME
	PIDPath     string // warden.pid or WARDEN_PID_PATH
	SocketPath  string // warden.sock or WARDEN_SOCKET_PATH
	StateDBPath string // state.db or WARDEN_DB_PATH
	AuditDir    string // audit/ (respects WARDEN_HOME)
	ConfigPath  string // warden.toml or WARDEN_CONFIG
	PolicyPath  string // policy.yaml or WARDEN_POLICY
}

// ResolvePaths returns all warden paths, respecting env var overrides.
// WARDEN_HOME moves the whole state directory; the specific variables
// (WARDEN_PID_PATH, WARDEN_SOCKET_PATH, WARDEN_DB_PATH, WARDEN_CONFIG,
// WARDEN_POLICY) override individual paths.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:        home,
		PIDPath:     resolvePathWithEnv("WARDEN_PID_PATH", home, protocol.PIDFile),
		SocketPath:  resolvePathWithEnv("WARDEN_SOCKET_PATH", home, protocol.SocketFile),
		StateDBPath: resolvePathWithEnv("WARDEN_DB_PATH", home, protocol.StateDBFile),
		AuditDir:    filepath.Join(home, protocol.AuditDir),
		ConfigPath:  resolvePathWithEnv("WARDEN_CONFIG", home, protocol.ConfigFile),
		PolicyPath:  resolvePathWithEnv("WARDEN_POLICY", home, protocol.PolicyFile),
	}, nil
}

// resolveHome returns the warden home directory from WARDEN_HOME or ~/.warden.
func resolveHome() (string, error) {
	if v := os.Getenv("WARDEN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.WardenDir), nil
}

// resolvePathWithEnv returns the env override if set, else base/name.
func resolvePathWithEnv(envVar, base, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, name)
}

// EnsureHome creates the warden state directories.
func (p *Paths) EnsureHome() error {
	for _, dir := range []string{p.Home, p.AuditDir, filepath.Join(p.Home, protocol.WorkersDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
