package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"warden/pkg/approval"
	"warden/pkg/protocol"
	"warden/pkg/store"
	"warden/pkg/supervisor"

	_ "modernc.org/sqlite"
)

// fetchTimeout is how long to wait for the supervisor socket round-trip.
const fetchTimeout = 5 * time.Second

// statePaths returns the supervisor socket, state database, and audit
// directory paths from env or their defaults under ~/.warden.
func statePaths() (sockPath, dbPath, auditDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := os.Getenv("WARDEN_HOME")
	if base == "" {
		base = filepath.Join(home, protocol.WardenDir)
	}

	sockPath = os.Getenv("WARDEN_SOCKET_PATH")
	if sockPath == "" {
		sockPath = filepath.Join(base, protocol.SocketFile)
	}
	dbPath = os.Getenv("WARDEN_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(base, protocol.StateDBFile)
	}
	auditDir = filepath.Join(base, protocol.AuditDir)
	return sockPath, dbPath, auditDir
}

// fetchSnapshot asks the running supervisor for a status snapshot over its
// unix socket. Returns nil if the supervisor is offline; the daemon being
// down is not an error condition for the dashboard.
func fetchSnapshot(ctx context.Context, socketPath string) *supervisor.StatusSnapshot {
	// Fast path: no socket file means no supervisor.
	if _, err := os.Stat(socketPath); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil
	}
	defer conn.Close()

	msg := protocol.Message{
		Type:      protocol.MsgDirective,
		Directive: &protocol.DirectivePayload{Op: string(protocol.DirectiveStatus)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	if !scanner.Scan() {
		return nil
	}
	var ack protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil {
		return nil
	}
	if ack.Type != protocol.MsgACK || ack.ACK == nil || !ack.ACK.OK {
		return nil
	}

	var snap supervisor.StatusSnapshot
	if err := json.Unmarshal([]byte(ack.ACK.Detail), &snap); err != nil {
		return nil
	}
	return &snap
}

// fetchOffline reads what it can directly from the state database when the
// supervisor is down: record counts, pending approvals, and unacked alerts.
// Worker liveness only exists in the supervisor's memory, so that section
// stays empty.
func fetchOffline(ctx context.Context, dbPath string) (*supervisor.StatusSnapshot, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	st := store.New(db, nil)
	snap := &supervisor.StatusSnapshot{}
	if snap.Records, err = st.CountByState(ctx); err != nil {
		return nil, err
	}
	if snap.Approvals, err = approval.New(st, nil).ListPending(ctx); err != nil {
		return nil, err
	}
	if snap.Sessions, err = st.SessionsByOutcome(ctx, protocol.LoopRunning); err != nil {
		return nil, err
	}
	if snap.Alerts, err = st.PendingEscalations(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}
