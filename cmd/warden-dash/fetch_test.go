package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"warden/pkg/protocol"
	"warden/pkg/store"
	"warden/pkg/supervisor"
)

// serveSnapshot accepts one connection and replies to a status directive
// with the given snapshot embedded in an ACK.
func serveSnapshot(t *testing.T, snap *supervisor.StatusSnapshot) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "warden.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		if !scanner.Scan() {
			return
		}
		detail, _ := json.Marshal(snap)
		reply := protocol.Message{
			Type: protocol.MsgACK,
			ACK:  &protocol.ACKPayload{OK: true, Detail: string(detail)},
		}
		data, _ := json.Marshal(reply)
		data = append(data, '\n')
		_, _ = conn.Write(data)
	}()
	return sockPath
}

func TestFetchSnapshot_Live(t *testing.T) {
	want := testSnapshot()
	sockPath := serveSnapshot(t, want)

	got := fetchSnapshot(context.Background(), sockPath)
	if got == nil {
		t.Fatal("expected a snapshot from the live supervisor")
	}
	if got.Daemon.PID != want.Daemon.PID {
		t.Errorf("Daemon.PID = %d, want %d", got.Daemon.PID, want.Daemon.PID)
	}
	if len(got.Workers) != len(want.Workers) {
		t.Errorf("Workers = %d, want %d", len(got.Workers), len(want.Workers))
	}
	if len(got.Alerts) != 1 || got.Alerts[0].Kind != "loop_stuck" {
		t.Errorf("Alerts = %+v, want the loop_stuck alert", got.Alerts)
	}
}

func TestFetchSnapshot_OfflineReturnsNil(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "absent.sock")
	if snap := fetchSnapshot(context.Background(), sockPath); snap != nil {
		t.Errorf("expected nil for a missing socket, got %+v", snap)
	}
}

func TestFetchOffline_ReadsStateDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	st := store.New(db, nil)
	if err := st.Init(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	_, err = st.Submit(ctx, protocol.DetectPayload{
		ExternalID: "msg-1",
		Source:     "imap",
		Worker:     "email",
		Kind:       protocol.KindEmailReceived,
		Priority:   protocol.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := st.Escalate(ctx, "worker_disabled", "", "email", "crash cap reached"); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	snap, err := fetchOffline(ctx, dbPath)
	if err != nil {
		t.Fatalf("fetchOffline: %v", err)
	}
	if snap.Records[protocol.StateNew] != 1 {
		t.Errorf("Records[new] = %d, want 1", snap.Records[protocol.StateNew])
	}
	if len(snap.Alerts) != 1 || snap.Alerts[0].Kind != "worker_disabled" {
		t.Errorf("Alerts = %+v, want the worker_disabled alert", snap.Alerts)
	}
	if len(snap.Workers) != 0 {
		t.Errorf("offline snapshot cannot know workers, got %+v", snap.Workers)
	}
}
