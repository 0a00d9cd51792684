package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"warden/pkg/protocol"
)

// stubSource returns a fixed batch once, then nothing.
type stubSource struct {
	batch []protocol.DetectPayload
	err   error
	polls int
}

func (s *stubSource) Poll(ctx context.Context) ([]protocol.DetectPayload, error) {
	s.polls++
	if s.err != nil {
		return nil, s.err
	}
	if s.polls > 1 {
		return nil, nil
	}
	return s.batch, nil
}

// readMessages collects n messages from the server side of a pipe.
func readMessages(t *testing.T, conn net.Conn, n int) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	scanner := bufio.NewScanner(conn)
	for len(out) < n && scanner.Scan() {
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		out = append(out, msg)
	}
	if len(out) < n {
		t.Fatalf("got %d messages, want %d (scanner err: %v)", len(out), n, scanner.Err())
	}
	return out
}

func TestRunSendsHeartbeatThenDetections(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()

	src := &stubSource{batch: []protocol.DetectPayload{
		{ExternalID: "msg-1", Kind: protocol.KindEmailReceived, Priority: protocol.PriorityHigh},
	}}
	d := NewWithConn("email", client, src, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	msgs := readMessages(t, server, 2)
	if msgs[0].Type != protocol.MsgHeartbeat || msgs[0].Heartbeat.Worker != "email" {
		t.Errorf("first message = %+v, want heartbeat from email", msgs[0])
	}
	if msgs[1].Type != protocol.MsgDetect {
		t.Fatalf("second message type = %s, want DETECT", msgs[1].Type)
	}
	det := msgs[1].Detect
	if det.Worker != "email" || det.Source != "email" {
		t.Errorf("detect identity = %s/%s, want email/email filled in", det.Worker, det.Source)
	}
	if det.DetectedAt.IsZero() {
		t.Error("detected_at not defaulted")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestShutdownMessageStopsRun(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()

	d := NewWithConn("email", client, &stubSource{}, time.Hour)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Absorb the initial heartbeat, then order a shutdown.
	readMessages(t, server, 1)
	data, _ := json.Marshal(protocol.Message{Type: protocol.MsgShutdown})
	if _, err := server.Write(append(data, '\n')); err != nil {
		t.Fatalf("write shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("detector did not stop on SHUTDOWN")
	}
}

func TestSourceErrorDoesNotKillRun(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer func() { _ = server.Close() }()

	src := &stubSource{err: errors.New("imap: connection refused")}
	d := NewWithConn("email", client, src, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The heartbeat still arrives even though the poll failed.
	msgs := readMessages(t, server, 1)
	if msgs[0].Type != protocol.MsgHeartbeat {
		t.Errorf("message type = %s, want HEARTBEAT", msgs[0].Type)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestBufferEvictsOldestAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := newDetectBuffer(3)
	for i := 0; i < 5; i++ {
		b.add(protocol.DetectPayload{ExternalID: fmt.Sprintf("d-%d", i)})
	}
	if b.len() != 3 {
		t.Fatalf("len = %d, want 3", b.len())
	}
	dets, dropped := b.drain()
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if dets[0].ExternalID != "d-2" || dets[2].ExternalID != "d-4" {
		t.Errorf("drained %s..%s, want d-2..d-4", dets[0].ExternalID, dets[2].ExternalID)
	}
	if b.len() != 0 {
		t.Errorf("len after drain = %d, want 0", b.len())
	}
	if _, dropped := b.drain(); dropped != 0 {
		t.Errorf("dropped = %d after drain, want counter reset", dropped)
	}
}

func TestParseDetections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name: "two valid lines with blanks",
			input: `{"external_id":"a","kind":"email_received"}

{"external_id":"b","kind":"invoice_due","priority":"urgent"}
`,
			want: 2,
		},
		{name: "empty output", input: "", want: 0},
		{name: "malformed json", input: `{"external_id":`, wantErr: true},
		{name: "missing external_id", input: `{"kind":"email_received"}`, wantErr: true},
		{name: "unknown kind", input: `{"external_id":"a","kind":"weather"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDetections([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("detections = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseDetectionsDefaultsPriority(t *testing.T) {
	t.Parallel()
	got, err := ParseDetections([]byte(`{"external_id":"a","kind":"email_received"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got[0].Priority != protocol.PriorityMedium {
		t.Errorf("priority = %q, want defaulted medium", got[0].Priority)
	}
}
