package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
	"warden/pkg/store"

	_ "modernc.org/sqlite"
)

// recordingAuditor captures audit entries for assertions.
type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (r *recordingAuditor) Record(e auditlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) byResult(result string) []auditlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []auditlog.Entry
	for _, e := range r.entries {
		if e.Result == result {
			out = append(out, e)
		}
	}
	return out
}

func newTestStore(t *testing.T) (*store.Store, *recordingAuditor) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	aud := &recordingAuditor{}
	s := store.New(db, aud)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s, aud
}

func detect(source, externalID string, kind protocol.EventKind) protocol.DetectPayload {
	return protocol.DetectPayload{
		Worker:     source,
		Source:     source,
		ExternalID: externalID,
		Kind:       kind,
		Priority:   protocol.PriorityMedium,
		DetectedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestSubmitAcceptsThenDeduplicates(t *testing.T) {
	t.Parallel()

	s, aud := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Submit(ctx, detect("email", "msg-42", protocol.KindEmailReceived))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if ev.ID != protocol.Fingerprint("email", "msg-42") {
		t.Errorf("event ID is not the fingerprint: %s", ev.ID)
	}

	rec, err := s.GetRecord(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.State != protocol.StateNew {
		t.Errorf("record state = %s, want new", rec.State)
	}

	// A second submission of the same occurrence, even from another worker
	// reporting the same source stream, is rejected as a duplicate.
	_, err = s.Submit(ctx, detect("email", "msg-42", protocol.KindEmailReceived))
	var dup *protocol.DuplicateEventError
	if !errors.As(err, &dup) {
		t.Fatalf("second submit error = %v, want DuplicateEventError", err)
	}
	if dup.FirstSource != "email" {
		t.Errorf("duplicate first source = %s", dup.FirstSource)
	}

	// Exactly one record exists.
	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[protocol.StateNew] != 1 {
		t.Errorf("records in new = %d, want 1", counts[protocol.StateNew])
	}

	// The duplicate was logged, not swallowed silently.
	if got := len(aud.byResult("duplicate")); got != 1 {
		t.Errorf("duplicate audit entries = %d, want 1", got)
	}
}

func TestSubmitConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	accepted := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Submit(ctx, detect("social", "post-7", protocol.KindMentionDetected)); err == nil {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(accepted)

	got := 0
	for range accepted {
		got++
	}
	if got != 1 {
		t.Fatalf("accepted %d concurrent submissions, want exactly 1", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	d := detect("email", "x", protocol.EventKind("mystery"))
	if _, err := s.Submit(ctx, d); err == nil {
		t.Error("unknown kind accepted")
	}

	d = detect("email", "x", protocol.KindEmailReceived)
	d.Priority = "whenever"
	if _, err := s.Submit(ctx, d); err == nil {
		t.Error("unknown priority accepted")
	}

	d = detect("email", "", protocol.KindEmailReceived)
	if _, err := s.Submit(ctx, d); err == nil {
		t.Error("empty external_id accepted")
	}
}

func TestTransitionEnforcesDAG(t *testing.T) {
	t.Parallel()

	s, aud := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Submit(ctx, detect("email", "m1", protocol.KindSensitiveAction))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Transition(ctx, ev.ID, protocol.StateAwaitingApproval, "supervisor", "policy: sensitive"); err != nil {
		t.Fatalf("new -> awaiting_approval: %v", err)
	}

	// Illegal edge is rejected with the attempted edge identified.
	err = s.Transition(ctx, ev.ID, protocol.StateSucceeded, "supervisor", "")
	var ite *protocol.IllegalTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error = %v, want IllegalTransitionError", err)
	}
	if ite.From != protocol.StateAwaitingApproval || ite.To != protocol.StateSucceeded {
		t.Errorf("edge = %s -> %s", ite.From, ite.To)
	}

	// State unchanged by the rejected transition.
	rec, err := s.GetRecord(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != protocol.StateAwaitingApproval {
		t.Errorf("state = %s after rejected transition", rec.State)
	}

	// Drive to a terminal state; the record is archived, not deleted.
	for _, step := range []protocol.RecordState{protocol.StateApproved, protocol.StateExecuting, protocol.StateSucceeded} {
		if err := s.Transition(ctx, ev.ID, step, "test", ""); err != nil {
			t.Fatalf("transition to %s: %v", step, err)
		}
	}
	rec, err = s.GetRecord(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Archived {
		t.Error("terminal record should be archived")
	}

	// One audit entry per successful transition (plus the accept).
	if got := len(aud.byResult("ok")); got != 4 {
		t.Errorf("transition audit entries = %d, want 4", got)
	}
}

func TestTransitionRecordsFailureReason(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Submit(ctx, detect("email", "m2", protocol.KindEmailReceived))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, ev.ID, protocol.StateExecuting, "loop", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, ev.ID, protocol.StateFailed, "loop", "smtp refused"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetRecord(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastError != "smtp refused" {
		t.Errorf("last_error = %q", rec.LastError)
	}
}

func TestRecordAttempt(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Submit(ctx, detect("email", "m3", protocol.KindEmailReceived))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAttempt(ctx, ev.ID, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordAttempt(ctx, ev.ID, ""); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetRecord(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", rec.AttemptCount)
	}
}

func TestCompactLedger(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return now })

	if _, err := s.Submit(ctx, detect("email", "old", protocol.KindEmailReceived)); err != nil {
		t.Fatal(err)
	}

	// 25 hours later the fingerprint falls outside the 24h window.
	now = now.Add(25 * time.Hour)
	removed, err := s.CompactLedger(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("compacted %d rows, want 1", removed)
	}

	// Resubmission is accepted again (no longer deduplicated) without
	// disturbing the original immutable event.
	if _, err := s.Submit(ctx, detect("email", "old", protocol.KindEmailReceived)); err != nil {
		t.Fatalf("resubmit after compaction: %v", err)
	}
}

func TestListByState(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Submit(ctx, detect("email", id, protocol.KindEmailReceived)); err != nil {
			t.Fatal(err)
		}
	}
	fpB := protocol.Fingerprint("email", "b")
	if err := s.Transition(ctx, fpB, protocol.StateExecuting, "test", ""); err != nil {
		t.Fatal(err)
	}

	news, err := s.ListByState(ctx, protocol.StateNew)
	if err != nil {
		t.Fatal(err)
	}
	if len(news) != 2 {
		t.Errorf("records in new = %d, want 2", len(news))
	}
	executing, err := s.ListByState(ctx, protocol.StateExecuting)
	if err != nil {
		t.Fatal(err)
	}
	if len(executing) != 1 || executing[0].EventID != fpB {
		t.Errorf("executing = %+v", executing)
	}
}

func TestSessionsPersistAndResume(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Submit(ctx, detect("email", "s1", protocol.KindEmailReceived))
	if err != nil {
		t.Fatal(err)
	}

	sess := &protocol.LoopSession{
		ID:                   "sess-1",
		EventID:              ev.ID,
		Iteration:            3,
		MaxIterations:        10,
		StartedAt:            time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		MaxDuration:          30 * time.Minute,
		LastFailureSignature: "sig-abc",
		StuckCount:           2,
		Outcome:              protocol.LoopRunning,
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.ActiveSession(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("active session not found")
	}
	if got.Iteration != 3 || got.LastFailureSignature != "sig-abc" || got.StuckCount != 2 {
		t.Errorf("resumed session = %+v", got)
	}
	if got.MaxDuration != 30*time.Minute {
		t.Errorf("max duration = %s", got.MaxDuration)
	}

	// Completing the session hides it from ActiveSession.
	sess.Outcome = protocol.LoopCompleted
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err = s.ActiveSession(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("completed session still reported active")
	}

	done, err := s.SessionsByOutcome(ctx, protocol.LoopCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 {
		t.Errorf("completed sessions = %d, want 1", len(done))
	}
}

func TestEscalations(t *testing.T) {
	t.Parallel()

	s, aud := newTestStore(t)
	ctx := context.Background()

	if err := s.Escalate(ctx, "restart_budget", "", "email", "worker email disabled after 3 restarts"); err != nil {
		t.Fatal(err)
	}
	if err := s.Escalate(ctx, "loop_stuck", "ev-9", "", "loop escalated after 3 identical failures"); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingEscalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := s.AckEscalation(ctx, pending[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.AckEscalation(ctx, pending[0].ID); err == nil {
		t.Error("double ack should error")
	}

	pending, err = s.PendingEscalations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending after ack = %d, want 1", len(pending))
	}

	if got := len(aud.byResult("escalated")); got != 2 {
		t.Errorf("escalation audit entries = %d, want 2", got)
	}
}
