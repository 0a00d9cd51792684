// Package store implements the durable core of the pipeline: the dedup
// ledger, the immutable event store, processing records with DAG-enforced
// transitions, persisted loop sessions, and the escalation queue. All state
// lives in one SQLite database; mutation goes through a single mutex so no
// two submissions or transitions ever race.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
)

// timeFormat is how timestamps are stored in SQLite text columns.
const timeFormat = time.RFC3339Nano

// Auditor receives one entry per state transition. The audit writer
// satisfies this; tests substitute a recorder.
type Auditor interface {
	Record(e auditlog.Entry)
}

// nopAuditor is used when no auditor is configured.
type nopAuditor struct{}

func (nopAuditor) Record(auditlog.Entry) {}

// Store owns Events, ProcessingRecords, the dedup ledger, loop sessions,
// and escalations. The mutex serializes all mutation: the ledger
// check-and-insert and every record transition are single-writer critical
// sections even though many workers submit concurrently.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	audit Auditor

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store over db. Call Init before first use.
func New(db *sql.DB, audit Auditor) *Store {
	if audit == nil {
		audit = nopAuditor{}
	}
	return &Store{db: db, audit: audit, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read-only collaborators (status
// snapshots, the dashboard datasource).
func (s *Store) DB() *sql.DB { return s.db }

// Submit runs the dedup check-and-insert for one detected occurrence. On
// acceptance it persists the immutable Event and creates its
// ProcessingRecord in state new, returning the Event. A fingerprint already
// in the ledger yields a DuplicateEventError carrying both occurrences'
// source and time; the submission is discarded as an idempotent no-op.
func (s *Store) Submit(ctx context.Context, d protocol.DetectPayload) (*protocol.Event, error) {
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("submit from %s: unknown event kind %q", d.Source, d.Kind)
	}
	if !d.Priority.Valid() {
		return nil, fmt.Errorf("submit from %s: unknown priority %q", d.Source, d.Priority)
	}
	if d.Source == "" || d.ExternalID == "" {
		return nil, fmt.Errorf("submit: source and external_id are required")
	}

	fp := protocol.Fingerprint(d.Source, d.ExternalID)
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstSource, firstSeenRaw string
	err := s.db.QueryRowContext(ctx,
		`SELECT source, first_seen FROM ledger WHERE fingerprint = ?`, fp).
		Scan(&firstSource, &firstSeenRaw)
	switch {
	case err == nil:
		firstSeen, _ := time.Parse(timeFormat, firstSeenRaw)
		dup := &protocol.DuplicateEventError{
			Fingerprint: fp,
			Source:      d.Source,
			FirstSource: firstSource,
			FirstSeen:   firstSeen,
		}
		s.audit.Record(auditlog.Entry{
			Timestamp: now,
			Actor:     d.Source,
			EventID:   fp,
			Result:    "duplicate",
			Detail:    dup.Error(),
		})
		return nil, dup
	case errors.Is(err, sql.ErrNoRows):
		// First sighting, fall through to insert.
	default:
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (fingerprint, source, first_seen) VALUES (?, ?, ?)`,
		fp, d.Source, now.Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("insert ledger: %w", err)
	}

	// ON CONFLICT keeps resubmission after ledger compaction harmless: the
	// original event row and its record are immutable and stay in place.
	payload := string(d.Payload)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, source, kind, priority, payload, detected_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		fp, d.Source, d.Kind, d.Priority, payload,
		d.DetectedAt.Format(timeFormat), now.Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (event_id, state, state_entered_at)
		 VALUES (?, ?, ?) ON CONFLICT(event_id) DO NOTHING`,
		fp, protocol.StateNew, now.Format(timeFormat)); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}

	s.audit.Record(auditlog.Entry{
		Timestamp: now,
		Actor:     d.Source,
		EventID:   fp,
		ToState:   string(protocol.StateNew),
		Result:    "accepted",
		Detail:    fmt.Sprintf(`{"kind":%q,"priority":%q}`, d.Kind, d.Priority),
	})

	return &protocol.Event{
		ID:         fp,
		Source:     d.Source,
		Kind:       d.Kind,
		Priority:   d.Priority,
		Payload:    payload,
		DetectedAt: d.DetectedAt,
		CreatedAt:  now,
	}, nil
}

// GetEvent returns the immutable event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*protocol.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, kind, priority, payload, detected_at, created_at
		 FROM events WHERE id = ?`, id)

	var e protocol.Event
	var detectedAt, createdAt string
	if err := row.Scan(&e.ID, &e.Source, &e.Kind, &e.Priority, &e.Payload, &detectedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	e.DetectedAt, _ = time.Parse(timeFormat, detectedAt)
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	return &e, nil
}

// GetRecord returns the processing record for an event.
func (s *Store) GetRecord(ctx context.Context, eventID string) (*protocol.ProcessingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, state, state_entered_at, attempt_count, COALESCE(last_error, ''), archived
		 FROM records WHERE event_id = ?`, eventID)
	return scanRecord(row)
}

// ListByState returns all processing records currently in state.
func (s *Store) ListByState(ctx context.Context, state protocol.RecordState) ([]protocol.ProcessingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, state, state_entered_at, attempt_count, COALESCE(last_error, ''), archived
		 FROM records WHERE state = ? ORDER BY state_entered_at`, state)
	if err != nil {
		return nil, fmt.Errorf("list records in %s: %w", state, err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ProcessingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*protocol.ProcessingRecord, error) {
	var r protocol.ProcessingRecord
	var enteredAt string
	var archived int
	if err := row.Scan(&r.EventID, &r.State, &enteredAt, &r.AttemptCount, &r.LastError, &archived); err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	r.StateEnteredAt, _ = time.Parse(timeFormat, enteredAt)
	r.Archived = archived != 0
	return &r, nil
}

// Transition moves an event's record to a new state, enforcing the DAG.
// The update is guarded by the expected current state so that of two racing
// transitions the first wins and the second gets an IllegalTransitionError.
// Records reaching a terminal state are archived, never deleted. Exactly one
// audit entry is emitted per successful transition.
func (s *Store) Transition(ctx context.Context, eventID string, to protocol.RecordState, actor, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetRecord(ctx, eventID)
	if err != nil {
		return err
	}
	from := rec.State

	if err := protocol.ValidateTransition(eventID, from, to); err != nil {
		return err
	}

	now := s.nowFunc()
	archived := 0
	if protocol.Terminal(to) {
		archived = 1
	}

	var lastErr any
	if to == protocol.StateFailed && reason != "" {
		lastErr = reason
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE records
		 SET state = ?, state_entered_at = ?, archived = ?,
		     last_error = COALESCE(?, last_error)
		 WHERE event_id = ? AND state = ?`,
		to, now.Format(timeFormat), archived, lastErr, eventID, from)
	if err != nil {
		return fmt.Errorf("transition %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s: rows affected: %w", eventID, err)
	}
	if n == 0 {
		// Lost a race inside the same process; report the edge we attempted.
		return &protocol.IllegalTransitionError{EventID: eventID, From: from, To: to}
	}

	s.audit.Record(auditlog.Entry{
		Timestamp: now,
		Actor:     actor,
		EventID:   eventID,
		FromState: string(from),
		ToState:   string(to),
		Result:    "ok",
		Detail:    reason,
	})
	return nil
}

// RecordAttempt increments the attempt counter and stores the latest
// executor error (empty clears it). Called by the loop controller on every
// iteration boundary.
func (s *Store) RecordAttempt(ctx context.Context, eventID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET attempt_count = attempt_count + 1, last_error = ? WHERE event_id = ?`,
		nullIfEmpty(lastError), eventID)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", eventID, err)
	}
	return nil
}

// CompactLedger removes fingerprints first seen before the retention window.
// Events older than the window can no longer be re-deduplicated; that is the
// accepted tradeoff for a bounded ledger.
func (s *Store) CompactLedger(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-retention).Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger WHERE first_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact ledger: rows affected: %w", err)
	}
	return n, nil
}

// CountByState returns record counts per state (for status snapshots).
func (s *Store) CountByState(ctx context.Context) (map[protocol.RecordState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[protocol.RecordState]int)
	for rows.Next() {
		var state protocol.RecordState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// nullIfEmpty maps "" to NULL for nullable text columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// marshalDetail renders v as compact JSON for audit details, falling back to
// fmt on marshal failure.
func marshalDetail(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
