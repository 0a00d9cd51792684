package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"warden/pkg/protocol"
)

// ActiveSession returns the running loop session for an event, or nil if
// none exists. A crashed controller finds its half-finished session here and
// resumes instead of starting over.
func (s *Store) ActiveSession(ctx context.Context, eventID string) (*protocol.LoopSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_id, iteration, max_iterations, started_at, max_duration_secs,
		        COALESCE(last_failure_signature, ''), stuck_count, outcome, updated_at
		 FROM loop_sessions WHERE event_id = ? AND outcome = ?`,
		eventID, protocol.LoopRunning)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active session for %s: %w", eventID, err)
	}
	return sess, nil
}

// SaveSession upserts a loop session row. The controller calls this on every
// iteration boundary so iteration count and failure signature survive a
// crash mid-loop.
func (s *Store) SaveSession(ctx context.Context, sess *protocol.LoopSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.UpdatedAt = s.nowFunc()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loop_sessions
		   (id, event_id, iteration, max_iterations, started_at, max_duration_secs,
		    last_failure_signature, stuck_count, outcome, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   iteration = excluded.iteration,
		   last_failure_signature = excluded.last_failure_signature,
		   stuck_count = excluded.stuck_count,
		   outcome = excluded.outcome,
		   updated_at = excluded.updated_at`,
		sess.ID, sess.EventID, sess.Iteration, sess.MaxIterations,
		sess.StartedAt.Format(timeFormat), int64(sess.MaxDuration/time.Second),
		nullIfEmpty(sess.LastFailureSignature), sess.StuckCount, sess.Outcome,
		sess.UpdatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// SessionsByOutcome returns loop sessions with the given outcome, newest
// first.
func (s *Store) SessionsByOutcome(ctx context.Context, outcome protocol.LoopOutcome) ([]protocol.LoopSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, iteration, max_iterations, started_at, max_duration_secs,
		        COALESCE(last_failure_signature, ''), stuck_count, outcome, updated_at
		 FROM loop_sessions WHERE outcome = ? ORDER BY updated_at DESC`, outcome)
	if err != nil {
		return nil, fmt.Errorf("list sessions %s: %w", outcome, err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.LoopSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (*protocol.LoopSession, error) {
	var sess protocol.LoopSession
	var startedAt, updatedAt string
	var maxDurationSecs int64
	err := row.Scan(&sess.ID, &sess.EventID, &sess.Iteration, &sess.MaxIterations,
		&startedAt, &maxDurationSecs, &sess.LastFailureSignature, &sess.StuckCount,
		&sess.Outcome, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt, _ = time.Parse(timeFormat, startedAt)
	sess.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	sess.MaxDuration = time.Duration(maxDurationSecs) * time.Second
	return &sess, nil
}
