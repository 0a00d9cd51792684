package store

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
)

// Escalate appends a pending alert to the operator queue and mirrors it to
// the audit log. Anything that could silently lose work lands here:
// restart-budget exhaustion, loop exhaustion, stuck loops, approval expiry.
func (s *Store) Escalate(ctx context.Context, kind, eventID, worker, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (kind, event_id, worker, message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		kind, nullIfEmpty(eventID), nullIfEmpty(worker), message, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}

	s.audit.Record(auditlog.Entry{
		Timestamp: now,
		Actor:     "supervisor",
		EventID:   eventID,
		Result:    "escalated",
		Detail:    marshalDetail(map[string]string{"kind": kind, "worker": worker, "message": message}),
	})
	return nil
}

// PendingEscalations returns unacked alerts, oldest first.
func (s *Store) PendingEscalations(ctx context.Context) ([]protocol.Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, COALESCE(event_id, ''), COALESCE(worker, ''), message, status, created_at, COALESCE(acked_at, '')
		 FROM escalations WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Escalation
	for rows.Next() {
		var e protocol.Escalation
		var createdAt, ackedAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.EventID, &e.Worker, &e.Message, &e.Status, &createdAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if ackedAt != "" {
			e.AckedAt, _ = time.Parse(timeFormat, ackedAt)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return out, nil
}

// AckEscalation marks one alert acknowledged.
func (s *Store) AckEscalation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE escalations SET status = 'acked', acked_at = ? WHERE id = ? AND status = 'pending'`,
		s.nowFunc().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("ack escalation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack escalation %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("escalation %d not found or already acked", id)
	}
	return nil
}
