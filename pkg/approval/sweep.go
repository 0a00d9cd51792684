package approval

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
)

// SweepResult reports what one sweep pass did.
type SweepResult struct {
	Flagged int // requests newly marked overdue
	Expired int // requests auto-expired
}

// SweepExpirations advances pending requests past their time bounds. Past the
// deadline a request is flagged overdue and escalated once; past the expiry
// it is auto-expired: decided by the system, the record moves to expired, and
// an alert is raised. Both paths are idempotent, so the sweep is safe to run
// on any cadence.
func (m *Machine) SweepExpirations(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Overdue: visibility only, no state change. The flagged guard makes the
	// escalation fire exactly once per request.
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, event_id FROM approvals
		 WHERE decision = ? AND overdue_flagged = 0 AND deadline_at <= ?`,
		protocol.DecisionPending, now.Format(timeFormat))
	if err != nil {
		return res, fmt.Errorf("sweep overdue: %w", err)
	}
	type pair struct{ id, eventID string }
	var overdue []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.eventID); err != nil {
			_ = rows.Close()
			return res, err
		}
		overdue = append(overdue, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("sweep overdue: %w", err)
	}
	for _, p := range overdue {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE approvals SET overdue_flagged = 1 WHERE id = ? AND decision = ?`,
			p.id, protocol.DecisionPending); err != nil {
			return res, fmt.Errorf("flag overdue %s: %w", p.id, err)
		}
		if err := m.records.Escalate(ctx, "approval_overdue", p.eventID, "",
			fmt.Sprintf("approval %s past deadline, still awaiting a decision", p.id)); err != nil {
			return res, err
		}
		res.Flagged++
	}

	// Expired: the system decides so the record cannot sit in
	// awaiting_approval forever.
	rows, err = m.db.QueryContext(ctx,
		`SELECT id, event_id FROM approvals WHERE decision = ? AND expires_at <= ?`,
		protocol.DecisionPending, now.Format(timeFormat))
	if err != nil {
		return res, fmt.Errorf("sweep expired: %w", err)
	}
	var stale []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.eventID); err != nil {
			_ = rows.Close()
			return res, err
		}
		stale = append(stale, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("sweep expired: %w", err)
	}
	for _, p := range stale {
		n, err := m.exec(ctx,
			`UPDATE approvals SET decision = ?, decided_at = ?, decided_by = ?
			 WHERE id = ? AND decision = ?`,
			protocol.DecisionExpired, now.Format(timeFormat), protocol.DecidedBySystem,
			p.id, protocol.DecisionPending)
		if err != nil {
			return res, fmt.Errorf("expire %s: %w", p.id, err)
		}
		if n == 0 {
			continue // raced with a human decision; theirs wins
		}
		if err := m.records.Transition(ctx, p.eventID, protocol.StateExpired, actor, "approval window elapsed"); err != nil {
			return res, err
		}
		if err := m.records.Escalate(ctx, "approval_expired", p.eventID, "",
			fmt.Sprintf("approval %s expired undecided", p.id)); err != nil {
			return res, err
		}
		m.audit.Record(auditlog.Entry{
			Timestamp: now,
			Actor:     actor,
			EventID:   p.eventID,
			Result:    "expired",
			Detail:    fmt.Sprintf(`{"request":%q,"by":%q}`, p.id, protocol.DecidedBySystem),
		})
		res.Expired++
	}
	return res, nil
}

func (m *Machine) exec(ctx context.Context, query string, args ...any) (int64, error) {
	r, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

// RunSweeper runs SweepExpirations on a ticker until ctx is done. Sweep
// failures are recorded in the audit log and the next tick retries.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.SweepExpirations(ctx); err != nil {
				m.audit.Record(auditlog.Entry{
					Actor:  actor,
					Result: "sweep_error",
					Detail: err.Error(),
				})
			}
		}
	}
}
