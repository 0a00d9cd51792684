// Package approval implements the human-in-the-loop gate for sensitive
// records: pending -> approved/rejected by an operator, or expired by the
// sweep. Decisions are asserted exactly once; a second decide on the same
// request is an error, never a silent overwrite.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

// timeFormat matches the store's SQLite timestamp encoding.
const timeFormat = time.RFC3339Nano

// actor identifies this component in audit entries.
const actor = "approval"

// Machine is the approval state machine. It is the sole mutator of
// ApprovalRequest.decision; record transitions go through the store so the
// DAG stays enforced in one place.
type Machine struct {
	db      *sql.DB
	records *store.Store
	audit   store.Auditor
	mu      sync.Mutex

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Machine sharing the store's database.
func New(records *store.Store, audit store.Auditor) *Machine {
	if audit == nil {
		audit = nopAuditor{}
	}
	return &Machine{
		db:      records.DB(),
		records: records,
		audit:   audit,
		nowFunc: time.Now,
	}
}

type nopAuditor struct{}

func (nopAuditor) Record(auditlog.Entry) {}

// SetNowFunc overrides the clock (for testing).
func (m *Machine) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// RequestApproval gates one event behind a human decision: the record moves
// new -> awaiting_approval and a pending request is created with the policy's
// deadline and expiry. deadline must be before expiry.
func (m *Machine) RequestApproval(ctx context.Context, eventID string, risk protocol.RiskLevel, deadline, expiry time.Duration) (*protocol.ApprovalRequest, error) {
	if deadline >= expiry {
		return nil, fmt.Errorf("request approval %s: deadline %s must be before expiry %s", eventID, deadline, expiry)
	}

	now := m.nowFunc()
	req := &protocol.ApprovalRequest{
		ID:         uuid.NewString(),
		EventID:    eventID,
		RiskLevel:  risk,
		Decision:   protocol.DecisionPending,
		CreatedAt:  now,
		DeadlineAt: now.Add(deadline),
		ExpiresAt:  now.Add(expiry),
	}

	// Insert before transitioning. The other order can strand the record:
	// gated in awaiting_approval with no pending request and no edge back.
	// A failed transition here just deletes the fresh row.
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO approvals (id, event_id, risk_level, decision, created_at, deadline_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.EventID, req.RiskLevel, req.Decision,
		now.Format(timeFormat), req.DeadlineAt.Format(timeFormat), req.ExpiresAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}
	if err := m.records.Transition(ctx, eventID, protocol.StateAwaitingApproval, actor, "policy: sensitive"); err != nil {
		_, _ = m.db.ExecContext(ctx, `DELETE FROM approvals WHERE id = ?`, req.ID)
		return nil, err
	}
	return req, nil
}

// Decide records a human decision on a pending request. decision must be
// approved or rejected; by identifies the decider. A non-pending request
// yields an AlreadyDecidedError, which guards against double-approval races.
func (m *Machine) Decide(ctx context.Context, requestID string, decision protocol.ApprovalDecision, by string) error {
	if decision != protocol.DecisionApproved && decision != protocol.DecisionRejected {
		return fmt.Errorf("decide %s: decision must be approved or rejected, got %q", requestID, decision)
	}
	if by == "" {
		return fmt.Errorf("decide %s: decider identity is required", requestID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Decision != protocol.DecisionPending {
		return &protocol.AlreadyDecidedError{RequestID: requestID, Decision: req.Decision}
	}

	now := m.nowFunc()
	res, err := m.db.ExecContext(ctx,
		`UPDATE approvals SET decision = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND decision = ?`,
		decision, now.Format(timeFormat), by, requestID, protocol.DecisionPending)
	if err != nil {
		return fmt.Errorf("decide %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide %s: rows affected: %w", requestID, err)
	}
	if n == 0 {
		// Raced with the sweep or another decider; first assertion wins.
		req, err := m.get(ctx, requestID)
		if err != nil {
			return err
		}
		return &protocol.AlreadyDecidedError{RequestID: requestID, Decision: req.Decision}
	}

	target := protocol.StateApproved
	if decision == protocol.DecisionRejected {
		target = protocol.StateRejected
	}
	if err := m.records.Transition(ctx, req.EventID, target, actor, "decided by "+by); err != nil {
		return err
	}

	m.audit.Record(auditlog.Entry{
		Timestamp: now,
		Actor:     actor,
		EventID:   req.EventID,
		Result:    "decided",
		Detail:    fmt.Sprintf(`{"request":%q,"decision":%q,"by":%q}`, requestID, decision, by),
	})
	return nil
}

// Get returns one approval request by ID.
func (m *Machine) Get(ctx context.Context, requestID string) (*protocol.ApprovalRequest, error) {
	return m.get(ctx, requestID)
}

func (m *Machine) get(ctx context.Context, requestID string) (*protocol.ApprovalRequest, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, event_id, risk_level, decision, created_at, deadline_at, expires_at,
		        COALESCE(decided_at, ''), COALESCE(decided_by, ''), overdue_flagged
		 FROM approvals WHERE id = ?`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", requestID, err)
	}
	return req, nil
}

// PendingForEvent returns the pending request gating an event, or nil.
func (m *Machine) PendingForEvent(ctx context.Context, eventID string) (*protocol.ApprovalRequest, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, event_id, risk_level, decision, created_at, deadline_at, expires_at,
		        COALESCE(decided_at, ''), COALESCE(decided_by, ''), overdue_flagged
		 FROM approvals WHERE event_id = ? AND decision = ?`,
		eventID, protocol.DecisionPending)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending approval for %s: %w", eventID, err)
	}
	return req, nil
}

// ListPending returns all pending requests, oldest deadline first.
func (m *Machine) ListPending(ctx context.Context) ([]protocol.ApprovalRequest, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, event_id, risk_level, decision, created_at, deadline_at, expires_at,
		        COALESCE(decided_at, ''), COALESCE(decided_by, ''), overdue_flagged
		 FROM approvals WHERE decision = ? ORDER BY deadline_at`,
		protocol.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*protocol.ApprovalRequest, error) {
	var req protocol.ApprovalRequest
	var createdAt, deadlineAt, expiresAt, decidedAt string
	var flagged int
	err := row.Scan(&req.ID, &req.EventID, &req.RiskLevel, &req.Decision,
		&createdAt, &deadlineAt, &expiresAt, &decidedAt, &req.DecidedBy, &flagged)
	if err != nil {
		return nil, err
	}
	req.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	req.DeadlineAt, _ = time.Parse(timeFormat, deadlineAt)
	req.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	if decidedAt != "" {
		req.DecidedAt, _ = time.Parse(timeFormat, decidedAt)
	}
	req.OverdueFlagged = flagged != 0
	return &req, nil
}
