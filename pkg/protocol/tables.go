package protocol

import "time"

// Event represents a row in the events table. Immutable after insert.
type Event struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Kind       EventKind `json:"kind"`
	Priority   Priority  `json:"priority"`
	Payload    string    `json:"payload"`
	DetectedAt time.Time `json:"detected_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProcessingRecord represents a row in the records table: the mutable
// pipeline state of one event.
type ProcessingRecord struct {
	EventID        string      `json:"event_id"`
	State          RecordState `json:"state"`
	StateEnteredAt time.Time   `json:"state_entered_at"`
	AttemptCount   int         `json:"attempt_count"`
	LastError      string      `json:"last_error"`
	Archived       bool        `json:"archived"`
}

// ApprovalRequest represents a row in the approvals table. Once Decision is
// no longer pending the row is immutable.
type ApprovalRequest struct {
	ID             string           `json:"id"`
	EventID        string           `json:"event_id"`
	RiskLevel      RiskLevel        `json:"risk_level"`
	Decision       ApprovalDecision `json:"decision"`
	CreatedAt      time.Time        `json:"created_at"`
	DeadlineAt     time.Time        `json:"deadline_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	DecidedAt      time.Time        `json:"decided_at"`
	DecidedBy      string           `json:"decided_by"`
	OverdueFlagged bool             `json:"overdue_flagged"`
}

// LoopSession represents a row in the loop_sessions table: one run of the
// retry loop controller against a record.
type LoopSession struct {
	ID                   string        `json:"id"`
	EventID              string        `json:"event_id"`
	Iteration            int           `json:"iteration"`
	MaxIterations        int           `json:"max_iterations"`
	StartedAt            time.Time     `json:"started_at"`
	MaxDuration          time.Duration `json:"max_duration"`
	LastFailureSignature string        `json:"last_failure_signature"`
	StuckCount           int           `json:"stuck_count"`
	Outcome              LoopOutcome   `json:"outcome"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Escalation represents a row in the escalations table. Persistent operator
// alert queue: the supervisor writes pending rows, the operator acks them.
type Escalation struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	EventID   string    `json:"event_id"`
	Worker    string    `json:"worker"`
	Message   string    `json:"message"`
	Status    string    `json:"status"` // pending, acked
	CreatedAt time.Time `json:"created_at"`
	AckedAt   time.Time `json:"acked_at"`
}
