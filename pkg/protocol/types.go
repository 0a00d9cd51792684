// Package protocol defines the shared types of the warden pipeline: event
// kinds and priorities, the processing-record state machine, approval
// decisions, worker status, loop outcomes, the detector wire protocol, and
// the SQLite schema backing all of it.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EventKind classifies a detected occurrence. The set is closed: policy
// lookup and routing switch on it exhaustively.
type EventKind string

// Event kind constants.
const (
	KindEmailReceived   EventKind = "email_received"
	KindMentionDetected EventKind = "mention_detected"
	KindDirectMessage   EventKind = "direct_message"
	KindInvoiceDue      EventKind = "invoice_due"
	KindScheduledPost   EventKind = "scheduled_post"
	KindFollowUpDue     EventKind = "follow_up_due"
	KindSensitiveAction EventKind = "sensitive_action"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindEmailReceived, KindMentionDetected, KindDirectMessage,
		KindInvoiceDue, KindScheduledPost, KindFollowUpDue, KindSensitiveAction:
		return true
	}
	return false
}

// Priority orders events for operator attention.
type Priority string

// Priority constants, highest first.
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Fingerprint derives the content-based event ID from the stable external
// identifiers of an occurrence. Two detectors observing the same occurrence
// produce the same fingerprint; internal counters never participate.
func Fingerprint(source, externalID string) string {
	h := sha256.Sum256([]byte(source + "\x00" + externalID))
	return hex.EncodeToString(h[:])
}

// RecordState is the pipeline state of a ProcessingRecord.
type RecordState string

// Record state constants.
const (
	StateNew              RecordState = "new"
	StateAwaitingApproval RecordState = "awaiting_approval"
	StateApproved         RecordState = "approved"
	StateRejected         RecordState = "rejected"
	StateExpired          RecordState = "expired"
	StateExecuting        RecordState = "executing"
	StateSucceeded        RecordState = "succeeded"
	StateFailed           RecordState = "failed"
	StateAbandoned        RecordState = "abandoned"
)

// allowedTransitions encodes the record state DAG. A state absent from a
// source set is unreachable from it; terminal states map to empty sets.
var allowedTransitions = map[RecordState]map[RecordState]struct{}{
	StateNew: {
		StateAwaitingApproval: {},
		StateExecuting:        {}, // non-sensitive events skip approval
		StateAbandoned:        {},
	},
	StateAwaitingApproval: {
		StateApproved:  {},
		StateRejected:  {},
		StateExpired:   {},
		StateAbandoned: {},
	},
	StateApproved: {
		StateExecuting: {},
		StateAbandoned: {},
	},
	StateExecuting: {
		StateSucceeded: {},
		StateFailed:    {},
	},
	StateRejected:  {},
	StateExpired:   {},
	StateSucceeded: {},
	StateFailed:    {},
	StateAbandoned: {},
}

// ValidState reports whether s is a known record state.
func ValidState(s RecordState) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s is a terminal record state.
func Terminal(s RecordState) bool {
	edges, ok := allowedTransitions[s]
	return ok && len(edges) == 0
}

// ValidateTransition returns an error unless from -> to is an edge of the
// record state DAG. The error identifies the attempted edge.
func ValidateTransition(eventID string, from, to RecordState) error {
	if !ValidState(from) {
		return fmt.Errorf("unknown record state: %q", from)
	}
	if !ValidState(to) {
		return fmt.Errorf("unknown record state: %q", to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return &IllegalTransitionError{EventID: eventID, From: from, To: to}
	}
	return nil
}

// ApprovalDecision is the decision field of an ApprovalRequest.
type ApprovalDecision string

// Approval decision constants.
const (
	DecisionPending  ApprovalDecision = "pending"
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
	DecisionExpired  ApprovalDecision = "expired"
)

// DecidedBySystem is recorded as the decider when the expiry sweep
// auto-expires a request.
const DecidedBySystem = "system-auto-expire"

// RiskLevel grades how much damage a sensitive action could do.
type RiskLevel string

// Risk level constants.
const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// WorkerStatus is the supervisor's view of one detector worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerRunning  WorkerStatus = "running"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerCrashed  WorkerStatus = "crashed"
	WorkerDisabled WorkerStatus = "disabled"
)

// LoopOutcome is the terminal (or running) state of a retry loop session.
type LoopOutcome string

// Loop outcome constants.
const (
	LoopRunning   LoopOutcome = "running"
	LoopCompleted LoopOutcome = "completed"
	LoopExhausted LoopOutcome = "exhausted"
	LoopEscalated LoopOutcome = "escalated"
)
