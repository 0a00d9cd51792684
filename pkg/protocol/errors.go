package protocol

import (
	"fmt"
	"time"
)

// IllegalTransitionError reports an attempted record state transition that is
// not an edge of the state DAG. It signals either a programming error or a
// lost race (first transition wins, second gets this error).
type IllegalTransitionError struct {
	EventID string
	From    RecordState
	To      RecordState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for event %s", e.From, e.To, e.EventID)
}

// DuplicateEventError reports a fingerprint already present in the dedup
// ledger. It is a normal idempotency outcome, not a failure; callers
// discriminate it with errors.As and discard the submission.
type DuplicateEventError struct {
	Fingerprint string
	Source      string // source of the rejected submission
	FirstSource string // source of the first-seen occurrence
	FirstSeen   time.Time
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event %s from %s (first seen %s from %s)",
		e.Fingerprint, e.Source, e.FirstSeen.Format(time.RFC3339), e.FirstSource)
}

// AlreadyDecidedError reports a decide call on a non-pending approval
// request. Decisions are asserted exactly once; double approval is rejected,
// never silently ignored.
type AlreadyDecidedError struct {
	RequestID string
	Decision  ApprovalDecision
}

func (e *AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval request %s already decided: %s", e.RequestID, e.Decision)
}

// UnknownWorkerError reports a directive naming a worker the supervisor does
// not manage.
type UnknownWorkerError struct {
	Name string
}

func (e *UnknownWorkerError) Error() string {
	return fmt.Sprintf("unknown worker %s", e.Name)
}
