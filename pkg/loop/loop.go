// Package loop implements the bounded retry controller: it drives an executor
// against one record until the work completes, the iteration or time budget
// runs out, or the failures stop changing. Progress is persisted every
// iteration so a crashed supervisor resumes mid-session instead of restarting
// the budget.
package loop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/pkg/protocol"
	"warden/pkg/store"
)

// Defaults for Bounds fields left zero.
const (
	DefaultMaxIterations  = 10
	DefaultMaxDuration    = 30 * time.Minute
	DefaultStuckThreshold = 3
)

// Bounds caps one loop session. Zero fields take the defaults above.
type Bounds struct {
	MaxIterations  int
	MaxDuration    time.Duration
	StuckThreshold int
}

func (b Bounds) withDefaults() Bounds {
	if b.MaxIterations <= 0 {
		b.MaxIterations = DefaultMaxIterations
	}
	if b.MaxDuration <= 0 {
		b.MaxDuration = DefaultMaxDuration
	}
	if b.StuckThreshold <= 0 {
		b.StuckThreshold = DefaultStuckThreshold
	}
	return b
}

// Executor performs one attempt at resolving an event.
type Executor interface {
	Execute(ctx context.Context, ev *protocol.Event, iteration int) error
}

// Predicate reports whether the event's work is actually done. It runs after
// a successful attempt; a nil Predicate treats executor success as done.
type Predicate func(ctx context.Context, ev *protocol.Event) (bool, error)

// FatalError wraps an error that must not be retried: the loop stops and
// escalates immediately.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Controller runs loop sessions against the store.
type Controller struct {
	records *store.Store
	bounds  Bounds

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewController creates a Controller with the given default bounds.
func NewController(records *store.Store, bounds Bounds) *Controller {
	return &Controller{
		records: records,
		bounds:  bounds.withDefaults(),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (c *Controller) SetNowFunc(f func() time.Time) { c.nowFunc = f }

// Run drives exec against the event's record until done, exhausted, or stuck.
// The record must be in new, approved, or executing (resume) state. The
// returned session carries the terminal outcome; err is non-nil only for
// infrastructure failures, not for work that simply kept failing.
func (c *Controller) Run(ctx context.Context, eventID string, exec Executor, pred Predicate) (*protocol.LoopSession, error) {
	ev, err := c.records.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	rec, err := c.records.GetRecord(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case protocol.StateNew, protocol.StateApproved:
		if err := c.records.Transition(ctx, eventID, protocol.StateExecuting, "loop", "session started"); err != nil {
			return nil, err
		}
	case protocol.StateExecuting:
		// Resuming after a crash; the session below carries the progress.
	default:
		return nil, fmt.Errorf("run loop for %s: record in state %q is not runnable", eventID, rec.State)
	}

	sess, err := c.records.ActiveSession(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &protocol.LoopSession{
			ID:            uuid.NewString(),
			EventID:       eventID,
			MaxIterations: c.bounds.MaxIterations,
			StartedAt:     c.nowFunc(),
			MaxDuration:   c.bounds.MaxDuration,
			Outcome:       protocol.LoopRunning,
		}
		if err := c.saveSession(ctx, sess); err != nil {
			return nil, err
		}
	}

	// The time budget is anchored to the persisted start, so a resumed
	// session does not get a fresh window.
	deadline := sess.StartedAt.Add(sess.MaxDuration)

	for sess.Iteration < sess.MaxIterations {
		if ctx.Err() != nil {
			return sess, ctx.Err()
		}
		if !c.nowFunc().Before(deadline) {
			return c.finish(ctx, sess, protocol.LoopExhausted,
				fmt.Sprintf("time budget %s exhausted after %d iterations", sess.MaxDuration, sess.Iteration))
		}

		sess.Iteration++
		if err := c.saveSession(ctx, sess); err != nil {
			return sess, err
		}

		iterCtx, cancel := context.WithDeadline(ctx, deadline)
		execErr := exec.Execute(iterCtx, ev, sess.Iteration)
		cancel()

		if execErr == nil {
			done := true
			if pred != nil {
				done, err = pred(ctx, ev)
				if err != nil {
					execErr = fmt.Errorf("completion check: %w", err)
				}
			}
			if execErr == nil && done {
				if err := c.records.Transition(ctx, eventID, protocol.StateSucceeded, "loop",
					fmt.Sprintf("completed after %d iteration(s)", sess.Iteration)); err != nil {
					return sess, err
				}
				sess.Outcome = protocol.LoopCompleted
				return sess, c.saveSession(ctx, sess)
			}
			if execErr == nil {
				// Attempt ran clean but the work is not done yet; count it
				// against the budget and go around again.
				continue
			}
		}

		if err := c.records.RecordAttempt(ctx, eventID, execErr.Error()); err != nil {
			return sess, err
		}

		var fatal *FatalError
		if errors.As(execErr, &fatal) {
			return c.finish(ctx, sess, protocol.LoopEscalated,
				fmt.Sprintf("fatal failure at iteration %d: %s", sess.Iteration, fatal.Err))
		}

		sig := failureSignature(execErr)
		if sig == sess.LastFailureSignature {
			sess.StuckCount++
		} else {
			sess.LastFailureSignature = sig
			sess.StuckCount = 1
		}
		if err := c.saveSession(ctx, sess); err != nil {
			return sess, err
		}
		if sess.StuckCount >= c.bounds.StuckThreshold {
			return c.finish(ctx, sess, protocol.LoopEscalated,
				fmt.Sprintf("stuck: %d consecutive identical failures (%s)", sess.StuckCount, execErr))
		}
	}

	return c.finish(ctx, sess, protocol.LoopExhausted,
		fmt.Sprintf("iteration budget %d exhausted", sess.MaxIterations))
}

// finish moves the record to failed, records the terminal outcome, and raises
// an escalation with the session history summary.
func (c *Controller) finish(ctx context.Context, sess *protocol.LoopSession, outcome protocol.LoopOutcome, reason string) (*protocol.LoopSession, error) {
	if err := c.records.Transition(ctx, sess.EventID, protocol.StateFailed, "loop", reason); err != nil {
		return sess, err
	}
	sess.Outcome = outcome
	if err := c.saveSession(ctx, sess); err != nil {
		return sess, err
	}
	kind := "loop_exhausted"
	if outcome == protocol.LoopEscalated {
		kind = "loop_stuck"
	}
	if err := c.records.Escalate(ctx, kind, sess.EventID, "",
		fmt.Sprintf("%s (session %s, iteration %d/%d)", reason, sess.ID, sess.Iteration, sess.MaxIterations)); err != nil {
		return sess, err
	}
	return sess, nil
}

func (c *Controller) saveSession(ctx context.Context, sess *protocol.LoopSession) error {
	sess.UpdatedAt = c.nowFunc()
	return c.records.SaveSession(ctx, sess)
}

// failureSignature collapses an error into a stable identity: the dynamic
// type of the root cause plus the full message. Two attempts failing the same
// way hash identically, which is what stuck detection keys on.
func failureSignature(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	h := sha256.Sum256(fmt.Appendf(nil, "%T\x00%s", root, err.Error()))
	return hex.EncodeToString(h[:])
}
