package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
)

// StatusSnapshot is the answer to a status directive: daemon health plus the
// operator's worklist (pending approvals, in-flight loops, unacked alerts).
type StatusSnapshot struct {
	Daemon    DaemonStatus                 `json:"daemon"`
	Workers   []WorkerSnapshot             `json:"workers"`
	Records   map[protocol.RecordState]int `json:"records"`
	Approvals []protocol.ApprovalRequest   `json:"pending_approvals"`
	Sessions  []protocol.LoopSession       `json:"active_sessions"`
	Alerts    []protocol.Escalation        `json:"pending_alerts"`
}

// DaemonStatus reports the supervisor process itself.
type DaemonStatus struct {
	PID           int     `json:"pid"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// WorkerSnapshot reports one worker's runtime state.
type WorkerSnapshot struct {
	Name         string                `json:"name"`
	Status       protocol.WorkerStatus `json:"status"`
	PID          int                   `json:"pid,omitempty"`
	LastSeen     string                `json:"last_seen,omitempty"`
	LastEvent    string                `json:"last_event_at,omitempty"`
	ConsecErrors int                   `json:"consecutive_errors"`
	RestartsHour int                   `json:"restarts_last_hour"`
}

// statusSnapshot assembles the full snapshot.
func (s *Supervisor) statusSnapshot(ctx context.Context) (*StatusSnapshot, error) {
	now := s.nowFunc()

	s.mu.Lock()
	snap := &StatusSnapshot{
		Daemon: DaemonStatus{
			PID:           os.Getpid(),
			UptimeSeconds: now.Sub(s.startTime).Seconds(),
		},
	}
	cutoff := now.Add(-time.Hour)
	for name, w := range s.workers {
		ws := WorkerSnapshot{Name: name, Status: w.status, PID: w.pid, ConsecErrors: w.consecErrors}
		if !w.lastSeen.IsZero() {
			ws.LastSeen = w.lastSeen.Format(time.RFC3339)
		}
		if !w.lastEvent.IsZero() {
			ws.LastEvent = w.lastEvent.Format(time.RFC3339)
		}
		for _, t := range w.restarts {
			if t.After(cutoff) {
				ws.RestartsHour++
			}
		}
		snap.Workers = append(snap.Workers, ws)
	}
	s.mu.Unlock()

	counts, err := s.records.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	snap.Records = counts

	if snap.Approvals, err = s.approvals.ListPending(ctx); err != nil {
		return nil, err
	}
	if snap.Sessions, err = s.records.SessionsByOutcome(ctx, protocol.LoopRunning); err != nil {
		return nil, err
	}
	if snap.Alerts, err = s.records.PendingEscalations(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// pruneAudit drops audit partitions older than the retention window.
func (s *Supervisor) pruneAudit() error {
	n, err := auditlog.Prune(s.cfg.AuditDir, s.cfg.AuditRetentionDays, s.nowFunc())
	if err != nil {
		return err
	}
	if n > 0 {
		s.auditEvent("audit_pruned", "", "", fmt.Sprintf("%d partitions", n))
	}
	return nil
}
