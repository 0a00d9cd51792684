package supervisor

import (
	"context"
	"fmt"
	"time"

	"warden/pkg/protocol"
)

// Restart backoff bounds. The delay doubles per consecutive restart and
// resets once a worker survives a full health pass.
const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

// consecErrorLimit disables a worker after this many submit failures in a
// row, on the theory that it is emitting garbage rather than crashing.
const consecErrorLimit = 3

// startWorker spawns the named worker's process. The caller must not hold
// s.mu.
func (s *Supervisor) startWorker(ctx context.Context, name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return &protocol.UnknownWorkerError{Name: name}
	}
	if w.disabled {
		s.mu.Unlock()
		return fmt.Errorf("worker %s is disabled", name)
	}
	if w.status == protocol.WorkerRunning && s.procMgr.Alive(w.pid) {
		s.mu.Unlock()
		return nil
	}
	spec := w.spec
	s.mu.Unlock()

	proc, err := s.procMgr.Spawn(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	w.pid = proc.Pid
	w.status = protocol.WorkerRunning
	w.lastSeen = s.nowFunc()
	s.mu.Unlock()

	s.auditEvent("worker_started", "", name, fmt.Sprintf("pid %d", proc.Pid))
	return nil
}

// stopWorker kills the named worker's process tree. Missing processes are
// not an error; the goal state is "not running".
func (s *Supervisor) stopWorker(name, reason string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.pid = 0
	if w.status == protocol.WorkerRunning {
		w.status = protocol.WorkerStopped
	}
	s.mu.Unlock()

	_ = s.procMgr.Kill(name)
	s.auditEvent("worker_stopped", "", name, reason)
}

// disableWorker stops a worker and holds it down until an explicit enable.
func (s *Supervisor) disableWorker(name, reason string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return &protocol.UnknownWorkerError{Name: name}
	}
	w.disabled = true
	s.mu.Unlock()

	s.stopWorker(name, reason)

	s.mu.Lock()
	w.status = protocol.WorkerDisabled
	s.mu.Unlock()
	return nil
}

// enableWorker clears the disabled flag, resets the restart budget, and
// starts the worker.
func (s *Supervisor) enableWorker(ctx context.Context, name string) error {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return &protocol.UnknownWorkerError{Name: name}
	}
	w.disabled = false
	w.status = protocol.WorkerStopped
	w.restarts = nil
	w.consecErrors = 0
	w.backoff = 0
	w.restartAt = time.Time{}
	s.mu.Unlock()

	return s.startWorker(ctx, name)
}

// noteWorkerError counts a consecutive failure against a worker; at the
// limit the worker is disabled and an alert raised.
func (s *Supervisor) noteWorkerError(name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	w.consecErrors++
	n := w.consecErrors
	s.mu.Unlock()

	if n >= consecErrorLimit {
		_ = s.disableWorker(name, fmt.Sprintf("%d consecutive errors", n))
		_ = s.records.Escalate(context.Background(), "worker_disabled", "", name,
			fmt.Sprintf("worker %s disabled after %d consecutive errors", name, n))
	}
}

func (s *Supervisor) noteWorkerOK(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[name]; ok {
		w.consecErrors = 0
		w.backoff = 0
	}
}

// healthLoop periodically scans worker liveness and resource use.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkWorkers(ctx)
		}
	}
}

// checkWorkers is one health pass. Running workers are checked for death,
// heartbeat silence, and the CPU ceiling; a failed worker is stopped and
// scheduled for restart after an exponential backoff. Workers whose backoff
// has elapsed are restarted, unless that would blow the hourly cap, in which
// case they are disabled and escalated.
func (s *Supervisor) checkWorkers(ctx context.Context) {
	now := s.nowFunc()

	type action struct {
		name   string
		reason string
	}
	var failed, restarts, capped []action

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	for name, w := range s.workers {
		if w.disabled || w.status == protocol.WorkerDisabled {
			continue
		}

		if w.status == protocol.WorkerRunning {
			var reason string
			switch {
			case w.pid != 0 && !s.procMgr.Alive(w.pid):
				reason = "process exited"
			case !w.lastSeen.IsZero() && now.Sub(w.lastSeen) > w.spec.CheckInterval.Std():
				reason = fmt.Sprintf("no heartbeat for %s", now.Sub(w.lastSeen).Truncate(time.Second))
			case w.pid != 0 && s.cfg.CPUCeilingPercent > 0:
				if pct, ok := cpuPercent(w.pid); ok && pct > s.cfg.CPUCeilingPercent {
					reason = fmt.Sprintf("cpu %.0f%% over ceiling %.0f%%", pct, s.cfg.CPUCeilingPercent)
				}
			}
			if reason == "" {
				w.backoff = 0
				continue
			}
			w.status = protocol.WorkerCrashed
			if w.backoff == 0 {
				w.backoff = backoffInitial
			} else {
				w.backoff *= 2
				if w.backoff > backoffMax {
					w.backoff = backoffMax
				}
			}
			w.restartAt = now.Add(w.backoff)
			failed = append(failed, action{name, reason})
			continue
		}

		// Crashed or stopped: restart once the backoff has elapsed.
		if !w.restartAt.IsZero() && now.Before(w.restartAt) {
			continue
		}

		// Rolling-window restart cap.
		cutoff := now.Add(-time.Hour)
		kept := w.restarts[:0]
		for _, t := range w.restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.restarts = kept
		if len(w.restarts) >= w.spec.RestartCapPerHour {
			w.disabled = true
			w.status = protocol.WorkerDisabled
			capped = append(capped, action{name, fmt.Sprintf("restart cap %d/hr hit", w.spec.RestartCapPerHour)})
			continue
		}
		w.restarts = append(w.restarts, now)
		restarts = append(restarts, action{name, "restart after backoff"})
	}
	s.mu.Unlock()

	for _, a := range failed {
		s.stopWorker(a.name, a.reason)
	}
	for _, a := range restarts {
		if err := s.startWorker(ctx, a.name); err != nil {
			s.auditEvent("worker_restart_failed", "", a.name, err.Error())
		}
	}
	for _, a := range capped {
		_ = s.procMgr.Kill(a.name)
		s.auditEvent("worker_stopped", "", a.name, a.reason)
		_ = s.records.Escalate(ctx, "worker_disabled", "", a.name,
			fmt.Sprintf("worker %s disabled: %s", a.name, a.reason))
	}
}

// maintenanceLoop runs periodic housekeeping: ledger compaction past the
// dedup window and audit partition pruning past retention.
func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.records.CompactLedger(ctx, s.cfg.LedgerRetention); err != nil {
				s.auditEvent("compaction_failed", "", "", err.Error())
			} else if n > 0 {
				s.auditEvent("ledger_compacted", "", "", fmt.Sprintf("%d entries", n))
			}
			if s.cfg.AuditDir != "" {
				if err := s.pruneAudit(); err != nil {
					s.auditEvent("audit_prune_failed", "", "", err.Error())
				}
			}
		}
	}
}
