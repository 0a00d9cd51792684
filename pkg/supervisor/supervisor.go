// Package supervisor implements the warden daemon core: a UDS server for
// detector workers and the CLI, worker process lifecycle with crash restarts,
// policy-based routing of detected events into the approval gate or the retry
// loop, and the periodic maintenance that keeps the ledger and audit log
// bounded.
//
// The Supervisor starts its declared workers on Run and supervises them until
// ctx is cancelled, then drains gracefully.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"warden/pkg/approval"
	"warden/pkg/auditlog"
	"warden/pkg/config"
	"warden/pkg/loop"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

// Config holds Supervisor construction parameters. Paths are resolved by the
// caller; tunables default from the loaded warden.toml.
type Config struct {
	SocketPath string
	Home       string // warden home dir, for per-worker output logs
	AuditDir   string

	HealthCheckInterval time.Duration // worker staleness scan cadence
	SweepInterval       time.Duration // approval expiration sweep cadence
	MaintenanceInterval time.Duration // ledger compaction + audit prune cadence
	ShutdownTimeout     time.Duration // graceful drain window
	LedgerRetention     time.Duration
	AuditRetentionDays  int
	CPUCeilingPercent   float64
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = config.DefaultHealthCheckInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LedgerRetention == 0 {
		c.LedgerRetention = config.DefaultLedgerRetention
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = config.DefaultAuditRetentionDays
	}
	if c.CPUCeilingPercent == 0 {
		c.CPUCeilingPercent = config.DefaultCPUCeilingPercent
	}
	return c
}

// trackedWorker holds runtime state for one declared detector worker.
type trackedWorker struct {
	spec         config.WorkerSpec
	status       protocol.WorkerStatus
	pid          int
	conn         net.Conn
	lastSeen     time.Time
	lastEvent    time.Time // most recent detection, duplicate or not
	restarts     []time.Time // rolling window for the restart cap
	consecErrors int
	backoff      time.Duration // next restart delay
	disabled     bool          // runtime override, survives config reload
	restartAt    time.Time     // earliest next restart attempt
}

// Supervisor is the daemon core.
type Supervisor struct {
	cfg       Config
	records   *store.Store
	approvals *approval.Machine
	loops     *loop.Controller
	audit     store.Auditor
	procMgr   ProcessManager

	mu        sync.Mutex
	workers   map[string]*trackedWorker
	policy    *config.Policy
	listener  net.Listener
	startTime time.Time
	draining  bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Supervisor for the declared workers. It does not start
// anything; call Run.
func New(cfg Config, records *store.Store, approvals *approval.Machine, loops *loop.Controller, audit store.Auditor, pol *config.Policy, workers []config.WorkerSpec) *Supervisor {
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		records:   records,
		approvals: approvals,
		loops:     loops,
		audit:     audit,
		procMgr:   NewExecProcessManager(cfg.SocketPath, cfg.Home),
		workers:   make(map[string]*trackedWorker),
		policy:    pol,
		nowFunc:   time.Now,
	}
	if audit == nil {
		s.audit = nopAuditor{}
	}
	for _, spec := range workers {
		tw := &trackedWorker{spec: spec, status: protocol.WorkerStopped}
		if !spec.Enabled {
			tw.status = protocol.WorkerDisabled
			tw.disabled = true
		}
		s.workers[spec.Name] = tw
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Record(auditlog.Entry) {}

// SetProcessManager replaces the process manager (used by tests and by
// cmd/warden to inject the self-exec factory).
func (s *Supervisor) SetProcessManager(pm ProcessManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procMgr = pm
}

// SetNowFunc overrides the clock (for testing).
func (s *Supervisor) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// Run starts the supervisor and blocks until ctx is cancelled. It:
//  1. Starts the UDS listener and accept loop
//  2. Spawns enabled workers
//  3. Resumes interrupted loop sessions
//  4. Runs the health, sweep, and maintenance loops
//
// On cancellation it stops workers and drains connections within
// ShutdownTimeout.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.startTime = s.nowFunc()
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln)
	go s.healthLoop(ctx)
	go s.approvals.RunSweeper(ctx, s.cfg.SweepInterval)
	go s.maintenanceLoop(ctx)

	s.spawnEnabled(ctx)
	s.resumeInterrupted(ctx)

	<-ctx.Done()

	s.mu.Lock()
	s.draining = true
	names := make([]string, 0, len(s.workers))
	var conns []net.Conn
	for name, w := range s.workers {
		if w.status == protocol.WorkerRunning {
			names = append(names, name)
		}
		if w.conn != nil {
			conns = append(conns, w.conn)
		}
	}
	s.mu.Unlock()

	// Tell connected detectors to exit on their own before the process
	// groups get signalled.
	shutdown, err := json.Marshal(protocol.Message{Type: protocol.MsgShutdown})
	if err == nil {
		shutdown = append(shutdown, '\n')
		for _, c := range conns {
			_ = c.SetWriteDeadline(s.nowFunc().Add(time.Second))
			_, _ = c.Write(shutdown)
		}
	}

	for _, name := range names {
		s.stopWorker(name, "daemon shutdown")
	}

	// Wait briefly for worker connections to close before tearing down the
	// listener, so in-flight DETECT messages land.
	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			s.mu.Lock()
			for _, w := range s.workers {
				if w.conn != nil {
					_ = w.conn.Close()
					w.conn = nil
				}
			}
			s.mu.Unlock()
			_ = ln.Close()
			return nil
		case <-tick.C:
			if s.connectedWorkers() == 0 {
				_ = ln.Close()
				return nil
			}
		}
	}
}

func (s *Supervisor) connectedWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.conn != nil {
			n++
		}
	}
	return n
}

// spawnEnabled starts every declared worker that is enabled.
func (s *Supervisor) spawnEnabled(ctx context.Context) {
	s.mu.Lock()
	var specs []config.WorkerSpec
	for _, w := range s.workers {
		if !w.disabled && w.status != protocol.WorkerRunning {
			specs = append(specs, w.spec)
		}
	}
	s.mu.Unlock()

	for _, spec := range specs {
		if err := s.startWorker(ctx, spec.Name); err != nil {
			s.auditEvent("worker_spawn_failed", "", spec.Name, err.Error())
		}
	}
}

// resumeInterrupted restarts loop sessions cut off by a previous shutdown:
// records stuck in executing resume their persisted session, and approved
// records that never started get a fresh one.
func (s *Supervisor) resumeInterrupted(ctx context.Context) {
	for _, state := range []protocol.RecordState{protocol.StateExecuting, protocol.StateApproved} {
		recs, err := s.records.ListByState(ctx, state)
		if err != nil {
			s.auditEvent("resume_failed", "", "", err.Error())
			return
		}
		for _, rec := range recs {
			s.startLoop(ctx, rec.EventID)
		}
	}
}

// startLoop runs the retry loop for one event in the background, using the
// executor its kind's policy configures. Events with no executor stay put
// until an operator handles them.
func (s *Supervisor) startLoop(ctx context.Context, eventID string) {
	ev, err := s.records.GetEvent(ctx, eventID)
	if err != nil {
		s.auditEvent("loop_start_failed", eventID, "", err.Error())
		return
	}

	s.mu.Lock()
	pol := s.policy.For(ev.Kind)
	s.mu.Unlock()
	if pol.Executor == "" {
		return
	}

	exec := &loop.ExecExecutor{Command: pol.Executor, Args: pol.ExecutorArgs}
	go func() {
		if _, err := s.loops.Run(ctx, eventID, exec, nil); err != nil && ctx.Err() == nil {
			s.auditEvent("loop_error", eventID, "", err.Error())
		}
	}()
}

// auditEvent writes one operational audit entry.
func (s *Supervisor) auditEvent(result, eventID, worker, detail string) {
	if worker != "" && detail != "" {
		detail = fmt.Sprintf(`{"worker":%q,"detail":%q}`, worker, detail)
	} else if worker != "" {
		detail = fmt.Sprintf(`{"worker":%q}`, worker)
	}
	s.audit.Record(auditlog.Entry{
		Timestamp: s.nowFunc(),
		Actor:     "supervisor",
		EventID:   eventID,
		Result:    result,
		Detail:    detail,
	})
}
