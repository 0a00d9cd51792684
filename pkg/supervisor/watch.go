package supervisor

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"warden/pkg/config"
	"warden/pkg/protocol"
)

// reloadFallbackInterval is the safety-net poll when fsnotify misses events
// (editors that rename-over, NFS homes).
const reloadFallbackInterval = 60 * time.Second

// WatchConfig reloads warden.toml and policy.yaml when they change, falling
// back to polling if the watcher cannot be set up. Supervisor-level tunables
// need a daemon restart; worker specs and policy apply live. Blocks until
// ctx is done.
func (s *Supervisor) WatchConfig(ctx context.Context, configPath, policyPath string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.reloadPoll(ctx, configPath, policyPath)
		return
	}
	defer func() { _ = watcher.Close() }()

	ok := true
	for _, p := range []string{configPath, policyPath} {
		if err := watcher.Add(p); err != nil {
			ok = false
		}
	}
	if !ok {
		s.reloadPoll(ctx, configPath, policyPath)
		return
	}

	fallback := time.NewTicker(reloadFallbackInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload(ctx, configPath, policyPath)
			// Rename-over replaces the inode; re-add so we keep watching.
			_ = watcher.Add(ev.Name)
		case err := <-watcher.Errors:
			if err != nil {
				s.auditEvent("watcher_error", "", "", err.Error())
			}
		case <-fallback.C:
			s.reload(ctx, configPath, policyPath)
		}
	}
}

func (s *Supervisor) reloadPoll(ctx context.Context, configPath, policyPath string) {
	ticker := time.NewTicker(reloadFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload(ctx, configPath, policyPath)
		}
	}
}

// reload re-reads both files; a file that fails to parse leaves the previous
// version in force.
func (s *Supervisor) reload(ctx context.Context, configPath, policyPath string) {
	if pol, err := config.LoadPolicy(policyPath); err != nil {
		s.auditEvent("policy_reload_failed", "", "", err.Error())
	} else {
		s.mu.Lock()
		s.policy = pol
		s.mu.Unlock()
		s.auditEvent("policy_reloaded", "", "", "")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		s.auditEvent("config_reload_failed", "", "", err.Error())
		return
	}
	s.applyWorkerSpecs(ctx, cfg.Workers)
	s.auditEvent("config_reloaded", "", "", "")
}

// applyWorkerSpecs reconciles the declared worker list with runtime state:
// new workers are added (and started if enabled), removed workers are stopped
// and dropped, changed specs take effect on the next restart. A runtime
// disable sticks across reloads.
func (s *Supervisor) applyWorkerSpecs(ctx context.Context, specs []config.WorkerSpec) {
	declared := make(map[string]config.WorkerSpec, len(specs))
	for _, spec := range specs {
		declared[spec.Name] = spec
	}

	var toStart, toStop []string

	s.mu.Lock()
	for name, spec := range declared {
		w, ok := s.workers[name]
		if !ok {
			tw := &trackedWorker{spec: spec, status: protocol.WorkerStopped}
			if !spec.Enabled {
				tw.status = protocol.WorkerDisabled
				tw.disabled = true
			} else {
				toStart = append(toStart, name)
			}
			s.workers[name] = tw
			continue
		}
		w.spec = spec
	}
	for name := range s.workers {
		if _, ok := declared[name]; !ok {
			toStop = append(toStop, name)
		}
	}
	s.mu.Unlock()

	for _, name := range toStop {
		s.stopWorker(name, "removed from config")
		s.mu.Lock()
		delete(s.workers, name)
		s.mu.Unlock()
	}
	for _, name := range toStart {
		if err := s.startWorker(ctx, name); err != nil {
			s.auditEvent("worker_spawn_failed", "", name, err.Error())
		}
	}
}
