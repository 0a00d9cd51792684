package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"warden/pkg/config"
	"warden/pkg/protocol"
)

// ProcessManager spawns and kills detector worker processes.
type ProcessManager interface {
	Spawn(spec config.WorkerSpec) (*os.Process, error)
	Kill(name string) error
	Alive(pid int) bool
}

// ExecProcessManager implements ProcessManager by spawning the configured
// detector commands and tracking them for lifecycle management.
//
// Thread-safe: all access to the process map is protected by a mutex.
type ExecProcessManager struct {
	socketPath string
	home       string
	mu         sync.Mutex
	procs      map[string]*os.Process
	wg         sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a worker spec. Defaults to running
	// spec.Command with spec.Args. Tests override it to spawn a dummy command.
	cmdFactory func(spec config.WorkerSpec) *exec.Cmd
}

// NewExecProcessManager creates an ExecProcessManager running each worker's
// configured command, with the socket path and worker identity passed through
// the environment.
func NewExecProcessManager(socketPath, home string) *ExecProcessManager {
	pm := &ExecProcessManager{
		socketPath: socketPath,
		home:       home,
		procs:      make(map[string]*os.Process),
	}
	pm.cmdFactory = func(spec config.WorkerSpec) *exec.Cmd {
		cmd := exec.Command(spec.Command, spec.Args...) //nolint:gosec // command comes from operator config
		cmd.Env = append(os.Environ(),
			"WARDEN_SOCKET="+socketPath,
			"WARDEN_WORKER="+spec.Name,
			"WARDEN_POLL_INTERVAL="+spec.PollInterval.Std().String())
		return cmd
	}
	return pm
}

// SetCmdFactory replaces the command factory. Used by tests to inject a
// controllable subprocess.
func (pm *ExecProcessManager) SetCmdFactory(factory func(spec config.WorkerSpec) *exec.Cmd) {
	pm.cmdFactory = factory
}

// Spawn starts the worker's process and tracks it. Each worker gets its own
// process group (Setpgid) so Kill can terminate the whole tree, and its
// output goes to <home>/workers/<name>/output.log.
func (pm *ExecProcessManager) Spawn(spec config.WorkerSpec) (*os.Process, error) {
	cmd := pm.cmdFactory(spec)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if pm.home != "" {
		logDir := filepath.Join(pm.home, protocol.WorkersDir, spec.Name)
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", logDir, err)
		}
		logPath := filepath.Join(logDir, "output.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn worker %s: %w", spec.Name, err)
	}
	// The child inherits the log fd; the parent's copy can close.
	if logFile != nil {
		_ = logFile.Close()
	}

	proc := cmd.Process
	pm.mu.Lock()
	pm.procs[spec.Name] = proc
	pm.mu.Unlock()

	// Reap the child in the background to avoid zombies.
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		_ = cmd.Wait()
	}()

	return proc, nil
}

// Kill sends SIGTERM to the worker's process group, waits a short grace
// period, then SIGKILLs stragglers. The worker is removed from tracking
// regardless of outcome.
func (pm *ExecProcessManager) Kill(name string) error {
	pm.mu.Lock()
	proc, ok := pm.procs[name]
	if !ok {
		pm.mu.Unlock()
		return &protocol.UnknownWorkerError{Name: name}
	}
	delete(pm.procs, name)
	pm.mu.Unlock()

	// Negative PID targets the whole process group, so a detector that
	// shelled out to curl or a script dies with it.
	pgid := proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = proc.Kill()
		return nil //nolint:nilerr // SIGTERM failure means the process already exited
	}

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// Alive reports whether pid still exists, using signal 0.
func (pm *ExecProcessManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Wait blocks until all reaper goroutines have completed.
func (pm *ExecProcessManager) Wait() {
	pm.wg.Wait()
}
