package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"warden/pkg/protocol"
)

// Permanent exit code: the executor command signals a non-retryable failure
// by exiting with this status, which the loop turns into a FatalError.
const exitPermanent = 78 // matches EX_CONFIG from sysexits

// ExecExecutor runs a configured command for each attempt, feeding the event
// as JSON on stdin. Exit 0 means the attempt succeeded; exitPermanent means
// stop retrying; anything else is a retryable failure carrying stderr.
type ExecExecutor struct {
	Command string
	Args    []string
}

func (e *ExecExecutor) Execute(ctx context.Context, ev *protocol.Event, iteration int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode event %s: %w", ev.ID, err)}
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"WARDEN_EVENT_ID="+ev.ID,
		fmt.Sprintf("WARDEN_ITERATION=%d", iteration))

	out, err := cmd.Output()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(string(exitErr.Stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(out))
		}
		wrapped := fmt.Errorf("%s: exit %d: %s", e.Command, exitErr.ExitCode(), detail)
		if exitErr.ExitCode() == exitPermanent {
			return &FatalError{Err: wrapped}
		}
		return wrapped
	}
	return fmt.Errorf("%s: %w", e.Command, err)
}
