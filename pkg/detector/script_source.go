package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"warden/pkg/protocol"
)

// ScriptSource runs a command on each poll and parses its stdout as one JSON
// detection per line:
//
//	{"external_id":"msg-42","kind":"email_received","priority":"high","payload":{...}}
//
// This is the integration surface for arbitrary sources: anything that can
// print JSON lines can feed the warden.
type ScriptSource struct {
	Command string
	Args    []string
}

func (s *ScriptSource) Poll(ctx context.Context) ([]protocol.DetectPayload, error) {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...) //nolint:gosec // command comes from operator config
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w: %s", s.Command, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", s.Command, err)
	}
	return ParseDetections(out)
}

// ParseDetections decodes JSON-lines output into detections. Blank lines are
// skipped; a malformed line fails the whole batch so a broken script is
// noticed rather than silently half-ingested.
func ParseDetections(out []byte) ([]protocol.DetectPayload, error) {
	var detections []protocol.DetectPayload
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var det protocol.DetectPayload
		if err := json.Unmarshal(text, &det); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if det.ExternalID == "" {
			return nil, fmt.Errorf("line %d: external_id is required", line)
		}
		if !det.Kind.Valid() {
			return nil, fmt.Errorf("line %d: unknown kind %q", line, det.Kind)
		}
		if det.Priority == "" {
			det.Priority = protocol.PriorityMedium
		}
		detections = append(detections, det)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return detections, nil
}
