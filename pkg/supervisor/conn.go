package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"warden/pkg/protocol"
)

// maxLineSize bounds one wire message. Detector payloads are small; anything
// larger is a misbehaving worker.
const maxLineSize = 1 << 20

// acceptLoop accepts worker and CLI connections.
func (s *Supervisor) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON messages from one connection. Worker
// connections are long-lived and identified by the first message carrying a
// worker name; CLI connections send one DIRECTIVE and read one ACK.
func (s *Supervisor) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var workerName string

	defer func() {
		_ = conn.Close()
		if workerName != "" {
			s.mu.Lock()
			if w, ok := s.workers[workerName]; ok && w.conn == conn {
				w.conn = nil
			}
			s.mu.Unlock()
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		if msg.Type == protocol.MsgDirective {
			s.handleDirectiveWithACK(ctx, conn, msg)
			return // CLI disconnects after the ACK
		}

		if workerName == "" {
			workerName = extractWorkerName(msg)
			if workerName != "" {
				s.registerWorker(workerName, conn)
			}
		}

		switch msg.Type {
		case protocol.MsgHeartbeat:
			s.handleHeartbeat(workerName, msg)
		case protocol.MsgDetect:
			s.handleDetect(ctx, workerName, msg)
		}
	}
}

// extractWorkerName pulls the worker name from any message payload.
func extractWorkerName(msg protocol.Message) string {
	switch {
	case msg.Heartbeat != nil:
		return msg.Heartbeat.Worker
	case msg.Detect != nil:
		return msg.Detect.Worker
	default:
		return ""
	}
}

// registerWorker binds a connection to a declared worker. Connections from
// undeclared names are tolerated but not tracked.
func (s *Supervisor) registerWorker(name string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return
	}
	w.conn = conn
	w.lastSeen = s.nowFunc()
	if w.status != protocol.WorkerDisabled {
		w.status = protocol.WorkerRunning
	}
}

func (s *Supervisor) handleHeartbeat(name string, msg protocol.Message) {
	if msg.Heartbeat == nil || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return
	}
	w.lastSeen = s.nowFunc()
	if w.pid == 0 {
		w.pid = msg.Heartbeat.PID
	}
}

// handleDetect submits a detection to the store and routes the accepted event
// per policy: sensitive kinds go to the approval gate, the rest straight into
// the retry loop. Duplicates are dropped silently; the store already audited
// them.
func (s *Supervisor) handleDetect(ctx context.Context, name string, msg protocol.Message) {
	if msg.Detect == nil || name == "" {
		return
	}

	s.mu.Lock()
	if w, ok := s.workers[name]; ok {
		w.lastEvent = s.nowFunc()
	}
	s.mu.Unlock()

	ev, err := s.records.Submit(ctx, *msg.Detect)
	if err != nil {
		var dup *protocol.DuplicateEventError
		if errors.As(err, &dup) {
			return
		}
		s.auditEvent("submit_failed", "", name, err.Error())
		s.noteWorkerError(name)
		return
	}
	s.noteWorkerOK(name)

	s.mu.Lock()
	pol := s.policy.For(ev.Kind)
	s.mu.Unlock()

	if pol.Sensitive {
		_, err := s.approvals.RequestApproval(ctx, ev.ID, pol.RiskLevel,
			pol.ApprovalDeadline.Std(), pol.ApprovalExpiry.Std())
		if err != nil {
			s.auditEvent("approval_request_failed", ev.ID, name, err.Error())
		}
		return
	}
	s.startLoop(ctx, ev.ID)
}

// handleDirectiveWithACK applies a CLI directive and replies with one ACK.
func (s *Supervisor) handleDirectiveWithACK(ctx context.Context, conn net.Conn, msg protocol.Message) {
	ack := protocol.ACKPayload{OK: true}

	if msg.Directive == nil {
		ack.OK = false
		ack.Detail = "empty directive"
	} else {
		detail, err := s.applyDirective(ctx, protocol.Directive(msg.Directive.Op), msg.Directive.Args)
		if err != nil {
			ack.OK = false
			ack.Detail = err.Error()
		} else {
			ack.Detail = detail
		}
	}

	data, err := json.Marshal(protocol.Message{Type: protocol.MsgACK, ACK: &ack})
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// applyDirective executes one operational command. The returned detail is
// either a human-readable note or, for status, a JSON snapshot.
func (s *Supervisor) applyDirective(ctx context.Context, dir protocol.Directive, args []string) (string, error) {
	if !dir.Valid() {
		return "", fmt.Errorf("unknown directive %q", dir)
	}
	s.auditEvent("directive", "", "", fmt.Sprintf(`{"op":%q,"args":%q}`, dir, strings.Join(args, " ")))

	switch dir {
	case protocol.DirectiveStatus:
		snap, err := s.statusSnapshot(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return "", fmt.Errorf("marshal status: %w", err)
		}
		return string(data), nil

	case protocol.DirectiveStop:
		name, err := oneArg(dir, args)
		if err != nil {
			return "", err
		}
		if err := s.disableWorker(name, "stopped by operator"); err != nil {
			return "", err
		}
		return "stopped " + name, nil

	case protocol.DirectiveRestart:
		name, err := oneArg(dir, args)
		if err != nil {
			return "", err
		}
		s.stopWorker(name, "restart requested")
		if err := s.startWorker(ctx, name); err != nil {
			return "", err
		}
		return "restarted " + name, nil

	case protocol.DirectiveEnable:
		name, err := oneArg(dir, args)
		if err != nil {
			return "", err
		}
		if err := s.enableWorker(ctx, name); err != nil {
			return "", err
		}
		return "enabled " + name, nil

	case protocol.DirectiveDisable:
		name, err := oneArg(dir, args)
		if err != nil {
			return "", err
		}
		if err := s.disableWorker(name, "disabled by operator"); err != nil {
			return "", err
		}
		return "disabled " + name, nil

	case protocol.DirectiveApprove, protocol.DirectiveReject:
		if len(args) != 2 {
			return "", fmt.Errorf("%s requires <event-id> <decider>", dir)
		}
		eventID, by := args[0], args[1]
		req, err := s.approvals.PendingForEvent(ctx, eventID)
		if err != nil {
			return "", err
		}
		if req == nil {
			return "", fmt.Errorf("no pending approval for event %s", eventID)
		}
		decision := protocol.DecisionApproved
		if dir == protocol.DirectiveReject {
			decision = protocol.DecisionRejected
		}
		if err := s.approvals.Decide(ctx, req.ID, decision, by); err != nil {
			return "", err
		}
		if decision == protocol.DecisionApproved {
			s.startLoop(ctx, eventID)
		}
		return fmt.Sprintf("%s %s", decision, eventID), nil

	case protocol.DirectiveAckAlert:
		idArg, err := oneArg(dir, args)
		if err != nil {
			return "", err
		}
		var id int64
		if _, err := fmt.Sscanf(idArg, "%d", &id); err != nil {
			return "", fmt.Errorf("ack-alert: bad alert id %q", idArg)
		}
		if err := s.records.AckEscalation(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("acked alert %d", id), nil
	}
	return "", fmt.Errorf("unhandled directive %q", dir)
}

func oneArg(dir protocol.Directive, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%s requires exactly one argument", dir)
	}
	return args[0], nil
}
