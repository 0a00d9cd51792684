package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"warden/pkg/protocol"
)

// sendDirective connects to the supervisor socket, sends one DIRECTIVE, and
// returns its ACK. One directive, one reply, then the connection closes.
func sendDirective(ctx context.Context, sockPath string, op protocol.Directive, args ...string) (*protocol.ACKPayload, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, &exitError{code: 2, msg: fmt.Sprintf("connect to supervisor: %v", err)}
	}
	defer func() { _ = conn.Close() }()

	msg := protocol.Message{
		Type:      protocol.MsgDirective,
		Directive: &protocol.DirectivePayload{Op: string(op), Args: args},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal directive: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send directive: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read ack: %w", err)
		}
		return nil, fmt.Errorf("no ack received")
	}
	var reply protocol.Message
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("unmarshal ack: %w", err)
	}
	if reply.Type != protocol.MsgACK || reply.ACK == nil {
		return nil, fmt.Errorf("unexpected reply type %s", reply.Type)
	}
	if !reply.ACK.OK {
		return nil, fmt.Errorf("supervisor refused %s: %s", op, reply.ACK.Detail)
	}
	return reply.ACK, nil
}
