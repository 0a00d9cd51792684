package protocol

import (
	"encoding/json"
	"time"
)

// MessageType discriminates wire messages on the supervisor socket.
type MessageType string

// Message type constants.
const (
	MsgHeartbeat MessageType = "HEARTBEAT"
	MsgDetect    MessageType = "DETECT"
	MsgShutdown  MessageType = "SHUTDOWN"
	MsgDirective MessageType = "DIRECTIVE"
	MsgACK       MessageType = "ACK"
)

// Message is the envelope for all traffic on the supervisor's unix socket.
// Exactly one payload field is non-nil, matching Type. Detector workers send
// HEARTBEAT and DETECT; the CLI sends DIRECTIVE over a short-lived connection
// and reads one ACK; the supervisor sends SHUTDOWN to workers.
type Message struct {
	Type      MessageType       `json:"type"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Detect    *DetectPayload    `json:"detect,omitempty"`
	Directive *DirectivePayload `json:"directive,omitempty"`
	ACK       *ACKPayload       `json:"ack,omitempty"`
}

// HeartbeatPayload is a worker liveness report.
type HeartbeatPayload struct {
	Worker    string    `json:"worker"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectPayload reports one detected occurrence. Payload is opaque to the
// core; only the detector that produced it and its executor interpret it.
type DetectPayload struct {
	Worker     string          `json:"worker"`
	Source     string          `json:"source"`
	ExternalID string          `json:"external_id"`
	Kind       EventKind       `json:"kind"`
	Priority   Priority        `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Directive is an operational command sent by the CLI.
type Directive string

// Directive constants.
const (
	DirectiveStatus   Directive = "status"
	DirectiveStop     Directive = "stop"
	DirectiveRestart  Directive = "restart"
	DirectiveEnable   Directive = "enable"
	DirectiveDisable  Directive = "disable"
	DirectiveApprove  Directive = "approve"
	DirectiveReject   Directive = "reject"
	DirectiveAckAlert Directive = "ack-alert"
)

// Valid reports whether d is a known directive.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveStatus, DirectiveStop, DirectiveRestart, DirectiveEnable,
		DirectiveDisable, DirectiveApprove, DirectiveReject, DirectiveAckAlert:
		return true
	}
	return false
}

// DirectivePayload carries a directive and its positional arguments
// (worker name, event ID, decider identity; directive-specific).
type DirectivePayload struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// ACKPayload is the supervisor's reply to a directive. Detail carries either
// a human-readable note or, for status, a JSON snapshot.
type ACKPayload struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}
