package protocol_test

import (
	"errors"
	"testing"

	"warden/pkg/protocol"
)

func TestFingerprintStable(t *testing.T) {
	t.Parallel()

	a := protocol.Fingerprint("email", "msg-42")
	b := protocol.Fingerprint("email", "msg-42")
	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintDistinguishesSourceAndID(t *testing.T) {
	t.Parallel()

	// The separator must prevent ("ab","c") colliding with ("a","bc").
	if protocol.Fingerprint("ab", "c") == protocol.Fingerprint("a", "bc") {
		t.Fatal("fingerprint collides across source/external_id boundary")
	}
	if protocol.Fingerprint("email", "1") == protocol.Fingerprint("social", "1") {
		t.Fatal("fingerprint ignores source")
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    protocol.RecordState
		to      protocol.RecordState
		wantErr bool
	}{
		{"new to awaiting approval", protocol.StateNew, protocol.StateAwaitingApproval, false},
		{"new to executing (non-sensitive)", protocol.StateNew, protocol.StateExecuting, false},
		{"new to abandoned", protocol.StateNew, protocol.StateAbandoned, false},
		{"awaiting to approved", protocol.StateAwaitingApproval, protocol.StateApproved, false},
		{"awaiting to rejected", protocol.StateAwaitingApproval, protocol.StateRejected, false},
		{"awaiting to expired", protocol.StateAwaitingApproval, protocol.StateExpired, false},
		{"approved to executing", protocol.StateApproved, protocol.StateExecuting, false},
		{"executing to succeeded", protocol.StateExecuting, protocol.StateSucceeded, false},
		{"executing to failed", protocol.StateExecuting, protocol.StateFailed, false},
		{"no path back to new", protocol.StateApproved, protocol.StateNew, true},
		{"awaiting cannot succeed directly", protocol.StateAwaitingApproval, protocol.StateSucceeded, true},
		{"rejected is terminal", protocol.StateRejected, protocol.StateExecuting, true},
		{"succeeded is terminal", protocol.StateSucceeded, protocol.StateFailed, true},
		{"expired is terminal", protocol.StateExpired, protocol.StateApproved, true},
		{"executing cannot be abandoned", protocol.StateExecuting, protocol.StateAbandoned, true},
		{"new cannot skip to succeeded", protocol.StateNew, protocol.StateSucceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := protocol.ValidateTransition("ev-1", tt.from, tt.to)
			if tt.wantErr && err == nil {
				t.Fatalf("ValidateTransition(%s, %s) = nil, want error", tt.from, tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ValidateTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
			}
			if tt.wantErr {
				var ite *protocol.IllegalTransitionError
				if !errors.As(err, &ite) {
					t.Fatalf("error %v is not an IllegalTransitionError", err)
				}
				if ite.From != tt.from || ite.To != tt.to {
					t.Fatalf("error edge = %s -> %s, want %s -> %s", ite.From, ite.To, tt.from, tt.to)
				}
			}
		})
	}
}

func TestValidateTransitionUnknownState(t *testing.T) {
	t.Parallel()

	if err := protocol.ValidateTransition("ev-1", "bogus", protocol.StateNew); err == nil {
		t.Fatal("expected error for unknown from-state")
	}
	if err := protocol.ValidateTransition("ev-1", protocol.StateNew, "bogus"); err == nil {
		t.Fatal("expected error for unknown to-state")
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	terminals := []protocol.RecordState{
		protocol.StateSucceeded, protocol.StateFailed, protocol.StateRejected,
		protocol.StateExpired, protocol.StateAbandoned,
	}
	for _, s := range terminals {
		if !protocol.Terminal(s) {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
	for _, s := range []protocol.RecordState{protocol.StateNew, protocol.StateAwaitingApproval, protocol.StateApproved, protocol.StateExecuting} {
		if protocol.Terminal(s) {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
}

func TestDirectiveValid(t *testing.T) {
	t.Parallel()

	for _, d := range []protocol.Directive{
		protocol.DirectiveStatus, protocol.DirectiveStop, protocol.DirectiveRestart,
		protocol.DirectiveEnable, protocol.DirectiveDisable,
		protocol.DirectiveApprove, protocol.DirectiveReject, protocol.DirectiveAckAlert,
	} {
		if !d.Valid() {
			t.Errorf("Directive(%s).Valid() = false, want true", d)
		}
	}
	if protocol.Directive("explode").Valid() {
		t.Error("unknown directive reported valid")
	}
}

func TestEventKindAndPriorityValid(t *testing.T) {
	t.Parallel()

	if !protocol.KindEmailReceived.Valid() || !protocol.KindSensitiveAction.Valid() {
		t.Error("known kinds reported invalid")
	}
	if protocol.EventKind("mystery").Valid() {
		t.Error("unknown kind reported valid")
	}
	if !protocol.PriorityUrgent.Valid() || !protocol.PriorityLow.Valid() {
		t.Error("known priorities reported invalid")
	}
	if protocol.Priority("whenever").Valid() {
		t.Error("unknown priority reported valid")
	}
}
