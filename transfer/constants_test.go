package transfer

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	if DefaultMaxRetries != 3 {
		t.Errorf("DefaultMaxRetries = %d, want 3", DefaultMaxRetries)
	}
	if DefaultRetryBackoff != time.Second {
		t.Errorf("DefaultRetryBackoff = %v, want 1s", DefaultRetryBackoff)
	}
	if DefaultAutoSaveInterval != 10 {
		t.Errorf("DefaultAutoSaveInterval = %d, want 10", DefaultAutoSaveInterval)
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		name     string
		terminal bool
	}{
		{StatusPending, "PENDING", false},
		{StatusRequesting, "REQUESTING", false},
		{StatusTransferring, "TRANSFERRING", false},
		{StatusPaused, "PAUSED", false},
		{StatusCompleted, "COMPLETED", true},
		{StatusFailed, "FAILED", true},
		{StatusCancelled, "CANCELLED", true},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.name, got, tt.terminal)
		}
	}
	if Status(99).String() != "UNKNOWN" {
		t.Error("unexpected name for unknown status")
	}
	if DirectionOutgoing.String() != "outgoing" || DirectionIncoming.String() != "incoming" {
		t.Error("unexpected direction names")
	}
	if KindIntegrity.String() != "integrity" || KindTransient.String() != "transient" {
		t.Error("unexpected error kind names")
	}
}
