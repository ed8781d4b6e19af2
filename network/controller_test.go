package network

import (
	"context"
	"testing"

	"github.com/opd-ai/ferry/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_LossAndRestore(t *testing.T) {
	target := newFakeTarget(map[string]transfer.Status{
		"t1": transfer.StatusTransferring,
		"t2": transfer.StatusTransferring,
		"t3": transfer.StatusPaused, // paused by the user
	})
	c := NewController(target, DefaultSettings(), quietLogger())
	ctx := context.Background()

	c.HandleEvent(ctx, lost)
	assert.Equal(t, transfer.StatusPaused, target.status("t1"))
	assert.Equal(t, transfer.StatusPaused, target.status("t2"))
	assert.Equal(t, []string{"t1", "t2"}, c.NetworkPaused())
	assert.False(t, c.Allowed())

	c.HandleEvent(ctx, wifiUp)
	assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
	assert.Equal(t, transfer.StatusTransferring, target.status("t2"))
	assert.Equal(t, transfer.StatusPaused, target.status("t3"), "user pause must survive restoration")
	assert.Empty(t, c.NetworkPaused())
	assert.ElementsMatch(t, []string{"t1", "t2"}, target.resumed)
	assert.True(t, c.Allowed())
}

func TestController_PauseAllPolicy(t *testing.T) {
	target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
	c := NewController(target, DefaultSettings(), quietLogger())
	ctx := context.Background()

	c.SetPolicy(ctx, PolicyPauseAll)
	assert.Equal(t, transfer.StatusPaused, target.status("t1"))
	assert.False(t, c.Allowed())

	// Connectivity events do not override PAUSE_ALL.
	c.HandleEvent(ctx, wifiUp)
	assert.Equal(t, transfer.StatusPaused, target.status("t1"))

	c.SetPolicy(ctx, PolicyAllowAll)
	assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
	assert.Empty(t, c.NetworkPaused())
}

func TestController_WiFiOnly(t *testing.T) {
	tests := []struct {
		name       string
		autoResume bool
		wantAfter  transfer.Status
	}{
		{"auto resume on wifi", true, transfer.StatusTransferring},
		{"held until policy change", false, transfer.StatusPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
			c := NewController(target, Settings{Policy: PolicyWiFiOnly, AutoResumeUnmetered: tt.autoResume}, quietLogger())
			ctx := context.Background()

			c.HandleEvent(ctx, cellularUp)
			require.Equal(t, transfer.StatusPaused, target.status("t1"))

			c.HandleEvent(ctx, wifiUp)
			assert.Equal(t, tt.wantAfter, target.status("t1"))

			c.SetPolicy(ctx, PolicyAllowAll)
			assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
		})
	}
}

func TestController_UserPreference(t *testing.T) {
	ctx := context.Background()

	t.Run("pause on metered", func(t *testing.T) {
		target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
		c := NewController(target, Settings{Policy: PolicyUserPreference, PauseOnMetered: true, AutoResumeUnmetered: true}, quietLogger())

		c.HandleEvent(ctx, cellularUp)
		assert.Equal(t, transfer.StatusPaused, target.status("t1"))

		c.HandleEvent(ctx, wifiUp)
		assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
	})

	t.Run("metered allowed", func(t *testing.T) {
		target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
		c := NewController(target, Settings{Policy: PolicyUserPreference}, quietLogger())

		c.HandleEvent(ctx, cellularUp)
		assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
		assert.Empty(t, c.NetworkPaused())
	})

	t.Run("toggle off resumes", func(t *testing.T) {
		target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
		c := NewController(target, Settings{Policy: PolicyUserPreference, PauseOnMetered: true}, quietLogger())

		c.HandleEvent(ctx, cellularUp)
		require.Equal(t, transfer.StatusPaused, target.status("t1"))

		c.SetSettings(ctx, Settings{Policy: PolicyUserPreference, PauseOnMetered: false})
		assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
	})
}

func TestController_ForgetsFinishedTransfers(t *testing.T) {
	target := newFakeTarget(map[string]transfer.Status{
		"t1": transfer.StatusTransferring,
		"t2": transfer.StatusTransferring,
	})
	c := NewController(target, DefaultSettings(), quietLogger())
	ctx := context.Background()

	c.HandleEvent(ctx, lost)
	require.Equal(t, []string{"t1", "t2"}, c.NetworkPaused())

	c.HandleResult(transfer.Result{TransferID: "t1", Status: transfer.StatusCancelled})
	assert.Equal(t, []string{"t2"}, c.NetworkPaused())

	// A transfer that vanished without a result is dropped on resume.
	target.remove("t2")
	c.HandleEvent(ctx, wifiUp)
	assert.Empty(t, c.NetworkPaused())
	assert.Empty(t, target.resumed)
}

func TestController_Run(t *testing.T) {
	target := newFakeTarget(map[string]transfer.Status{"t1": transfer.StatusTransferring})
	c := NewController(target, DefaultSettings(), quietLogger())

	events := make(chan Event, 2)
	events <- lost
	events <- wifiUp
	close(events)

	require.NoError(t, c.Run(context.Background(), events))
	assert.Equal(t, transfer.StatusTransferring, target.status("t1"))
	assert.Equal(t, []string{"t1"}, target.resumed)
	assert.Equal(t, wifiUp, c.Current())
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"ALLOW_ALL", PolicyAllowAll, false},
		{"wifi-only", PolicyWiFiOnly, false},
		{" pause_all ", PolicyPauseAll, false},
		{"user_preference", PolicyUserPreference, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
