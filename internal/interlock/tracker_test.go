package interlock

import (
	"testing"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/state"
)

func TestTrackerBusyWhileEitherSideMoving(t *testing.T) {
	tests := []struct {
		left, right protocol.HeadlightState
		want        bool
	}{
		{protocol.StateUp, protocol.StateUp, false},
		{protocol.StateMoving, protocol.StateUp, true},
		{protocol.StateDown, protocol.StateMoving, true},
		{protocol.StateMoving, protocol.StateMoving, true},
		{protocol.HeadlightState(50), protocol.StateDown, false},
	}
	for _, tt := range tests {
		store := state.NewStore()
		tr := New(store)
		tr.Observe(protocol.Left, tt.left)
		tr.Observe(protocol.Right, tt.right)

		if got := tr.Busy(); got != tt.want {
			t.Errorf("Busy() with %v/%v = %v, want %v", tt.left, tt.right, got, tt.want)
		}
		snap := store.Snapshot()
		if snap.Busy != tt.want {
			t.Errorf("snapshot Busy with %v/%v = %v, want %v", tt.left, tt.right, snap.Busy, tt.want)
		}
		if snap.Left != tt.left || snap.Right != tt.right {
			t.Errorf("snapshot states = %v/%v, want %v/%v", snap.Left, snap.Right, tt.left, tt.right)
		}
	}
}

func TestTrackerClearsWhenMotionEnds(t *testing.T) {
	tr := New(state.NewStore())
	tr.Observe(protocol.Left, protocol.StateMoving)
	if !tr.Busy() {
		t.Fatal("Busy() = false while left is moving")
	}
	tr.Observe(protocol.Left, protocol.StateUp)
	if tr.Busy() {
		t.Error("Busy() = true after left settled")
	}
}

func TestTrackerReset(t *testing.T) {
	store := state.NewStore()
	tr := New(store)
	tr.Observe(protocol.Right, protocol.StateMoving)
	tr.Reset()

	if tr.Busy() {
		t.Error("Busy() = true after Reset")
	}
	snap := store.Snapshot()
	if snap.Busy || snap.Right != protocol.StateUnknown {
		t.Errorf("snapshot after Reset = busy %v right %v", snap.Busy, snap.Right)
	}
}
