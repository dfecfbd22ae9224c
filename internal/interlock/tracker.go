// Package interlock tracks whether the accessory is still executing a motion
// command. The accessory cannot accept overlapping motion commands, so the
// busy flag is a hard gate for movement, sleepy-eye and sync writes.
package interlock

import (
	"sync"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/state"
)

// Tracker derives the busy flag from the per-side headlight states reported
// by the accessory.
type Tracker struct {
	store *state.Store

	mu    sync.Mutex
	left  protocol.HeadlightState
	right protocol.HeadlightState
}

// New returns a tracker that mirrors its state into store.
func New(store *state.Store) *Tracker {
	return &Tracker{
		store: store,
		left:  protocol.StateUnknown,
		right: protocol.StateUnknown,
	}
}

// Observe records a status report for one side. The busy flag and both
// headlight states are published in the same store update.
func (t *Tracker) Observe(side protocol.Side, st protocol.HeadlightState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if side == protocol.Left {
		t.left = st
	} else {
		t.right = st
	}
	left, right, busy := t.left, t.right, t.busyLocked()
	t.store.Update(func(s *state.Snapshot) {
		s.Left = left
		s.Right = right
		s.Busy = busy
	})
}

// Busy reports whether either side is mid-animation.
func (t *Tracker) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busyLocked()
}

func (t *Tracker) busyLocked() bool {
	return t.left.Moving() || t.right.Moving()
}

// Reset forgets both sides, e.g. after the link drops.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left = protocol.StateUnknown
	t.right = protocol.StateUnknown
	t.store.Update(func(s *state.Snapshot) {
		s.Left = protocol.StateUnknown
		s.Right = protocol.StateUnknown
		s.Busy = false
	})
}
