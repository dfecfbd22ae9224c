package state

import (
	"sync"
	"testing"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
)

func TestNewStoreDefaults(t *testing.T) {
	s := NewStore().Snapshot()
	if s.Conn != Idle {
		t.Errorf("Conn = %q, want %q", s.Conn, Idle)
	}
	if s.Update.Phase != UpdateClosed {
		t.Errorf("Update.Phase = %q, want %q", s.Update.Phase, UpdateClosed)
	}
	if s.Left != protocol.StateUnknown || s.Right != protocol.StateUnknown {
		t.Errorf("headlights = %v/%v, want unknown", s.Left, s.Right)
	}
	if !s.AutoConnect {
		t.Error("AutoConnect should default to true")
	}
}

func TestUpdateNotifiesInOrder(t *testing.T) {
	store := NewStore()
	var got []ConnState
	cancel := store.Subscribe(func(s Snapshot) {
		got = append(got, s.Conn)
	})
	defer cancel()

	for _, c := range []ConnState{Scanning, Connecting, Connected} {
		store.Update(func(s *Snapshot) { s.Conn = c })
	}

	want := []ConnState{Scanning, Connecting, Connected}
	if len(got) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubscribeCancel(t *testing.T) {
	store := NewStore()
	calls := 0
	cancel := store.Subscribe(func(Snapshot) { calls++ })
	store.Update(func(s *Snapshot) { s.Busy = true })
	cancel()
	cancel() // second call is a no-op
	store.Update(func(s *Snapshot) { s.Busy = false })
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	store := NewStore()
	var mu sync.Mutex
	seen := 0
	store.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Update(func(s *Snapshot) { s.Update.Progress = i })
		}(i)
	}
	wg.Wait()

	if seen != 50 {
		t.Errorf("seen = %d, want 50", seen)
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{"connected", Snapshot{Conn: Connected}, "Connected to Wink Receiver"},
		{"scanning", Snapshot{Conn: Scanning}, "Scanning for Wink Module"},
		{"connecting", Snapshot{Conn: Connecting}, "Connecting to Wink Module... Stand by..."},
		{"idle", Snapshot{Conn: Idle}, "Scanner standing by... Press \"Connect\" to start scanning."},
		{"no device auto", Snapshot{Conn: Idle, NoDevice: true, AutoConnect: true}, "No Wink Module Scanned... Trying again..."},
		{"no device manual", Snapshot{Conn: Idle, NoDevice: true}, "No Wink Module Scanned... Try scanning again, or restarting the app."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.StatusText(); got != tt.want {
				t.Errorf("StatusText() = %q, want %q", got, tt.want)
			}
		})
	}
}
