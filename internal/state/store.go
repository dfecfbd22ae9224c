// Package state holds the single observable snapshot of the accessory that
// every other component reads from and writes to.
package state

import (
	"sync"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
)

// ConnState mirrors the connection manager's state machine.
type ConnState string

const (
	Idle         ConnState = "idle"
	Scanning     ConnState = "scanning"
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
)

// UpdatePhase mirrors the OTA orchestrator's state machine.
type UpdatePhase string

const (
	UpdateClosed   UpdatePhase = "closed"
	UpdatePrompt   UpdatePhase = "prompt"
	UpdateAccepted UpdatePhase = "accepted"
	UpdateDenied   UpdatePhase = "denied"
	UpdateFailed   UpdatePhase = "failed"
)

// Firmware is the last known installed/available version pair.
type Firmware struct {
	Installed   string `json:"installed,omitempty"`
	Available   string `json:"available,omitempty"`
	Description string `json:"description,omitempty"`
}

// Update is the observable part of an update session.
type Update struct {
	Phase         UpdatePhase `json:"phase"`
	SessionID     string      `json:"session_id,omitempty"`
	Stage         string      `json:"stage,omitempty"`
	Status        string      `json:"status,omitempty"`
	Progress      int         `json:"progress"`
	WifiConnected bool        `json:"wifi_connected"`
	Error         string      `json:"error,omitempty"`
	Notice        string      `json:"notice,omitempty"`
}

// Snapshot is a point-in-time copy of everything the UI layer observes.
type Snapshot struct {
	Conn        ConnState               `json:"conn"`
	DeviceID    string                  `json:"device_id,omitempty"`
	DeviceName  string                  `json:"device_name,omitempty"`
	NoDevice    bool                    `json:"no_device"`
	AutoConnect bool                    `json:"auto_connect"`
	Left        protocol.HeadlightState `json:"left"`
	Right       protocol.HeadlightState `json:"right"`
	Busy        bool                    `json:"busy"`
	Firmware    Firmware                `json:"firmware"`
	Update      Update                  `json:"update"`
}

func (s Snapshot) Connected() bool  { return s.Conn == Connected }
func (s Snapshot) Scanning() bool   { return s.Conn == Scanning }
func (s Snapshot) Connecting() bool { return s.Conn == Connecting }

// StatusText is the one-line connection summary shown above the controls.
func (s Snapshot) StatusText() string {
	if s.Connected() {
		return "Connected to Wink Receiver"
	}
	if s.NoDevice {
		if s.AutoConnect {
			return "No Wink Module Scanned... Trying again..."
		}
		return "No Wink Module Scanned... Try scanning again, or restarting the app."
	}
	switch {
	case s.Scanning():
		return "Scanning for Wink Module"
	case s.Connecting():
		return "Connecting to Wink Module... Stand by..."
	}
	return "Scanner standing by... Press \"Connect\" to start scanning."
}

// Store owns the snapshot. Mutations go through Update; observers register
// with Subscribe and receive a copy after every mutation, in mutation order.
type Store struct {
	notifyMu sync.Mutex // serializes mutate+notify so observers see ordered snapshots

	mu   sync.Mutex
	snap Snapshot
	subs map[int]func(Snapshot)
	next int
}

// NewStore returns a store in the initial idle/closed state.
func NewStore() *Store {
	return &Store{
		snap: Snapshot{
			Conn:        Idle,
			AutoConnect: true,
			Left:        protocol.StateUnknown,
			Right:       protocol.StateUnknown,
			Update:      Update{Phase: UpdateClosed},
		},
		subs: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Update applies fn to the snapshot and notifies subscribers.
// Subscribers must not call Update from inside their callback.
func (s *Store) Update(fn func(*Snapshot)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.snap)
	snap := s.snap
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		cb(snap)
	}
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
