package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/looplab/fsm"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/interlock"
	"github.com/chaz8081/winkctl/internal/state"
)

// Connection manager events. States reuse the state.ConnState names.
const (
	eventScan        = "scan"
	eventFound       = "found"
	eventDial        = "dial"
	eventEstablished = "established"
	eventAbort       = "abort"
	eventDrop        = "drop"
)

// DisconnectReason tells disconnect hooks why the session ended.
type DisconnectReason int

const (
	ReasonUser DisconnectReason = iota
	ReasonLinkLost
	ReasonSleep
	ReasonUpdate
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonUser:
		return "user"
	case ReasonLinkLost:
		return "link lost"
	case ReasonSleep:
		return "deep sleep"
	case ReasonUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	ScanTimeout    time.Duration // how long a scan looks for the module
	ConnectTimeout time.Duration // how long a single connect attempt may take
	Logger         logr.Logger
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Logger:         logr.Discard(),
	}
}

// Manager owns the lifecycle of the single Wink Module session: scanning,
// connecting, publishing state and tearing down. At most one session exists.
type Manager struct {
	adapter Adapter
	store   *state.Store
	tracker *interlock.Tracker
	opts    ManagerOptions
	log     logr.Logger

	machine *fsm.FSM

	// mu guards everything below and serializes FSM transitions. It is never
	// held across adapter calls.
	mu            sync.Mutex
	session       *Session
	enabled       bool
	everConnected bool
	cancelOp      context.CancelFunc
	connectHooks  []func(*Session)
	dropHooks     []func(*Session, DisconnectReason)
}

// NewManager creates a connection manager in the idle state.
func NewManager(adapter Adapter, store *state.Store, tracker *interlock.Tracker, opts ManagerOptions) *Manager {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	m := &Manager{
		adapter: adapter,
		store:   store,
		tracker: tracker,
		opts:    opts,
		log:     opts.Logger,
	}

	idle := string(state.Idle)
	scanning := string(state.Scanning)
	connecting := string(state.Connecting)
	connected := string(state.Connected)
	disconnected := string(state.Disconnected)

	m.machine = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventScan, Src: []string{idle, disconnected}, Dst: scanning},
			{Name: eventFound, Src: []string{scanning}, Dst: connecting},
			{Name: eventDial, Src: []string{idle, disconnected}, Dst: connecting},
			{Name: eventEstablished, Src: []string{connecting}, Dst: connected},
			{Name: eventAbort, Src: []string{scanning, connecting}, Dst: idle},
			{Name: eventDrop, Src: []string{idle, scanning, connecting, connected, disconnected}, Dst: disconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.V(1).Info("[BLE] state", "from", e.Src, "to", e.Dst, "event", e.Event)
				m.store.Update(func(s *state.Snapshot) {
					s.Conn = state.ConnState(e.Dst)
				})
			},
		},
	)
	return m
}

// OnConnect registers fn to run once each time a session is established.
func (m *Manager) OnConnect(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectHooks = append(m.connectHooks, fn)
}

// OnDisconnect registers fn to run once each time a live session ends.
func (m *Manager) OnDisconnect(fn func(*Session, DisconnectReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropHooks = append(m.dropHooks, fn)
}

// State returns the current connection state.
func (m *Manager) State() state.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.ConnState(m.machine.Current())
}

// Session returns the live session or ErrNotConnected.
func (m *Manager) Session() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

// isRealError filters out the FSM's "nothing to do" results.
func isRealError(err error) bool {
	if err == nil {
		return false
	}
	var noTransition fsm.NoTransitionError
	var canceled fsm.CanceledError
	if errors.As(err, &noTransition) || errors.As(err, &canceled) {
		return false
	}
	return true
}

// fireLocked drives the FSM. Callers hold m.mu.
func (m *Manager) fireLocked(event string) error {
	err := m.machine.Event(context.Background(), event)
	if isRealError(err) {
		return err
	}
	return nil
}

func (m *Manager) fire(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireLocked(event)
}

// beginOp derives a bounded context for a scan or connect and remembers its
// cancel func so Disconnect can interrupt it.
func (m *Manager) beginOp(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var opCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	m.mu.Lock()
	m.cancelOp = cancel
	m.mu.Unlock()
	return opCtx, func() {
		m.mu.Lock()
		m.cancelOp = nil
		m.mu.Unlock()
		cancel()
	}
}

func (m *Manager) enable() error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.adapter.Enable(); err != nil {
		return err
	}

	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	return nil
}

// Scan looks for a module advertising the Wink service and connects to the
// first one found. When nothing is found it records the no-device flag and
// returns ErrNoDevice.
func (m *Manager) Scan(ctx context.Context) (*Session, error) {
	if err := m.enable(); err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	opCtx, done := m.beginOp(ctx, m.opts.ScanTimeout)
	if err := m.fire(eventScan); err != nil {
		done()
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	m.store.Update(func(s *state.Snapshot) { s.NoDevice = false })
	m.log.Info("[BLE] scanning for Wink Module")

	dev, err := m.adapter.Scan(opCtx, ServiceUUID)
	done()
	if err != nil {
		// abort only applies while still scanning; a concurrent Disconnect
		// already moved the machine on.
		if abortErr := m.fire(eventAbort); abortErr == nil && errors.Is(err, ErrNoDevice) {
			m.store.Update(func(s *state.Snapshot) { s.NoDevice = true })
			m.log.Info("[BLE] no Wink Module found")
		}
		return nil, err
	}

	m.log.V(1).Info("[BLE] found module", "mac", dev.MAC, "name", dev.Name, "rssi", dev.RSSI)
	m.mu.Lock()
	if m.machine.Current() != string(state.Scanning) {
		m.mu.Unlock()
		return nil, fmt.Errorf("ble: scan: %w", context.Canceled)
	}
	err = m.fireLocked(eventFound)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return m.establish(ctx, dev)
}

// Connect dials a known device directly, skipping the scan.
func (m *Manager) Connect(ctx context.Context, dev Device) (*Session, error) {
	if err := m.enable(); err != nil {
		return nil, fmt.Errorf("ble: connect: %w", err)
	}
	if err := m.fire(eventDial); err != nil {
		return nil, fmt.Errorf("ble: connect: %w", err)
	}
	return m.establish(ctx, dev)
}

func (m *Manager) establish(ctx context.Context, dev Device) (*Session, error) {
	opCtx, done := m.beginOp(ctx, m.opts.ConnectTimeout)
	conn, err := m.adapter.Connect(opCtx, dev.MAC)
	done()
	if err != nil {
		_ = m.fire(eventAbort)
		return nil, err
	}

	sess, err := NewSession(dev, conn)
	if err != nil {
		_ = conn.Disconnect()
		_ = m.fire(eventAbort)
		return nil, err
	}

	m.mu.Lock()
	if m.machine.Current() != string(state.Connecting) {
		// Disconnect won the race.
		m.mu.Unlock()
		_ = sess.Cancel()
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.MAC, context.Canceled)
	}
	m.session = sess
	m.everConnected = true
	m.store.Update(func(s *state.Snapshot) {
		s.DeviceID = sess.ID
		s.DeviceName = sess.Name
		s.NoDevice = false
	})
	err = m.fireLocked(eventEstablished)
	hooks := append([]func(*Session){}, m.connectHooks...)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", dev.MAC, err)
	}

	conn.OnDisconnect(func() { m.linkLost(sess) })
	m.watchHeadlights(sess)

	m.log.Info("[BLE] connected", "mac", sess.ID)
	for _, h := range hooks {
		h(sess)
	}
	return sess, nil
}

// watchHeadlights feeds both status characteristics into the interlock
// tracker: an initial read, then notifications.
func (m *Manager) watchHeadlights(sess *Session) {
	if m.tracker == nil {
		return
	}
	sides := []struct {
		side protocol.Side
		uuid string
	}{
		{protocol.Left, LeftStatusCharUUID},
		{protocol.Right, RightStatusCharUUID},
	}
	for _, sd := range sides {
		side := sd.side
		observe := func(data []byte) {
			st, err := protocol.ParseHeadlightState(data)
			if err != nil {
				m.log.V(1).Info("[BLE] ignoring headlight status", "side", side.String(), "error", err.Error())
				return
			}
			m.tracker.Observe(side, st)
		}
		if data, err := sess.Read(sd.uuid); err == nil {
			observe(data)
		} else {
			m.log.V(1).Info("[BLE] initial status read failed", "side", side.String(), "error", err.Error())
		}
		if err := sess.Subscribe(sd.uuid, observe); err != nil {
			m.log.Error(err, "[BLE] status subscribe failed", "side", side.String())
		}
	}
}

func (m *Manager) linkLost(sess *Session) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	err := m.fireLocked(eventDrop)
	hooks := append([]func(*Session, DisconnectReason){}, m.dropHooks...)
	m.mu.Unlock()

	if err != nil {
		m.log.Error(err, "[BLE] state transition failed")
	}
	m.log.Info("[BLE] link lost", "mac", sess.ID)
	if m.tracker != nil {
		m.tracker.Reset()
	}
	for _, h := range hooks {
		h(sess, ReasonLinkLost)
	}
}

// Disconnect tears down the live session, or aborts a scan or connect in
// progress. It is idempotent and never fails; problems are logged.
func (m *Manager) Disconnect() error {
	return m.DisconnectFor(ReasonUser)
}

// DisconnectFor is Disconnect with an explicit reason passed to hooks.
func (m *Manager) DisconnectFor(reason DisconnectReason) error {
	m.mu.Lock()
	if m.cancelOp != nil {
		m.cancelOp()
	}
	sess := m.session
	m.session = nil
	err := m.fireLocked(eventDrop)
	hooks := append([]func(*Session, DisconnectReason){}, m.dropHooks...)
	m.mu.Unlock()

	if err != nil {
		m.log.Error(err, "[BLE] state transition failed")
	}
	if sess == nil {
		return nil
	}

	if err := sess.Cancel(); err != nil {
		m.log.Error(err, "[BLE] disconnect failed", "mac", sess.ID)
	}
	if m.tracker != nil {
		m.tracker.Reset()
	}
	m.log.Info("[BLE] disconnected", "mac", sess.ID, "reason", reason.String())
	for _, h := range hooks {
		h(sess, reason)
	}
	return nil
}

// ShouldAutoConnect reports whether an automatic connection attempt is
// allowed: the user has not opted out, and no session has been established
// during this process lifetime.
func (m *Manager) ShouldAutoConnect(optedOut bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !optedOut && !m.everConnected && m.session == nil
}

// AutoConnect runs the automatic connection policy once. It returns
// (nil, nil) when the policy says not to try.
func (m *Manager) AutoConnect(ctx context.Context, optedOut bool) (*Session, error) {
	m.store.Update(func(s *state.Snapshot) { s.AutoConnect = !optedOut })
	if !m.ShouldAutoConnect(optedOut) {
		m.log.V(1).Info("[BLE] auto-connect skipped", "optedOut", optedOut)
		return nil, nil
	}
	return m.Scan(ctx)
}
