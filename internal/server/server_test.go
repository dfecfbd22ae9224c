package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/winkctl/internal/ble"
	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/firmware"
	"github.com/chaz8081/winkctl/internal/ota"
	"github.com/chaz8081/winkctl/internal/state"
)

type fakeConn struct {
	scanErr     error
	disconnects int
}

func (f *fakeConn) Scan(context.Context) (*ble.Session, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return &ble.Session{ID: "AA:BB", Name: "Wink Module"}, nil
}

func (f *fakeConn) Disconnect() error {
	f.disconnects++
	return nil
}

type fakeCommands struct {
	mu       sync.Mutex
	moves    []protocol.Command
	sleeps   [][2]int
	syncs    int
	deepErr  error
	deep     int
	buttons  map[int]protocol.Behavior
	delay    time.Duration
	writeErr error
}

func (f *fakeCommands) SendMovement(cmd protocol.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, cmd)
}

func (f *fakeCommands) SendSleepPosition(left, right int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, [2]int{left, right})
}

func (f *fakeCommands) SendSync() { f.syncs++ }

func (f *fakeCommands) EnterDeepSleep(context.Context) error {
	f.deep++
	return f.deepErr
}

func (f *fakeCommands) UpdateCustomButton(_ context.Context, n int, b protocol.Behavior) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.buttons == nil {
		f.buttons = map[int]protocol.Behavior{}
	}
	f.buttons[n] = b
	return nil
}

func (f *fakeCommands) UpdateButtonDelay(_ context.Context, d time.Duration) error {
	f.delay = d
	return f.writeErr
}

type fakeChecker struct {
	offer   firmware.Offer
	upgrade bool
	err     error
}

func (f *fakeChecker) Check(context.Context) (firmware.Offer, bool, error) {
	return f.offer, f.upgrade, f.err
}

type fakeUpdates struct {
	mu       sync.Mutex
	phase    state.UpdatePhase
	offers   []firmware.Offer
	accepted chan struct{}
	declined int
	dismiss  error
}

func (f *fakeUpdates) Phase() state.UpdatePhase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.phase
}

func (f *fakeUpdates) Offer(o firmware.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, o)
	f.phase = state.UpdatePrompt
	return nil
}

func (f *fakeUpdates) Accept(context.Context) error {
	close(f.accepted)
	return nil
}

func (f *fakeUpdates) Decline() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.phase != state.UpdatePrompt {
		return ota.ErrNoSession
	}
	f.declined++
	f.phase = state.UpdateDenied
	return nil
}

func (f *fakeUpdates) Dismiss() error { return f.dismiss }

type fakeButtons struct{}

func (fakeButtons) Button(n int) protocol.Behavior {
	if n == 2 {
		return protocol.BehaviorLeftWink
	}
	return protocol.Unassigned
}

func (fakeButtons) ButtonDelay() time.Duration { return 500 * time.Millisecond }

type fakeAuto struct{ on []bool }

func (f *fakeAuto) SetAutoConnect(on bool) error {
	f.on = append(f.on, on)
	return nil
}

type harness struct {
	store   *state.Store
	conn    *fakeConn
	cmds    *fakeCommands
	checker *fakeChecker
	updates *fakeUpdates
	auto    *fakeAuto
	srv     *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   state.NewStore(),
		conn:    &fakeConn{},
		cmds:    &fakeCommands{},
		checker: &fakeChecker{},
		updates: &fakeUpdates{phase: state.UpdateClosed, accepted: make(chan struct{})},
		auto:    &fakeAuto{},
	}
	h.srv = New("127.0.0.1:0", Deps{
		Store:       h.store,
		Conn:        h.conn,
		Commands:    h.cmds,
		Checker:     h.checker,
		Updates:     h.updates,
		Buttons:     fakeButtons{},
		AutoConnect: h.auto,
		Logger:      testr.New(t),
	})
	return h
}

func (h *harness) connect() {
	h.store.Update(func(s *state.Snapshot) { s.Conn = state.Connected })
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "winkctl_") {
		t.Error("metrics output should contain winkctl collectors")
	}
}

func TestStatusIncludesStatusText(t *testing.T) {
	h := newHarness(t)
	h.connect()

	rec := h.do(http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Conn != state.Connected {
		t.Errorf("Conn = %q", got.Conn)
	}
	if got.Status != "Connected to Wink Receiver" {
		t.Errorf("Status = %q", got.Status)
	}
	if got.Left != protocol.StateUnknown {
		t.Errorf("Left = %v, want unknown", got.Left)
	}
}

func TestScan(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/scan", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "AA:BB") {
		t.Errorf("scan = %d %s", rec.Code, rec.Body.String())
	}

	h.conn.scanErr = ble.ErrNoDevice
	rec = h.do(http.MethodPost, "/scan", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("scan with no device = %d, want 404", rec.Code)
	}
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/disconnect", "")
	if rec.Code != http.StatusNoContent || h.conn.disconnects != 1 {
		t.Errorf("disconnect = %d, calls = %d", rec.Code, h.conn.disconnects)
	}
}

func TestMoveRequiresConnection(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/move/both-blink", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("move offline = %d, want 409", rec.Code)
	}
	if len(h.cmds.moves) != 0 {
		t.Error("no command should be dispatched while offline")
	}
}

func TestMove(t *testing.T) {
	h := newHarness(t)
	h.connect()

	rec := h.do(http.MethodPost, "/move/both-blink", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("move = %d", rec.Code)
	}
	if len(h.cmds.moves) != 1 || h.cmds.moves[0] != protocol.BothBlink {
		t.Errorf("moves = %v", h.cmds.moves)
	}

	rec = h.do(http.MethodPost, "/move/cartwheel", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown command = %d, want 400", rec.Code)
	}
}

func TestMoveWhileBusyIsDropped(t *testing.T) {
	h := newHarness(t)
	h.store.Update(func(s *state.Snapshot) {
		s.Conn = state.Connected
		s.Busy = true
	})

	rec := h.do(http.MethodPost, "/move/left-up", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("move = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"busy":true`) {
		t.Errorf("body = %s, want busy flag", rec.Body.String())
	}
	if len(h.cmds.moves) != 0 {
		t.Errorf("moves = %v, want none while busy", h.cmds.moves)
	}
}

func TestSleepAndSync(t *testing.T) {
	h := newHarness(t)
	h.connect()

	rec := h.do(http.MethodPost, "/sleep", `{"left":40,"right":60}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sleep = %d %s", rec.Code, rec.Body.String())
	}
	if len(h.cmds.sleeps) != 1 || h.cmds.sleeps[0] != [2]int{40, 60} {
		t.Errorf("sleeps = %v", h.cmds.sleeps)
	}

	if rec := h.do(http.MethodPost, "/sleep", `{"left":140,"right":60}`); rec.Code != http.StatusBadRequest {
		t.Errorf("out of range sleep = %d, want 400", rec.Code)
	}

	if rec := h.do(http.MethodPost, "/sync", ""); rec.Code != http.StatusAccepted || h.cmds.syncs != 1 {
		t.Errorf("sync = %d, syncs = %d", rec.Code, h.cmds.syncs)
	}
}

func TestDeepSleepError(t *testing.T) {
	h := newHarness(t)
	h.cmds.deepErr = ble.ErrNotConnected
	rec := h.do(http.MethodPost, "/deep-sleep", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("deep sleep offline = %d, want 409", rec.Code)
	}
}

func TestButtons(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/button/3", `{"behavior":"right-wink"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("button set = %d %s", rec.Code, rec.Body.String())
	}
	if h.cmds.buttons[3] != protocol.BehaviorRightWink {
		t.Errorf("buttons = %v", h.cmds.buttons)
	}

	rec = h.do(http.MethodDelete, "/button/3", "")
	if rec.Code != http.StatusOK || h.cmds.buttons[3] != protocol.Unassigned {
		t.Errorf("button clear = %d, buttons = %v", rec.Code, h.cmds.buttons)
	}

	if rec := h.do(http.MethodPost, "/button/11", `{"behavior":"default"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("presses 11 = %d, want 400", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/button/2", `{"behavior":"moonwalk"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown behavior = %d, want 400", rec.Code)
	}

	rec = h.do(http.MethodGet, "/buttons", "")
	var table ButtonTable
	if err := json.Unmarshal(rec.Body.Bytes(), &table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table.DelayMS != 500 || len(table.Buttons) != protocol.MaxPresses {
		t.Errorf("table = %+v", table)
	}
	if table.Buttons[1].Behavior != "left-wink" {
		t.Errorf("button 2 = %q", table.Buttons[1].Behavior)
	}
}

func TestButtonDelay(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodPost, "/button/delay", `{"ms":50}`); rec.Code != http.StatusBadRequest {
		t.Errorf("50ms = %d, want 400", rec.Code)
	}
	rec := h.do(http.MethodPost, "/button/delay", `{"ms":400}`)
	if rec.Code != http.StatusNoContent || h.cmds.delay != 400*time.Millisecond {
		t.Errorf("delay = %d, %v", rec.Code, h.cmds.delay)
	}
}

func TestAutoConnect(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/autoconnect/off", "")
	h.do(http.MethodPost, "/autoconnect/on", "")
	if len(h.auto.on) != 2 || h.auto.on[0] || !h.auto.on[1] {
		t.Errorf("auto = %v", h.auto.on)
	}
	if rec := h.do(http.MethodPost, "/autoconnect/maybe", ""); rec.Code != http.StatusNotFound {
		t.Errorf("bad mode = %d, want 404", rec.Code)
	}
}

func TestUpdateCheckOffersUpgrade(t *testing.T) {
	h := newHarness(t)
	h.checker.offer = firmware.Offer{DeviceID: "AA:BB", Installed: "1.2.3", Available: "1.3.0", Description: "bugfix"}
	h.checker.upgrade = true

	rec := h.do(http.MethodPost, "/update/check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d %s", rec.Code, rec.Body.String())
	}
	var res CheckResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Upgrade || res.Available != "1.3.0" {
		t.Errorf("result = %+v", res)
	}
	if len(h.updates.offers) != 1 {
		t.Errorf("offers = %d, want 1", len(h.updates.offers))
	}

	// A second check while the prompt is open does not re-offer.
	h.do(http.MethodPost, "/update/check", "")
	if len(h.updates.offers) != 1 {
		t.Errorf("offers = %d, want still 1", len(h.updates.offers))
	}
}

func TestUpdateCheckNoUpgrade(t *testing.T) {
	h := newHarness(t)
	h.checker.offer = firmware.Offer{Installed: "2.0.0", Available: "2.0.0"}

	rec := h.do(http.MethodPost, "/update/check", "")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), `"upgrade":true`) {
		t.Errorf("check = %d %s", rec.Code, rec.Body.String())
	}
	if len(h.updates.offers) != 0 {
		t.Error("no offer expected")
	}

	h.checker.err = firmware.ErrNoUpdateInfo
	if rec := h.do(http.MethodPost, "/update/check", ""); rec.Code != http.StatusBadGateway {
		t.Errorf("service failure = %d, want 502", rec.Code)
	}
}

func TestUpdateAcceptRunsInBackground(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(http.MethodPost, "/update/accept", ""); rec.Code != http.StatusConflict {
		t.Errorf("accept without prompt = %d, want 409", rec.Code)
	}

	h.updates.phase = state.UpdatePrompt
	rec := h.do(http.MethodPost, "/update/accept", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("accept = %d", rec.Code)
	}
	select {
	case <-h.updates.accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept was not called")
	}
}

func TestUpdateDeclineAndDismiss(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(http.MethodPost, "/update/decline", ""); rec.Code != http.StatusConflict {
		t.Errorf("decline without prompt = %d, want 409", rec.Code)
	}

	h.updates.phase = state.UpdatePrompt
	rec := h.do(http.MethodPost, "/update/decline", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Consider installing") {
		t.Errorf("decline = %d %s", rec.Code, rec.Body.String())
	}

	if rec := h.do(http.MethodPost, "/update/dismiss", ""); rec.Code != http.StatusNoContent {
		t.Errorf("dismiss = %d", rec.Code)
	}
	h.updates.dismiss = errors.New("nothing to dismiss")
	if rec := h.do(http.MethodPost, "/update/dismiss", ""); rec.Code != http.StatusConflict {
		t.Errorf("dismiss error = %d, want 409", rec.Code)
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var first Status
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Conn != state.Idle {
		t.Errorf("initial Conn = %q", first.Conn)
	}

	h.store.Update(func(s *state.Snapshot) {
		s.Conn = state.Connected
		s.Busy = true
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		var st Status
		if err := ws.ReadJSON(&st); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if st.Busy && st.Connected() {
			if st.Status != "Connected to Wink Receiver" {
				t.Errorf("Status = %q", st.Status)
			}
			return
		}
	}
}
