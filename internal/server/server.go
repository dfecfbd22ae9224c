// Package server exposes the daemon over a small local HTTP API: health,
// metrics, a status snapshot, a websocket event stream, and the control
// operations the CLI drives.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/chaz8081/winkctl/internal/ble"
	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/firmware"
	"github.com/chaz8081/winkctl/internal/metrics"
	"github.com/chaz8081/winkctl/internal/ota"
	"github.com/chaz8081/winkctl/internal/state"
)

const shutdownTimeout = 5 * time.Second

// Conn is the connection manager surface used by the API.
type Conn interface {
	Scan(ctx context.Context) (*ble.Session, error)
	Disconnect() error
}

// Commands is the command dispatch surface used by the API.
type Commands interface {
	SendMovement(cmd protocol.Command)
	SendSleepPosition(left, right int)
	SendSync()
	EnterDeepSleep(ctx context.Context) error
	UpdateCustomButton(ctx context.Context, presses int, b protocol.Behavior) error
	UpdateButtonDelay(ctx context.Context, d time.Duration) error
}

// Checker runs an on-demand firmware version check.
type Checker interface {
	Check(ctx context.Context) (firmware.Offer, bool, error)
}

// Updates answers the update prompt.
type Updates interface {
	Phase() state.UpdatePhase
	Offer(offer firmware.Offer) error
	Accept(ctx context.Context) error
	Decline() error
	Dismiss() error
}

// Buttons reads persisted button assignments.
type Buttons interface {
	Button(presses int) protocol.Behavior
	ButtonDelay() time.Duration
}

// AutoConnector toggles the auto-connect preference.
type AutoConnector interface {
	SetAutoConnect(on bool) error
}

// Deps are the collaborators the API dispatches to.
type Deps struct {
	Store       *state.Store
	Conn        Conn
	Commands    Commands
	Checker     Checker
	Updates     Updates
	Buttons     Buttons
	AutoConnect AutoConnector
	Logger      logr.Logger
}

// Server is the local HTTP control surface.
type Server struct {
	addr   string
	deps   Deps
	log    logr.Logger
	router *mux.Router

	// base outlives individual requests; long operations (update install)
	// run under it.
	base context.Context
}

// New builds the router. Start must be called to serve it.
func New(addr string, deps Deps) *Server {
	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Server{
		addr: addr,
		deps: deps,
		log:  log.WithName("server"),
		base: context.Background(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the API handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/scan", s.handleScan).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/autoconnect/{mode:on|off}", s.handleAutoConnect).Methods(http.MethodPost)

	r.HandleFunc("/move/{command}", s.handleMove).Methods(http.MethodPost)
	r.HandleFunc("/sleep", s.handleSleep).Methods(http.MethodPost)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/deep-sleep", s.handleDeepSleep).Methods(http.MethodPost)

	r.HandleFunc("/buttons", s.handleButtons).Methods(http.MethodGet)
	r.HandleFunc("/button/delay", s.handleButtonDelay).Methods(http.MethodPost)
	r.HandleFunc("/button/{presses:[0-9]+}", s.handleButtonSet).Methods(http.MethodPost)
	r.HandleFunc("/button/{presses:[0-9]+}", s.handleButtonClear).Methods(http.MethodDelete)

	r.HandleFunc("/update/check", s.handleUpdateCheck).Methods(http.MethodPost)
	r.HandleFunc("/update/accept", s.handleUpdateAccept).Methods(http.MethodPost)
	r.HandleFunc("/update/decline", s.handleUpdateDecline).Methods(http.MethodPost)
	r.HandleFunc("/update/dismiss", s.handleUpdateDismiss).Methods(http.MethodPost)

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("Starting HTTP server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Status is the /status response body.
type Status struct {
	state.Snapshot
	Status string `json:"status"`
}

func statusOf(snap state.Snapshot) Status {
	return Status{Snapshot: snap, Status: snap.StatusText()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// errStatus maps domain errors onto HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, ble.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ota.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, firmware.ErrNoUpdateInfo):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.Error(err, "request failed")
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Server) failErr(w http.ResponseWriter, err error) {
	s.fail(w, errStatus(err), err)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusOf(s.deps.Store.Snapshot()))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Conn.Scan(r.Context())
	if err != nil {
		s.failErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": sess.ID, "device_name": sess.Name})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Conn.Disconnect(); err != nil {
		s.failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAutoConnect(w http.ResponseWriter, r *http.Request) {
	on := mux.Vars(r)["mode"] == "on"
	if err := s.deps.AutoConnect.SetAutoConnect(on); err != nil {
		s.failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// connected rejects commands while no module is connected. Fire-and-forget
// commands would otherwise be dropped silently.
func (s *Server) connected(w http.ResponseWriter) bool {
	if !s.deps.Store.Snapshot().Connected() {
		s.fail(w, http.StatusConflict, ble.ErrNotConnected)
		return false
	}
	return true
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	cmd, err := protocol.ParseCommand(mux.Vars(r)["command"])
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if !s.connected(w) {
		return
	}
	if s.deps.Store.Snapshot().Busy {
		// Accepted but dropped by the interlock; report it so callers can retry.
		writeJSON(w, http.StatusAccepted, map[string]any{"command": cmd.String(), "busy": true})
		return
	}
	s.deps.Commands.SendMovement(cmd)
	writeJSON(w, http.StatusAccepted, map[string]any{"command": cmd.String(), "busy": false})
}

type sleepRequest struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

func (s *Server) handleSleep(w http.ResponseWriter, r *http.Request) {
	var req sleepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	if req.Left < 0 || req.Left > 100 || req.Right < 0 || req.Right > 100 {
		s.fail(w, http.StatusBadRequest, errors.New("sleep positions must be between 0 and 100"))
		return
	}
	if !s.connected(w) {
		return
	}
	s.deps.Commands.SendSleepPosition(req.Left, req.Right)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if !s.connected(w) {
		return
	}
	s.deps.Commands.SendSync()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeepSleep(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Commands.EnterDeepSleep(r.Context()); err != nil {
		s.failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ButtonAssignment is one row of the /buttons listing.
type ButtonAssignment struct {
	Presses  int    `json:"presses"`
	Behavior string `json:"behavior"`
}

// ButtonTable is the /buttons response body.
type ButtonTable struct {
	DelayMS int64              `json:"delay_ms"`
	Buttons []ButtonAssignment `json:"buttons"`
}

func (s *Server) handleButtons(w http.ResponseWriter, _ *http.Request) {
	table := ButtonTable{DelayMS: s.deps.Buttons.ButtonDelay().Milliseconds()}
	for n := protocol.MinPresses; n <= protocol.MaxPresses; n++ {
		table.Buttons = append(table.Buttons, ButtonAssignment{
			Presses:  n,
			Behavior: s.deps.Buttons.Button(n).String(),
		})
	}
	writeJSON(w, http.StatusOK, table)
}

func pressesVar(r *http.Request) (int, error) {
	n, err := strconv.Atoi(mux.Vars(r)["presses"])
	if err != nil || !protocol.ValidPresses(n) {
		return 0, fmt.Errorf("press count must be between %d and %d", protocol.MinPresses, protocol.MaxPresses)
	}
	return n, nil
}

type buttonRequest struct {
	Behavior string `json:"behavior"`
}

func (s *Server) handleButtonSet(w http.ResponseWriter, r *http.Request) {
	n, err := pressesVar(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	var req buttonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	b, err := protocol.ParseBehavior(req.Behavior)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.updateButton(w, r, n, b)
}

func (s *Server) handleButtonClear(w http.ResponseWriter, r *http.Request) {
	n, err := pressesVar(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.updateButton(w, r, n, protocol.Unassigned)
}

func (s *Server) updateButton(w http.ResponseWriter, r *http.Request, n int, b protocol.Behavior) {
	if err := s.deps.Commands.UpdateCustomButton(r.Context(), n, b); err != nil {
		s.failErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ButtonAssignment{Presses: n, Behavior: b.String()})
}

type delayRequest struct {
	MS int64 `json:"ms"`
}

func (s *Server) handleButtonDelay(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))
		return
	}
	d := time.Duration(req.MS) * time.Millisecond
	if d < protocol.MinButtonDelay {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("delay must be at least %dms", protocol.MinButtonDelay.Milliseconds()))
		return
	}
	if err := s.deps.Commands.UpdateButtonDelay(r.Context(), d); err != nil {
		s.failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckResult is the /update/check response body.
type CheckResult struct {
	Installed   string `json:"installed"`
	Available   string `json:"available"`
	Description string `json:"description,omitempty"`
	Upgrade     bool   `json:"upgrade"`
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	offer, upgrade, err := s.deps.Checker.Check(r.Context())
	if err != nil {
		s.failErr(w, err)
		return
	}
	if upgrade && s.deps.Updates.Phase() != state.UpdatePrompt {
		if err := s.deps.Updates.Offer(offer); err != nil {
			s.fail(w, http.StatusConflict, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, CheckResult{
		Installed:   offer.Installed,
		Available:   offer.Available,
		Description: offer.Description,
		Upgrade:     upgrade,
	})
}

// handleUpdateAccept starts the install in the background; progress is
// observable through /status and /events.
func (s *Server) handleUpdateAccept(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Updates.Phase() != state.UpdatePrompt {
		s.fail(w, http.StatusConflict, ota.ErrNoSession)
		return
	}
	go func() {
		if err := s.deps.Updates.Accept(s.base); err != nil {
			s.log.V(1).Info("update install ended with error", "error", err.Error())
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUpdateDecline(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Updates.Decline(); err != nil {
		s.fail(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"notice": ota.DeclineNotice})
}

func (s *Server) handleUpdateDismiss(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Updates.Dismiss(); err != nil {
		s.fail(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
