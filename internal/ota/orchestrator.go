// Package ota runs the Wink Module firmware update: the upgrade prompt, the
// BLE credential hand-off, the switch onto the module's access point and the
// HTTP upload, with WiFi and BLE teardown guaranteed once an install starts.
package ota

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/chaz8081/winkctl/internal/firmware"
	"github.com/chaz8081/winkctl/internal/metrics"
	"github.com/chaz8081/winkctl/internal/state"
	"github.com/chaz8081/winkctl/internal/wifi"
)

var (
	// ErrNoSession is returned when there is no update session to act on.
	ErrNoSession = errors.New("ota: no update session")
	// ErrUploadRejected wraps a non-2xx answer from the module's update server.
	ErrUploadRejected = errors.New("ota: module rejected firmware upload")
)

// Update session events. Phases are the state.UpdatePhase names.
const (
	eventOffer    = "offer"
	eventAccept   = "accept"
	eventDecline  = "decline"
	eventComplete = "complete"
	eventFail     = "fail"
	eventDismiss  = "dismiss"
	eventReset    = "reset"
)

// teardownTimeout bounds the WiFi leave that runs after the install.
const teardownTimeout = 5 * time.Second

// Link is the BLE side of an update.
type Link interface {
	SendCredential(password string) error
	DropLink() error
}

// Source downloads firmware images.
type Source interface {
	Download(ctx context.Context, deviceID string, progress firmware.ProgressFunc) ([]byte, error)
}

// Notifier shows a blocking notice to the user.
type Notifier interface {
	Notify(title, message string)
}

// Options configures the orchestrator. Zero fields take DefaultOptions values.
type Options struct {
	AccessPoint      string        // SSID the module raises for updates
	DeviceURL        string        // module's local update endpoint
	PasswordLength   int           // one-time AP password length
	CredentialSettle time.Duration // wait after the credential write
	JoinTimeout      time.Duration // bound on WiFi association
	UploadTimeout    time.Duration // bound on the HTTP upload
	DismissWindow    time.Duration // how long the decline notice stays up
	HTTPClient       *http.Client
	Logger           logr.Logger
}

// DefaultOptions returns the module's fixed update parameters.
func DefaultOptions() Options {
	return Options{
		AccessPoint:      "Wink Module: Update Access Point",
		DeviceURL:        "http://module-update.local/update",
		PasswordLength:   16,
		CredentialSettle: 1500 * time.Millisecond,
		JoinTimeout:      15 * time.Second,
		UploadTimeout:    2 * time.Minute,
		DismissWindow:    5 * time.Second,
		Logger:           logr.Discard(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AccessPoint == "" {
		o.AccessPoint = d.AccessPoint
	}
	if o.DeviceURL == "" {
		o.DeviceURL = d.DeviceURL
	}
	if o.PasswordLength == 0 {
		o.PasswordLength = d.PasswordLength
	}
	if o.CredentialSettle == 0 {
		o.CredentialSettle = d.CredentialSettle
	}
	if o.JoinTimeout == 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	if o.UploadTimeout == 0 {
		o.UploadTimeout = d.UploadTimeout
	}
	if o.DismissWindow == 0 {
		o.DismissWindow = d.DismissWindow
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger.GetSink() == nil {
		o.Logger = d.Logger
	}
	return o
}

// Orchestrator owns the update session state machine:
//
//	closed -> prompt -> accepted -> closed
//	                 \          \-> failed -> closed
//	                  \-> denied -> closed (after the dismissal window)
type Orchestrator struct {
	store    *state.Store
	source   Source
	link     Link
	wifi     wifi.Joiner
	notifier Notifier
	opts     Options
	log      logr.Logger

	// swapped out in tests
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	randSrc   io.Reader
	afterFunc func(d time.Duration, f func()) *time.Timer

	// mu guards the machine, the session and the dismissal timer.
	mu      sync.Mutex
	machine *fsm.FSM
	session *Session
	dismiss *time.Timer
}

// New creates an orchestrator in the closed phase.
func New(store *state.Store, source Source, link Link, joiner wifi.Joiner, notifier Notifier, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		store:     store,
		source:    source,
		link:      link,
		wifi:      joiner,
		notifier:  notifier,
		opts:      opts,
		log:       opts.Logger,
		sleep:     sleepCtx,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}

	closed := string(state.UpdateClosed)
	prompt := string(state.UpdatePrompt)
	accepted := string(state.UpdateAccepted)
	denied := string(state.UpdateDenied)
	failed := string(state.UpdateFailed)

	o.machine = fsm.NewFSM(
		closed,
		fsm.Events{
			{Name: eventOffer, Src: []string{closed, denied, failed}, Dst: prompt},
			{Name: eventAccept, Src: []string{prompt}, Dst: accepted},
			{Name: eventDecline, Src: []string{prompt}, Dst: denied},
			{Name: eventComplete, Src: []string{accepted}, Dst: closed},
			{Name: eventFail, Src: []string{accepted}, Dst: failed},
			{Name: eventDismiss, Src: []string{denied, failed}, Dst: closed},
			{Name: eventReset, Src: []string{prompt}, Dst: closed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				o.log.V(1).Info("[OTA] phase", "from", e.Src, "to", e.Dst, "event", e.Event)
				o.publishLocked(state.UpdatePhase(e.Dst))
			},
		},
	)
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fireLocked drives the FSM; callers hold o.mu. A transition to the current
// phase (reset while closed) is not an error.
func (o *Orchestrator) fireLocked(event string) error {
	err := o.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// publishLocked mirrors the session into the store; callers hold o.mu.
func (o *Orchestrator) publishLocked(phase state.UpdatePhase) {
	u := o.session.view(phase)
	o.store.Update(func(s *state.Snapshot) { s.Update = u })
}

func (o *Orchestrator) republishLocked() {
	o.publishLocked(state.UpdatePhase(o.machine.Current()))
}

func (o *Orchestrator) stopDismissLocked() {
	if o.dismiss != nil {
		o.dismiss.Stop()
		o.dismiss = nil
	}
}

// Phase returns the current update phase.
func (o *Orchestrator) Phase() state.UpdatePhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return state.UpdatePhase(o.machine.Current())
}

// Session returns a copy of the current session.
func (o *Orchestrator) Session() (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, ErrNoSession
	}
	return *o.session, nil
}

// Offer opens the upgrade prompt for an available firmware version.
func (o *Orchestrator) Offer(offer firmware.Offer) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.session
	o.stopDismissLocked()
	o.session = &Session{
		ID:          uuid.NewString(),
		DeviceID:    offer.DeviceID,
		Installed:   offer.Installed,
		Available:   offer.Available,
		Description: offer.Description,
		OfferedAt:   o.now(),
	}
	if err := o.fireLocked(eventOffer); err != nil {
		o.session = prev
		return fmt.Errorf("ota: offer: %w", err)
	}
	metrics.UpdatesTotal.WithLabelValues("offered").Inc()
	o.log.Info("[OTA] update offered", "session", o.session.ID, "installed", offer.Installed, "available", offer.Available)
	return nil
}

// Reset closes an open prompt. The decline notice runs out on its own and a
// failed session stays until dismissed.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if phase := o.machine.Current(); phase != string(state.UpdatePrompt) {
		o.log.V(1).Info("[OTA] reset ignored", "phase", phase)
		return
	}
	o.session = nil
	if err := o.fireLocked(eventReset); err != nil {
		o.log.Error(err, "[OTA] reset failed")
	}
}

// Decline answers "Not now": the notice is shown for the dismissal window,
// then the session closes on its own.
func (o *Orchestrator) Decline() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return ErrNoSession
	}
	if err := o.fireLocked(eventDecline); err != nil {
		return fmt.Errorf("ota: decline: %w", err)
	}
	metrics.UpdatesTotal.WithLabelValues("declined").Inc()
	o.log.Info("[OTA] update declined", "session", o.session.ID)

	sess := o.session
	o.stopDismissLocked()
	o.dismiss = o.afterFunc(o.opts.DismissWindow, func() { o.expire(sess) })
	return nil
}

// expire closes a declined session once its notice window has passed.
func (o *Orchestrator) expire(sess *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != sess || o.machine.Current() != string(state.UpdateDenied) {
		return
	}
	o.dismiss = nil
	o.session = nil
	if err := o.fireLocked(eventDismiss); err != nil {
		o.log.Error(err, "[OTA] dismiss failed")
	}
}

// Dismiss closes a declined or failed session immediately.
func (o *Orchestrator) Dismiss() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return ErrNoSession
	}
	prev := o.session
	o.session = nil
	if err := o.fireLocked(eventDismiss); err != nil {
		o.session = prev
		return fmt.Errorf("ota: dismiss: %w", err)
	}
	o.stopDismissLocked()
	return nil
}

// Accept answers "Install" and runs the install sequence to completion. On
// failure the session stays in the failed phase with its error until
// dismissed, and the user is notified.
func (o *Orchestrator) Accept(ctx context.Context) error {
	o.mu.Lock()
	sess := o.session
	if sess == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	sess.StartedAt = o.now()
	if err := o.fireLocked(eventAccept); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("ota: accept: %w", err)
	}
	o.mu.Unlock()

	o.log.Info("[OTA] update accepted", "session", sess.ID, "available", sess.Available)
	err := o.install(ctx, sess)

	o.mu.Lock()
	sess.FinishedAt = o.now()
	if err != nil {
		sess.Err = err
		if ferr := o.fireLocked(eventFail); ferr != nil {
			o.log.Error(ferr, "[OTA] state transition failed")
		}
		o.mu.Unlock()

		metrics.UpdatesTotal.WithLabelValues("failed").Inc()
		o.log.Error(err, "[OTA] update failed", "session", sess.ID, "stage", string(sess.Stage))
		if o.notifier != nil {
			o.notifier.Notify(FailedStatus, err.Error())
		}
		return err
	}

	sess.Stage = StageDone
	sess.Progress = 100
	o.session = nil
	if ferr := o.fireLocked(eventComplete); ferr != nil {
		o.log.Error(ferr, "[OTA] state transition failed")
	}
	o.mu.Unlock()

	metrics.UpdatesTotal.WithLabelValues("succeeded").Inc()
	o.log.Info("[OTA] update complete", "session", sess.ID, "took", sess.FinishedAt.Sub(sess.StartedAt))
	return nil
}

func (o *Orchestrator) setStage(sess *Session, stage Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess.Stage = stage
	sess.Progress = 0
	if o.session == sess {
		o.republishLocked()
	}
	o.log.V(1).Info("[OTA] stage", "session", sess.ID, "stage", string(stage))
}

// progress returns a callback that publishes whole-percent changes.
func (o *Orchestrator) progress(sess *Session) func(done, total int64) {
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		pct := int(done * 100 / total)
		if pct > 100 {
			pct = 100
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if pct == sess.Progress {
			return
		}
		sess.Progress = pct
		if o.session == sess {
			o.republishLocked()
		}
	}
}

func (o *Orchestrator) setWifi(sess *Session, connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess.WifiConnected = connected
	if o.session == sess {
		o.republishLocked()
	}
}

// install runs the update. From its first line onward the WiFi leave and
// BLE cancel are deferred, so they happen whichever step fails. A failed
// session keeps the stage it failed in.
func (o *Orchestrator) install(ctx context.Context, sess *Session) (err error) {
	defer func() { o.teardown(ctx, sess, err == nil) }()

	o.setStage(sess, StageDownloading)
	image, err := o.source.Download(ctx, sess.DeviceID, o.progress(sess))
	if err != nil {
		return fmt.Errorf("ota: download: %w", err)
	}

	password, err := GeneratePassword(o.randSrc, o.opts.PasswordLength)
	if err != nil {
		return err
	}

	o.setStage(sess, StageCredential)
	if err := o.link.SendCredential(password); err != nil {
		return fmt.Errorf("ota: credential hand-off: %w", err)
	}

	o.setStage(sess, StageSettling)
	if err := o.sleep(ctx, o.opts.CredentialSettle); err != nil {
		return fmt.Errorf("ota: waiting for access point: %w", err)
	}

	o.setStage(sess, StageJoining)
	joinCtx, cancel := context.WithTimeout(ctx, o.opts.JoinTimeout)
	err = o.wifi.Join(joinCtx, o.opts.AccessPoint, password)
	cancel()
	if err != nil {
		return fmt.Errorf("ota: joining %q: %w", o.opts.AccessPoint, err)
	}
	o.setWifi(sess, true)

	o.setStage(sess, StageUploading)
	return o.upload(ctx, sess, image)
}

func (o *Orchestrator) teardown(ctx context.Context, sess *Session, ok bool) {
	if ok {
		o.setStage(sess, StageTeardown)
	}

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := o.wifi.Leave(leaveCtx); err != nil {
		o.log.Error(err, "[OTA] leaving update access point failed")
	} else {
		o.setWifi(sess, false)
	}
	if err := o.link.DropLink(); err != nil {
		o.log.Error(err, "[OTA] dropping BLE link failed")
	}
}

func (o *Orchestrator) upload(ctx context.Context, sess *Session, image []byte) error {
	ctx, cancel := context.WithTimeout(ctx, o.opts.UploadTimeout)
	defer cancel()

	body := &progressReader{
		reader: bytes.NewReader(image),
		total:  int64(len(image)),
		report: o.progress(sess),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.opts.DeviceURL, body)
	if err != nil {
		return fmt.Errorf("ota: building upload request: %w", err)
	}
	req.ContentLength = int64(len(image))
	req.Header.Set("Content-Type", "application/octet-stream")

	o.log.Info("[OTA] uploading firmware", "url", o.opts.DeviceURL, "bytes", len(image))
	resp, err := o.opts.HTTPClient.Do(req)
	metrics.UploadBytesTotal.Add(float64(body.read.Load()))
	if err != nil {
		return fmt.Errorf("ota: upload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d", ErrUploadRejected, resp.StatusCode)
	}
	return nil
}

// progressReader wraps an io.Reader and reports upload progress.
type progressReader struct {
	reader io.Reader
	total  int64
	read   atomic.Int64 // the transport may still be reading after Do returns
	report func(done, total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	done := pr.read.Add(int64(n))
	if n > 0 && pr.report != nil {
		pr.report(done, pr.total)
	}
	return n, err
}
