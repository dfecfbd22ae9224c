// Package app wires the components into the long-running daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/winkctl/internal/ble"
	"github.com/chaz8081/winkctl/internal/command"
	"github.com/chaz8081/winkctl/internal/config"
	"github.com/chaz8081/winkctl/internal/firmware"
	"github.com/chaz8081/winkctl/internal/interlock"
	"github.com/chaz8081/winkctl/internal/metrics"
	"github.com/chaz8081/winkctl/internal/mqtt"
	"github.com/chaz8081/winkctl/internal/ota"
	"github.com/chaz8081/winkctl/internal/server"
	"github.com/chaz8081/winkctl/internal/settings"
	"github.com/chaz8081/winkctl/internal/state"
	"github.com/chaz8081/winkctl/internal/wifi"
)

// Deps are the host-specific collaborators. Only Adapter is required.
type Deps struct {
	Adapter    ble.Adapter
	Joiner     wifi.Joiner // nil disables OTA installs
	Settings   settings.KV // nil keeps preferences in memory
	HTTPClient *http.Client
	Logger     logr.Logger
}

// Daemon owns every component for one process lifetime.
type Daemon struct {
	cfg *config.Config
	log logr.Logger

	Store        *state.Store
	Tracker      *interlock.Tracker
	Manager      *ble.Manager
	Commander    *command.Commander
	Checker      *firmware.Checker
	Orchestrator *ota.Orchestrator
	Prefs        *settings.Preferences

	// wake nudges the auto-connect loop after the preference changes.
	wake chan struct{}
	// reconnect asks for the module back after it rebooted into new firmware.
	reconnect chan struct{}

	mu  sync.Mutex
	ctx context.Context // lifetime of Run; background before
}

// New wires the daemon from cfg.
func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	if deps.Adapter == nil {
		return nil, errors.New("app: BLE adapter is required")
	}
	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	kv := deps.Settings
	if kv == nil {
		kv = settings.NewMemory()
	}
	joiner := deps.Joiner
	if joiner == nil {
		joiner = wifi.Unavailable{}
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	d := &Daemon{
		cfg:   cfg,
		log:   log,
		Store: state.NewStore(),
		Prefs: settings.NewPreferences(kv),
		wake:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		ctx:       context.Background(),
	}
	d.Tracker = interlock.New(d.Store)
	d.Manager = ble.NewManager(deps.Adapter, d.Store, d.Tracker, ble.ManagerOptions{
		ScanTimeout:    cfg.BLE.ScanTimeout,
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		Logger:         log.WithName("ble"),
	})
	d.Commander = command.New(d.Manager, d.Tracker, d.Prefs, command.Options{
		Settle: cfg.BLE.ButtonSettle,
		Logger: log.WithName("command"),
	})

	fw := firmware.NewClient(cfg.Update.ServiceURL, httpClient, log.WithName("firmware"))
	d.Orchestrator = ota.New(d.Store, fw, d.Commander, joiner, &storeNotifier{store: d.Store, log: log}, ota.Options{
		AccessPoint:      cfg.Update.AccessPoint,
		DeviceURL:        cfg.Update.DeviceURL,
		PasswordLength:   cfg.Update.PasswordLength,
		CredentialSettle: cfg.Update.CredentialSettle,
		JoinTimeout:      cfg.Update.JoinTimeout,
		UploadTimeout:    cfg.Update.UploadTimeout,
		DismissWindow:    cfg.Update.DismissWindow,
		HTTPClient:       httpClient,
		Logger:           log.WithName("ota"),
	})
	d.Checker = firmware.NewChecker(d.Commander, fw, d.Orchestrator, d.Store, log.WithName("firmware"))

	d.Manager.OnConnect(d.onConnect)
	d.Manager.OnDisconnect(d.onDisconnect)
	d.Store.Update(func(s *state.Snapshot) { s.AutoConnect = !d.optedOut() })
	return d, nil
}

func (d *Daemon) runCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// onConnect remembers the module and runs the silent version check.
func (d *Daemon) onConnect(sess *ble.Session) {
	if err := d.Prefs.SetDeviceMAC(sess.ID); err != nil {
		d.log.Error(err, "saving device address failed", "mac", sess.ID)
	}
	go d.Checker.Run(d.runCtx())
}

// onDisconnect closes a stale update prompt. A failed session stays until
// dismissed. A drop for an install schedules the reconnect.
func (d *Daemon) onDisconnect(sess *ble.Session, reason ble.DisconnectReason) {
	if reason == ble.ReasonUpdate {
		d.log.Info("[BLE] module restarting for update, will reconnect", "mac", sess.ID)
		select {
		case d.reconnect <- struct{}{}:
		default:
		}
		return
	}
	if d.Orchestrator.Phase() == state.UpdatePrompt {
		d.Orchestrator.Reset()
	}
}

func (d *Daemon) optedOut() bool {
	return !d.cfg.BLE.AutoConnect || d.Prefs.AutoConnectOptedOut()
}

// SetAutoConnect records the preference and wakes the auto-connect loop.
func (d *Daemon) SetAutoConnect(on bool) error {
	if err := d.Prefs.SetAutoConnect(on); err != nil {
		return fmt.Errorf("app: saving auto-connect: %w", err)
	}
	d.Store.Update(func(s *state.Snapshot) { s.AutoConnect = !d.optedOut() })
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// connectOnce runs one auto-connect attempt: the remembered module first,
// then a scan.
func (d *Daemon) connectOnce(ctx context.Context) error {
	opted := d.optedOut()
	if mac := d.Prefs.DeviceMAC(); mac != "" && d.Manager.ShouldAutoConnect(opted) {
		_, err := d.Manager.Connect(ctx, ble.Device{MAC: mac})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.V(1).Info("[BLE] remembered module unreachable, scanning", "mac", mac, "error", err.Error())
	}
	_, err := d.Manager.AutoConnect(ctx, opted)
	return err
}

// AutoConnect keeps trying until a module connects or ctx ends. While the
// user is opted out it waits for SetAutoConnect. Once a session has been
// established in this process it returns. After a lost link reconnecting is
// up to the user; Reconnect covers drops caused by an update.
func (d *Daemon) AutoConnect(ctx context.Context) error {
	for {
		if !d.optedOut() {
			if err := ble.RetryWithBackoff(ctx, d.cfg.BLE.ReconnectMax, d.log, d.connectOnce); err != nil {
				return err
			}
			// connectOnce only succeeds without connecting when the user
			// opted out in the meantime.
			if !d.optedOut() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		}
	}
}

// reconnectOnce dials the remembered module, or scans when none is known.
// A session established meanwhile counts as success.
func (d *Daemon) reconnectOnce(ctx context.Context) error {
	if d.Manager.State() == state.Connected {
		return nil
	}
	mac := d.Prefs.DeviceMAC()
	if mac == "" {
		_, err := d.Manager.Scan(ctx)
		return err
	}
	_, err := d.Manager.Connect(ctx, ble.Device{MAC: mac})
	return err
}

// Reconnect brings the module back after each update-driven disconnect,
// retrying with backoff while it reboots. The opt-out does not apply: the
// link was only dropped for the install. It returns when ctx ends.
func (d *Daemon) Reconnect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.reconnect:
		}
		if err := ble.RetryWithBackoff(ctx, d.cfg.BLE.ReconnectMax, d.log, d.reconnectOnce); err != nil {
			return err
		}
		d.log.Info("[BLE] module back after update")
	}
}

// Run starts metrics, the HTTP API, the MQTT publisher and the connect
// loops, and blocks until ctx is cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	stopMetrics := metrics.Watch(d.Store)
	defer stopMetrics()

	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.Server.Addr != "" {
		srv := server.New(d.cfg.Server.Addr, server.Deps{
			Store:       d.Store,
			Conn:        d.Manager,
			Commands:    d.Commander,
			Checker:     d.Checker,
			Updates:     d.Orchestrator,
			Buttons:     d.Prefs,
			AutoConnect: d,
			Logger:      d.log,
		})
		g.Go(func() error { return srv.Start(ctx) })
	}

	if d.cfg.MQTT.BrokerURL != "" {
		pub, err := mqtt.NewPublisher(mqtt.Config{
			BrokerURL: d.cfg.MQTT.BrokerURL,
			ClientID:  d.cfg.MQTT.ClientID,
			TopicRoot: d.cfg.MQTT.TopicRoot,
		}, d.Store, d.Commander, d.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return pub.Start(ctx) })
	}

	g.Go(func() error {
		err := d.AutoConnect(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := d.Reconnect(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	d.log.Info("winkctl daemon running", "server", d.cfg.Server.Addr, "mqtt", d.cfg.MQTT.BrokerURL)
	err := g.Wait()

	// Leave the module idle on the way out.
	_ = d.Manager.Disconnect()
	return err
}

// storeNotifier surfaces user notices through the state store.
type storeNotifier struct {
	store *state.Store
	log   logr.Logger
}

func (n *storeNotifier) Notify(title, message string) {
	n.log.Info(title, "detail", message)
	n.store.Update(func(s *state.Snapshot) {
		s.Update.Notice = title + " " + message
	})
}
