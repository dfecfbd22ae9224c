// Package wifi joins and leaves the module's temporary update access point.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
)

// Joiner associates the host with a protected access point and drops it again.
type Joiner interface {
	// Join blocks until the association is up or ctx ends.
	Join(ctx context.Context, ssid, password string) error
	// Leave drops whatever Join set up. It is safe to call without a prior Join.
	Leave(ctx context.Context) error
}

// Unavailable is a Joiner for hosts without a usable WiFi backend.
type Unavailable struct {
	Err error
}

func (u Unavailable) Join(context.Context, string, string) error {
	if u.Err != nil {
		return fmt.Errorf("wifi: unavailable: %w", u.Err)
	}
	return errors.New("wifi: unavailable")
}

func (Unavailable) Leave(context.Context) error { return nil }

const (
	nmBusName       = "org.freedesktop.NetworkManager"
	nmPath          = "/org/freedesktop/NetworkManager"
	nmIface         = "org.freedesktop.NetworkManager"
	nmDeviceIface   = "org.freedesktop.NetworkManager.Device"
	nmActiveIface   = "org.freedesktop.NetworkManager.Connection.Active"
	nmSettingsIface = "org.freedesktop.NetworkManager.Settings.Connection"
	propsIface      = "org.freedesktop.DBus.Properties"

	nmDeviceTypeWifi = 2

	// NMActiveConnectionState values.
	nmActiveActivated   = 2
	nmActiveDeactivated = 4
)

// pollInterval is how often Join checks activation progress.
var pollInterval = 250 * time.Millisecond

// NetworkManager drives WiFi through NetworkManager on the system D-Bus.
type NetworkManager struct {
	conn *dbus.Conn
	log  logr.Logger

	mu       sync.Mutex
	active   dbus.ObjectPath // active connection from the last Join
	settings dbus.ObjectPath // saved profile from the last Join
}

// NewNetworkManager connects to the system bus and checks that
// NetworkManager is running.
func NewNetworkManager(log logr.Logger) (*NetworkManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("wifi: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wifi: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == nmBusName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("wifi: %s not found on system bus, is NetworkManager running?", nmBusName)
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &NetworkManager{conn: conn, log: log}, nil
}

// Close releases the bus connection.
func (n *NetworkManager) Close() error {
	return n.conn.Close()
}

func (n *NetworkManager) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := n.conn.Object(nmBusName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

// wifiDevice returns the first WiFi device NetworkManager manages.
func (n *NetworkManager) wifiDevice(ctx context.Context) (dbus.ObjectPath, error) {
	var devices []dbus.ObjectPath
	obj := n.conn.Object(nmBusName, nmPath)
	if err := obj.CallWithContext(ctx, nmIface+".GetDevices", 0).Store(&devices); err != nil {
		return "", fmt.Errorf("wifi: list devices: %w", err)
	}
	for _, d := range devices {
		v, err := n.getProp(d, nmDeviceIface, "DeviceType")
		if err != nil {
			continue
		}
		if t, ok := v.Value().(uint32); ok && t == nmDeviceTypeWifi {
			return d, nil
		}
	}
	return "", errors.New("wifi: no WiFi device found")
}

// connectionSettings builds the NetworkManager profile for a WPA-PSK (or
// open, when password is empty) visible access point.
func connectionSettings(ssid, password string) map[string]map[string]dbus.Variant {
	s := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(ssid),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": {
			"ssid":   dbus.MakeVariant([]byte(ssid)),
			"mode":   dbus.MakeVariant("infrastructure"),
			"hidden": dbus.MakeVariant(false),
		},
		"ipv4": {"method": dbus.MakeVariant("auto")},
		"ipv6": {"method": dbus.MakeVariant("ignore")},
	}
	if password != "" {
		s["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(password),
		}
	}
	return s
}

func (n *NetworkManager) Join(ctx context.Context, ssid, password string) error {
	device, err := n.wifiDevice(ctx)
	if err != nil {
		return err
	}

	var settingsPath, activePath dbus.ObjectPath
	obj := n.conn.Object(nmBusName, nmPath)
	call := obj.CallWithContext(ctx, nmIface+".AddAndActivateConnection", 0,
		connectionSettings(ssid, password), device, dbus.ObjectPath("/"))
	if err := call.Store(&settingsPath, &activePath); err != nil {
		return fmt.Errorf("wifi: activate %q: %w", ssid, err)
	}

	n.mu.Lock()
	n.settings, n.active = settingsPath, activePath
	n.mu.Unlock()
	n.log.V(1).Info("[WIFI] activating", "ssid", ssid, "connection", string(activePath))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		v, err := n.getProp(activePath, nmActiveIface, "State")
		if err == nil {
			switch st, _ := v.Value().(uint32); st {
			case nmActiveActivated:
				n.log.Info("[WIFI] joined", "ssid", ssid)
				return nil
			case nmActiveDeactivated:
				return fmt.Errorf("wifi: association with %q failed", ssid)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wifi: joining %q: %w", ssid, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (n *NetworkManager) Leave(ctx context.Context) error {
	n.mu.Lock()
	active, settings := n.active, n.settings
	n.active, n.settings = "", ""
	n.mu.Unlock()

	var errs []error
	if active != "" {
		obj := n.conn.Object(nmBusName, nmPath)
		if err := obj.CallWithContext(ctx, nmIface+".DeactivateConnection", 0, active).Err; err != nil {
			errs = append(errs, fmt.Errorf("wifi: deactivate: %w", err))
		}
	}
	if settings != "" {
		obj := n.conn.Object(nmBusName, settings)
		if err := obj.CallWithContext(ctx, nmSettingsIface+".Delete", 0).Err; err != nil {
			errs = append(errs, fmt.Errorf("wifi: delete profile: %w", err))
		}
	}
	if len(errs) == 0 && active != "" {
		n.log.Info("[WIFI] left access point")
	}
	return errors.Join(errs...)
}

var _ Joiner = (*NetworkManager)(nil)
var _ Joiner = Unavailable{}
