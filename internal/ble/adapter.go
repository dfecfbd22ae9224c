// Package ble provides the BLE side of the Wink Module companion: capability
// interfaces over the platform radio, the characteristic map of the module's
// single GATT service, and the connection manager that owns the one live
// device session.
package ble

import (
	"context"
	"errors"
)

// Wink Module BLE UUIDs. All characteristics live under ServiceUUID.
const (
	ServiceUUID = "a144c6b0-5e1a-4460-bb92-3674b2f51520"

	RequestCharUUID        = "a144c6b1-5e1a-4460-bb92-3674b2f51520" // movement command, write
	LeftStatusCharUUID     = "a144c6b1-5e1a-4460-bb92-3674b2f51521" // left headlight state, read/notify
	RightStatusCharUUID    = "a144c6b1-5e1a-4460-bb92-3674b2f51522" // right headlight state, read/notify
	LeftSleepyEyeCharUUID  = "a144c6b1-5e1a-4460-bb92-3674b2f51523" // left sleepy-eye position, write
	RightSleepyEyeCharUUID = "a144c6b1-5e1a-4460-bb92-3674b2f51524" // right sleepy-eye position, write
	SyncCharUUID           = "a144c6b1-5e1a-4460-bb92-3674b2f51525" // sync pulse, write
	LongTermSleepCharUUID  = "a144c6b1-5e1a-4460-bb92-3674b2f51526" // deep sleep, write
	CustomButtonCharUUID   = "a144c6b1-5e1a-4460-bb92-3674b2f51527" // two-stage button register, write
	FirmwareCharUUID       = "a144c6b1-5e1a-4460-bb92-3674b2f51528" // firmware version, read
	OTACharUUID            = "a144c6b1-5e1a-4460-bb92-3674b2f51529" // OTA one-time password, write
)

// CharacteristicUUIDs lists every characteristic a session discovers on connect.
var CharacteristicUUIDs = []string{
	RequestCharUUID,
	LeftStatusCharUUID,
	RightStatusCharUUID,
	LeftSleepyEyeCharUUID,
	RightSleepyEyeCharUUID,
	SyncCharUUID,
	LongTermSleepCharUUID,
	CustomButtonCharUUID,
	FirmwareCharUUID,
	OTACharUUID,
}

var (
	// ErrNoDevice is returned when a scan ends without seeing the module.
	ErrNoDevice = errors.New("ble: no Wink Module found")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("ble: not connected")
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and returns once the stack has
	// accepted it.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. On platforms that gate radio access
	// behind a permission, this is where the grant is checked.
	Enable() error
	// Scan returns the first peripheral advertising the given service UUID.
	// It returns ErrNoDevice if ctx ends before one is seen.
	Scan(ctx context.Context, serviceUUID string) (Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
