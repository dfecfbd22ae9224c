package app

import (
	"context"
	"sync"

	"github.com/chaz8081/winkctl/internal/ble"
)

type mockCharacteristic struct {
	mu     sync.Mutex
	value  []byte
	writes [][]byte
	cb     func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

type mockConnection struct {
	mu           sync.Mutex
	chars        map[string]*mockCharacteristic
	onDisconnect func()
	disconnects  int
}

func newMockConnection(firmware string) *mockConnection {
	c := &mockConnection{chars: make(map[string]*mockCharacteristic)}
	for _, id := range ble.CharacteristicUUIDs {
		c.chars[id] = &mockCharacteristic{}
	}
	c.chars[ble.LeftStatusCharUUID].value = []byte("0")
	c.chars[ble.RightStatusCharUUID].value = []byte("0")
	c.chars[ble.FirmwareCharUUID].value = []byte(firmware)
	return c
}

func (c *mockConnection) DiscoverCharacteristic(_, charUUID string) (ble.Characteristic, error) {
	return c.chars[charUUID], nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = cb
}

// SimulateDisconnect fires the link-lost callback as the radio would.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type mockAdapter struct {
	mu       sync.Mutex
	device   *ble.Device
	firmware string
	scans    int
	dials    []string
	conns    []*mockConnection
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, _ string) (ble.Device, error) {
	a.mu.Lock()
	a.scans++
	dev := a.device
	a.mu.Unlock()
	if dev == nil {
		<-ctx.Done()
		return ble.Device{}, ble.ErrNoDevice
	}
	return *dev, nil
}

func (a *mockAdapter) Connect(_ context.Context, mac string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials = append(a.dials, mac)
	c := newMockConnection(a.firmware)
	a.conns = append(a.conns, c)
	return c, nil
}

func (a *mockAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans
}

func (a *mockAdapter) latest() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *mockAdapter) setFirmware(version string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.firmware = version
}

func (a *mockAdapter) dialed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dials...)
}
