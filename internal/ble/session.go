package ble

import (
	"fmt"
	"sync"
)

// Session is the live handle to one connected Wink Module. All of the
// module's characteristics are resolved before a Session is handed out, so
// the map is read-only afterwards.
type Session struct {
	// ID is the stable device identifier (MAC on Linux, CoreBluetooth UUID on macOS).
	ID   string
	Name string

	conn  Connection
	chars map[string]Characteristic

	closeOnce sync.Once
	closeErr  error
}

// NewSession resolves every Wink characteristic on conn and wraps it as a Session.
func NewSession(dev Device, conn Connection) (*Session, error) {
	s := &Session{
		ID:    dev.MAC,
		Name:  dev.Name,
		conn:  conn,
		chars: make(map[string]Characteristic, len(CharacteristicUUIDs)),
	}
	for _, id := range CharacteristicUUIDs {
		c, err := conn.DiscoverCharacteristic(ServiceUUID, id)
		if err != nil {
			return nil, fmt.Errorf("ble: discover %s: %w", id, err)
		}
		s.chars[id] = c
	}
	return s, nil
}

func (s *Session) characteristic(id string) (Characteristic, error) {
	c, ok := s.chars[id]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not available", id)
	}
	return c, nil
}

// Write sends payload to the characteristic identified by id.
func (s *Session) Write(id string, payload []byte) error {
	c, err := s.characteristic(id)
	if err != nil {
		return err
	}
	if err := c.Write(payload); err != nil {
		return fmt.Errorf("ble: write %s: %w", id, err)
	}
	return nil
}

// Read returns the current value of the characteristic identified by id.
func (s *Session) Read(id string) ([]byte, error) {
	c, err := s.characteristic(id)
	if err != nil {
		return nil, err
	}
	data, err := c.Read()
	if err != nil {
		return nil, fmt.Errorf("ble: read %s: %w", id, err)
	}
	return data, nil
}

// Subscribe registers cb for notifications on the characteristic identified by id.
func (s *Session) Subscribe(id string, cb func([]byte)) error {
	c, err := s.characteristic(id)
	if err != nil {
		return err
	}
	if err := c.Subscribe(cb); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", id, err)
	}
	return nil
}

// Cancel drops the BLE link. Only the first call reaches the radio.
func (s *Session) Cancel() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Disconnect()
	})
	return s.closeErr
}
