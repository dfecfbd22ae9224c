// Package settings persists the small set of user preferences the companion
// keeps between runs: the auto-connect opt-out, the last module address and
// the custom-button assignments.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
)

// Keys used by the companion.
const (
	KeyAutoConnect = "auto-connect"
	KeyDeviceMAC   = "device-mac"
	KeyButtonDelay = "oem-button-delay"

	buttonKeyPrefix = "oem-button-"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("settings: key not found")

// KV is a string key-value store.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// ButtonKey returns the key holding the behavior for n presses.
func ButtonKey(presses int) string {
	return buttonKeyPrefix + strconv.Itoa(presses)
}

// FileStore is a KV backed by a YAML map on disk. Every Set and Remove
// rewrites the file atomically.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("settings: parsing %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flushLocked(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: writing: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("settings: replacing %s: %w", s.path, err)
	}
	return nil
}

// Memory is an in-memory KV, used when no settings path is configured.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Preferences wraps a KV with typed accessors.
type Preferences struct {
	kv KV
}

func NewPreferences(kv KV) *Preferences {
	return &Preferences{kv: kv}
}

// AutoConnectOptedOut reports whether the user disabled auto-connect. Only
// the absence of the key means auto-connect is on.
func (p *Preferences) AutoConnectOptedOut() bool {
	_, err := p.kv.Get(KeyAutoConnect)
	return err == nil
}

// SetAutoConnect records the auto-connect choice. Turning it back on removes
// the key.
func (p *Preferences) SetAutoConnect(on bool) error {
	if on {
		return p.kv.Remove(KeyAutoConnect)
	}
	return p.kv.Set(KeyAutoConnect, "false")
}

// DeviceMAC returns the last connected module address, or "".
func (p *Preferences) DeviceMAC() string {
	v, _ := p.kv.Get(KeyDeviceMAC)
	return v
}

func (p *Preferences) SetDeviceMAC(mac string) error {
	return p.kv.Set(KeyDeviceMAC, mac)
}

// Button returns the behavior stored for n presses; Unassigned when unset.
func (p *Preferences) Button(presses int) protocol.Behavior {
	v, err := p.kv.Get(ButtonKey(presses))
	if err != nil {
		return protocol.Unassigned
	}
	b, err := protocol.ParseBehavior(v)
	if err != nil {
		return protocol.Unassigned
	}
	return b
}

// SetButton stores the behavior for n presses. Unassigned removes the entry.
func (p *Preferences) SetButton(presses int, b protocol.Behavior) error {
	if b == protocol.Unassigned {
		return p.kv.Remove(ButtonKey(presses))
	}
	return p.kv.Set(ButtonKey(presses), b.String())
}

// ButtonDelay returns the stored inter-press delay, or 0 when unset.
func (p *Preferences) ButtonDelay() time.Duration {
	v, err := p.kv.Get(KeyButtonDelay)
	if err != nil {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (p *Preferences) SetButtonDelay(d time.Duration) error {
	return p.kv.Set(KeyButtonDelay, strconv.FormatInt(d.Milliseconds(), 10))
}
