package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rgbw-ctrl/internal/notify"
	"rgbw-ctrl/internal/protocol"
	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

// IdleTimeout is how long the server keeps advertising without a central.
const IdleTimeout = 30 * time.Second

var (
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
	ErrNotPermitted          = errors.New("operation not permitted")
)

// Peripheral is the GATT server backend.
type Peripheral interface {
	// Start registers chars and begins advertising under name.
	Start(name string, chars []Characteristic) error
	// Stop disconnects every central and tears the server down.
	Stop() error
	// Connected returns the number of connected centrals.
	Connected() int
	// Notify pushes value to subscribers of the characteristic.
	Notify(uuid string, value []byte) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides IdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idle = d }
}

// WithNotifier lets the manager force a full push when a central connects.
func WithNotifier(n *notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// Manager runs the GATT server lifecycle. It is also the BLE notify.Sink.
type Manager struct {
	periph   Peripheral
	rt       *router.Router
	reg      *state.Registry
	notifier *notify.Notifier
	idle     time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	deadline  time.Time
	connected int
}

// NewManager creates a stopped manager.
func NewManager(p Peripheral, rt *router.Router, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		periph: p,
		rt:     rt,
		reg:    rt.Registry(),
		idle:   IdleTimeout,
		logger: logger.With("component", "ble"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins advertising. Starting a running server only extends its
// idle deadline.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = time.Time{}
	if m.running {
		return nil
	}
	name := m.reg.Identity().Name
	if err := m.periph.Start(name, Table()); err != nil {
		return fmt.Errorf("start gatt server: %w", err)
	}
	m.running = true
	m.connected = 0
	m.reg.SetBleStatus(state.BleAdvertising)
	m.logger.Info("ble advertising started", "name", name)
	return nil
}

// Stop disconnects every central and stops the server.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.connected = 0
	m.reg.SetBleStatus(state.BleOff)
	if err := m.periph.Stop(); err != nil {
		return fmt.Errorf("stop gatt server: %w", err)
	}
	m.logger.Info("ble stopped")
	return nil
}

// Running reports whether the server is up.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Handle refreshes the connection status and enforces the idle timeout. It
// is called from the main loop.
func (m *Manager) Handle(now time.Time) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	n := m.periph.Connected()
	if n > 0 || m.deadline.IsZero() {
		m.deadline = now.Add(m.idle)
	}
	expired := n == 0 && now.After(m.deadline)
	gained := n > m.connected
	m.connected = n
	// Published under m.mu so a concurrent Stop cannot be overwritten.
	if n > 0 {
		m.reg.SetBleStatus(state.BleConnected)
	} else {
		m.reg.SetBleStatus(state.BleAdvertising)
	}
	m.mu.Unlock()

	if gained && m.notifier != nil {
		m.notifier.Reset(m)
	}
	if expired {
		m.logger.Warn("no ble central connected, stopping", "timeout", m.idle)
		if err := m.Stop(); err != nil {
			m.logger.Error("stop ble", "err", err)
		}
	}
}

// Read returns the current payload of a readable characteristic.
func (m *Manager) Read(uuid string) ([]byte, error) {
	c, ok := lookup(uuid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, uuid)
	}
	if !c.Has(PropRead) {
		return nil, fmt.Errorf("read %s: %w", uuid, ErrNotPermitted)
	}
	return protocol.Payload(snapshot(m.reg, c.Type)), nil
}

// Write applies a value written by a central.
func (m *Manager) Write(uuid string, value []byte) error {
	c, ok := lookup(uuid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, uuid)
	}
	if !c.Has(PropWrite) {
		return fmt.Errorf("write %s: %w", uuid, ErrNotPermitted)
	}
	if c.Raw {
		if string(value) != RestartCommand {
			return fmt.Errorf("%w: restart characteristic", router.ErrInvalidValue)
		}
		_, err := m.rt.Apply(router.OriginBLE, router.Restart{})
		return err
	}
	_, err := m.rt.DispatchPayload(router.OriginBLE, c.Type, value)
	return err
}

func (m *Manager) Name() string { return "ble" }

// Accepts reports whether a notifying characteristic carries t.
func (m *Manager) Accepts(t protocol.MessageType) bool {
	_, ok := notifyChar(t)
	return ok
}

// Active reports whether a central is connected.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.connected > 0
}

// Broadcast notifies subscribers of the characteristic carrying msg.
func (m *Manager) Broadcast(msg protocol.Message) bool {
	c, ok := notifyChar(msg.Type())
	if !ok {
		return false
	}
	if err := m.periph.Notify(c.UUID, protocol.Payload(msg)); err != nil {
		m.logger.Debug("ble notify failed", "char", c.UUID, "err", err)
		return false
	}
	return true
}

// snapshot builds the outbound message of type t from the registry.
func snapshot(reg *state.Registry, t protocol.MessageType) protocol.Message {
	switch t {
	case protocol.TypeHeap:
		return protocol.Heap{Free: reg.Identity().FreeHeap}
	case protocol.TypeDeviceName:
		return protocol.DeviceName{Name: reg.Identity().Name}
	case protocol.TypeFirmwareVersion:
		return protocol.FirmwareVersion{Version: reg.Identity().Firmware}
	case protocol.TypeColor:
		return protocol.Color{Output: reg.Output()}
	case protocol.TypeHTTPCredentials:
		return protocol.HTTPCredentials{Credentials: reg.Credentials()}
	case protocol.TypeBleStatus:
		return protocol.BleStatus{Status: reg.Connectivity().Ble}
	case protocol.TypeWiFiStatus:
		return protocol.WiFiStatus{Status: reg.Connectivity().WiFi}
	case protocol.TypeWiFiScanStatus:
		return protocol.WiFiScanStatus{Status: reg.Connectivity().Scan}
	case protocol.TypeWiFiDetails:
		return protocol.WiFiDetails{Details: reg.Connectivity().Details}
	case protocol.TypeOtaProgress:
		return protocol.OtaProgress{State: reg.Ota()}
	case protocol.TypeIntegrationSettings:
		return protocol.IntegrationSettings{Settings: reg.Integration()}
	case protocol.TypePeerList:
		return protocol.PeerList{Peers: reg.Peers()}
	}
	return nil
}
