// Package state holds the canonical device state shared by every transport.
package state

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidValue marks semantically out-of-range input.
	ErrInvalidValue = errors.New("invalid value")
	// ErrPersistence marks a failed storage write; the in-memory value is unchanged.
	ErrPersistence = errors.New("persistence failure")
)

// Entity identifies one independently locked part of the state.
type Entity uint16

const (
	EntityOutput Entity = 1 << iota
	EntityIdentity
	EntityConnectivity
	EntityIntegration
	EntityPeers
	EntityCredentials
	EntityOta
)

// Has reports whether e includes other.
func (e Entity) Has(other Entity) bool { return e&other != 0 }

// Persister writes persisted entities through to storage. It is called with
// the entity lock held and must not call back into the registry.
type Persister interface {
	SaveDeviceName(name string) error
	SavePeers(peers PeerList) error
	SaveCredentials(c Credentials) error
	SaveIntegration(s IntegrationSettings) error
}

// Seed is the state restored at boot.
type Seed struct {
	Identity    Identity
	Peers       PeerList
	Credentials Credentials
	Integration IntegrationSettings
}

// Registry is the single source of truth for device state. Every entity has
// its own lock; getters return copies.
type Registry struct {
	persist Persister
	events  *EventBus

	outputMu sync.Mutex
	output   Output

	identityMu sync.Mutex
	identity   Identity

	connMu sync.Mutex
	conn   Connectivity

	integrationMu sync.Mutex
	integration   IntegrationSettings

	peersMu sync.Mutex
	peers   PeerList

	credsMu sync.Mutex
	creds   Credentials

	otaMu sync.Mutex
	ota   OtaState
}

// NewRegistry creates a registry seeded with boot state. persist and events may be nil.
func NewRegistry(seed Seed, persist Persister, events *EventBus) *Registry {
	return &Registry{
		persist:     persist,
		events:      events,
		identity:    seed.Identity,
		peers:       seed.Peers,
		creds:       seed.Credentials,
		integration: seed.Integration,
	}
}

// Events returns the bus the registry emits on.
func (r *Registry) Events() *EventBus { return r.events }

func (r *Registry) Output() Output {
	r.outputMu.Lock()
	defer r.outputMu.Unlock()
	return r.output
}

func (r *Registry) Identity() Identity {
	r.identityMu.Lock()
	defer r.identityMu.Unlock()
	return r.identity
}

func (r *Registry) Connectivity() Connectivity {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

func (r *Registry) Integration() IntegrationSettings {
	r.integrationMu.Lock()
	defer r.integrationMu.Unlock()
	return r.integration
}

func (r *Registry) Peers() PeerList {
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	return r.peers
}

func (r *Registry) Credentials() Credentials {
	r.credsMu.Lock()
	defer r.credsMu.Unlock()
	return r.creds
}

func (r *Registry) Ota() OtaState {
	r.otaMu.Lock()
	defer r.otaMu.Unlock()
	return r.ota
}

// UpdateOutput applies fn to a copy of the output under the output lock and
// publishes the result if it changed. fn must not call back into the registry.
func (r *Registry) UpdateOutput(fn func(o *Output)) bool {
	r.outputMu.Lock()
	next := r.output
	fn(&next)
	changed := next != r.output
	r.output = next
	r.outputMu.Unlock()
	if changed {
		r.events.Emit(Event{Type: EventOutput, Data: next})
	}
	return changed
}

// SetOutput replaces the whole output.
func (r *Registry) SetOutput(o Output) bool {
	return r.UpdateOutput(func(cur *Output) { *cur = o })
}

// SetChannel replaces one channel. Out-of-range indexes are ignored.
func (r *Registry) SetChannel(i int, c Channel) bool {
	if i < 0 || i >= ChannelCount {
		return false
	}
	return r.UpdateOutput(func(o *Output) { o.Channels[i] = c })
}

// SetChannelValue sets one channel's intensity; the channel is on iff v > 0.
func (r *Registry) SetChannelValue(i int, v uint8) bool {
	return r.SetChannel(i, Channel{On: v > 0, Value: v})
}

// SetAll sets every channel to v; channels are on iff v > 0.
func (r *Registry) SetAll(v uint8) bool {
	return r.UpdateOutput(func(o *Output) {
		for i := range o.Channels {
			o.Channels[i] = Channel{On: v > 0, Value: v}
		}
	})
}

// ToggleChannel flips one channel, keeping its remembered value. A channel
// switched on with no remembered value comes up at DefaultOnValue.
func (r *Registry) ToggleChannel(i int) bool {
	if i < 0 || i >= ChannelCount {
		return false
	}
	return r.UpdateOutput(func(o *Output) {
		c := &o.Channels[i]
		if c.Visible() {
			c.On = false
			return
		}
		c.On = true
		if c.Value == 0 {
			c.Value = DefaultOnValue
		}
	})
}

// ToggleAll turns everything off (values kept) when any channel is visible,
// and otherwise turns every channel on at DefaultOnValue.
func (r *Registry) ToggleAll() bool {
	return r.UpdateOutput(func(o *Output) {
		if o.AnyVisible() {
			for i := range o.Channels {
				o.Channels[i].On = false
			}
			return
		}
		for i := range o.Channels {
			o.Channels[i] = Channel{On: true, Value: DefaultOnValue}
		}
	})
}

// TurnOnAll switches every channel on; channels without a value get DefaultOnValue.
func (r *Registry) TurnOnAll() bool {
	return r.UpdateOutput(func(o *Output) {
		for i := range o.Channels {
			o.Channels[i].On = true
			if o.Channels[i].Value == 0 {
				o.Channels[i].Value = DefaultOnValue
			}
		}
	})
}

// TurnOffAll switches every channel off, keeping values.
func (r *Registry) TurnOffAll() bool {
	return r.UpdateOutput(func(o *Output) {
		for i := range o.Channels {
			o.Channels[i].On = false
		}
	})
}

// StepBrightness adds delta to every channel value, clamping each to [0,255].
// On flags are unchanged.
func (r *Registry) StepBrightness(delta int) bool {
	// Any step beyond a full range saturates; bounding it keeps the sum in int.
	delta = max(-255, min(255, delta))
	return r.UpdateOutput(func(o *Output) {
		for i := range o.Channels {
			o.Channels[i].Value = clampLevel(int(o.Channels[i].Value) + delta)
		}
	})
}

func clampLevel(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// SetDeviceName persists and publishes a new name. Empty or over-long names
// are ignored and reported as unchanged.
func (r *Registry) SetDeviceName(name string) (bool, error) {
	if name == "" || len(name) > MaxDeviceNameLen {
		return false, nil
	}
	r.identityMu.Lock()
	if r.identity.Name == name {
		r.identityMu.Unlock()
		return false, nil
	}
	if r.persist != nil {
		if err := r.persist.SaveDeviceName(name); err != nil {
			r.identityMu.Unlock()
			return false, fmt.Errorf("%w: save device name: %w", ErrPersistence, err)
		}
	}
	r.identity.Name = name
	r.identityMu.Unlock()
	r.events.Emit(Event{Type: EventDeviceName, Data: name})
	return true, nil
}

// SetFirmwareVersion records the running firmware version.
func (r *Registry) SetFirmwareVersion(v string) {
	if len(v) > MaxFirmwareLen {
		v = v[:MaxFirmwareLen]
	}
	r.identityMu.Lock()
	r.identity.Firmware = v
	r.identityMu.Unlock()
}

// SetFreeHeap records the sampled free-memory gauge.
func (r *Registry) SetFreeHeap(free uint32) {
	r.identityMu.Lock()
	r.identity.FreeHeap = free
	r.identityMu.Unlock()
}

// SetIntegration persists and publishes new voice-assistant settings.
func (r *Registry) SetIntegration(s IntegrationSettings) (bool, error) {
	if !s.Mode.Valid() {
		return false, fmt.Errorf("%w: integration mode %d", ErrInvalidValue, s.Mode)
	}
	for _, n := range s.Names {
		if len(n) > MaxIntegrationNameLen {
			return false, fmt.Errorf("%w: integration name %q longer than %d bytes", ErrInvalidValue, n, MaxIntegrationNameLen)
		}
	}
	r.integrationMu.Lock()
	if r.integration == s {
		r.integrationMu.Unlock()
		return false, nil
	}
	if r.persist != nil {
		if err := r.persist.SaveIntegration(s); err != nil {
			r.integrationMu.Unlock()
			return false, fmt.Errorf("%w: save integration: %w", ErrPersistence, err)
		}
	}
	r.integration = s
	r.integrationMu.Unlock()
	r.events.Emit(Event{Type: EventIntegration, Data: s})
	return true, nil
}

// SetPeers atomically replaces the radio allow-list.
func (r *Registry) SetPeers(peers PeerList) (bool, error) {
	r.peersMu.Lock()
	if r.peers == peers {
		r.peersMu.Unlock()
		return false, nil
	}
	if r.persist != nil {
		if err := r.persist.SavePeers(peers); err != nil {
			r.peersMu.Unlock()
			return false, fmt.Errorf("%w: save peers: %w", ErrPersistence, err)
		}
	}
	r.peers = peers
	r.peersMu.Unlock()
	r.events.Emit(Event{Type: EventPeers, Data: peers})
	return true, nil
}

// SetCredentials persists and publishes new HTTP credentials.
func (r *Registry) SetCredentials(c Credentials) (bool, error) {
	if c.Username == "" || c.Password == "" {
		return false, fmt.Errorf("%w: empty credentials", ErrInvalidValue)
	}
	if len(c.Username) > MaxCredentialLen || len(c.Password) > MaxCredentialLen {
		return false, fmt.Errorf("%w: credentials longer than %d bytes", ErrInvalidValue, MaxCredentialLen)
	}
	r.credsMu.Lock()
	if r.creds == c {
		r.credsMu.Unlock()
		return false, nil
	}
	if r.persist != nil {
		if err := r.persist.SaveCredentials(c); err != nil {
			r.credsMu.Unlock()
			return false, fmt.Errorf("%w: save credentials: %w", ErrPersistence, err)
		}
	}
	r.creds = c
	r.credsMu.Unlock()
	r.events.Emit(Event{Type: EventCredentials, Data: c})
	return true, nil
}

func (r *Registry) updateConn(fn func(c *Connectivity)) bool {
	r.connMu.Lock()
	next := r.conn
	fn(&next)
	changed := next != r.conn
	r.conn = next
	r.connMu.Unlock()
	if changed {
		r.events.Emit(Event{Type: EventConnectivity, Data: next})
	}
	return changed
}

func (r *Registry) SetBleStatus(s BleStatus) bool {
	return r.updateConn(func(c *Connectivity) { c.Ble = s })
}

func (r *Registry) SetWiFiStatus(s WiFiStatus) bool {
	return r.updateConn(func(c *Connectivity) { c.WiFi = s })
}

func (r *Registry) SetWiFiScanStatus(s WiFiScanStatus) bool {
	return r.updateConn(func(c *Connectivity) { c.Scan = s })
}

func (r *Registry) SetWiFiDetails(d WiFiDetails) bool {
	return r.updateConn(func(c *Connectivity) { c.Details = d })
}

// SetOta records firmware update progress.
func (r *Registry) SetOta(s OtaState) bool {
	r.otaMu.Lock()
	changed := r.ota != s
	r.ota = s
	r.otaMu.Unlock()
	if changed {
		r.events.Emit(Event{Type: EventOta, Data: s})
	}
	return changed
}
