package state

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Build-time bounds of the device model.
const (
	ChannelCount          = 4
	DefaultOnValue        = 255
	MaxDeviceNameLen      = 28
	MaxFirmwareLen        = 9
	MaxIntegrationNameLen = 31
	MaxPeerNameLen        = 23
	MaxPeers              = 10
	MaxCredentialLen      = 32
	MaxSSIDLen            = 32
	MaxWiFiSecretLen      = 64
)

// Channel indexes into Output.Channels.
const (
	Red = iota
	Green
	Blue
	White
)

var channelNames = [ChannelCount]string{"red", "green", "blue", "white"}

// ChannelName returns the lower-case color name of channel i.
func ChannelName(i int) string {
	if i < 0 || i >= ChannelCount {
		return fmt.Sprintf("channel%d", i)
	}
	return channelNames[i]
}

// Channel is one physical output. Value is remembered while the channel is off.
type Channel struct {
	On    bool  `json:"on"`
	Value uint8 `json:"value"`
}

// Visible reports whether the channel currently emits light.
func (c Channel) Visible() bool {
	return c.On && c.Value > 0
}

// Output is the ordered set of channels.
type Output struct {
	Channels [ChannelCount]Channel
}

// AnyVisible reports whether at least one channel emits light.
func (o Output) AnyVisible() bool {
	for _, c := range o.Channels {
		if c.Visible() {
			return true
		}
	}
	return false
}

// Levels returns the effective intensity of each channel (0 when off).
func (o Output) Levels() [ChannelCount]uint8 {
	var out [ChannelCount]uint8
	for i, c := range o.Channels {
		if c.On {
			out[i] = c.Value
		}
	}
	return out
}

// OutputFromLevels builds an output where each channel is on iff its level is nonzero.
func OutputFromLevels(levels [ChannelCount]uint8) Output {
	var o Output
	for i, v := range levels {
		o.Channels[i] = Channel{On: v > 0, Value: v}
	}
	return o
}

// Identity describes the device itself.
type Identity struct {
	Name     string
	Firmware string
	FreeHeap uint32
}

// BleStatus is the state of the BLE GATT server.
type BleStatus uint8

const (
	BleOff BleStatus = iota
	BleAdvertising
	BleConnected
)

func (s BleStatus) String() string {
	switch s {
	case BleOff:
		return "OFF"
	case BleAdvertising:
		return "ADVERTISING"
	case BleConnected:
		return "CONNECTED"
	}
	return fmt.Sprintf("BleStatus(%d)", uint8(s))
}

// WiFiStatus is the station connection state.
type WiFiStatus uint8

const (
	WiFiDisconnected WiFiStatus = iota
	WiFiConnecting
	WiFiConnected
	WiFiFailed
)

func (s WiFiStatus) String() string {
	switch s {
	case WiFiDisconnected:
		return "DISCONNECTED"
	case WiFiConnecting:
		return "CONNECTING"
	case WiFiConnected:
		return "CONNECTED"
	case WiFiFailed:
		return "FAILED"
	}
	return fmt.Sprintf("WiFiStatus(%d)", uint8(s))
}

// WiFiScanStatus is the state of the access point scan.
type WiFiScanStatus uint8

const (
	ScanIdle WiFiScanStatus = iota
	Scanning
	ScanDone
)

func (s WiFiScanStatus) String() string {
	switch s {
	case ScanIdle:
		return "IDLE"
	case Scanning:
		return "SCANNING"
	case ScanDone:
		return "DONE"
	}
	return fmt.Sprintf("WiFiScanStatus(%d)", uint8(s))
}

// WiFiDetails describes the current station link. Addresses are in network order.
type WiFiDetails struct {
	SSID    string
	MAC     Address
	IP      [4]byte
	Gateway [4]byte
	Subnet  [4]byte
	DNS     [4]byte
}

// Connectivity groups the independent link sub-states.
type Connectivity struct {
	Ble     BleStatus
	WiFi    WiFiStatus
	Scan    WiFiScanStatus
	Details WiFiDetails
}

// WiFiEncryption is the authentication scheme of a WiFi network.
type WiFiEncryption uint8

const (
	EncryptionOpen WiFiEncryption = iota
	EncryptionWEP
	EncryptionWPAPSK
	EncryptionWPA2PSK
	EncryptionWPAWPA2PSK
	EncryptionWPA2Enterprise
	EncryptionWPA3PSK
	EncryptionWPA2WPA3PSK
	encryptionCount
)

// Valid reports whether e is a known scheme.
func (e WiFiEncryption) Valid() bool { return e < encryptionCount }

// Enterprise reports whether e authenticates with EAP identity fields.
func (e WiFiEncryption) Enterprise() bool { return e == EncryptionWPA2Enterprise }

// WiFiCredentials is a request to join a network.
type WiFiCredentials struct {
	Encryption WiFiEncryption
	SSID       string
	Password   string
	Identity   string
	Username   string
	Phase2     uint8
}

// IntegrationMode selects the voice-assistant device topology.
type IntegrationMode uint8

const (
	IntegrationOff IntegrationMode = iota
	IntegrationRGBW
	IntegrationRGB
	IntegrationMulti
	integrationModeCount
)

// Valid reports whether m is a known mode.
func (m IntegrationMode) Valid() bool { return m < integrationModeCount }

func (m IntegrationMode) String() string {
	switch m {
	case IntegrationOff:
		return "OFF"
	case IntegrationRGBW:
		return "RGBW_DEVICE"
	case IntegrationRGB:
		return "RGB_DEVICE"
	case IntegrationMulti:
		return "MULTI_DEVICE"
	}
	return fmt.Sprintf("IntegrationMode(%d)", uint8(m))
}

// Slots returns the Names indexes the mode uses. Names are indexed by
// channel; the RGB mode names its color light in slot 0 and its white light
// in the white slot.
func (m IntegrationMode) Slots() []int {
	switch m {
	case IntegrationRGBW:
		return []int{Red}
	case IntegrationRGB:
		return []int{Red, White}
	case IntegrationMulti:
		return []int{Red, Green, Blue, White}
	}
	return nil
}

// IntegrationSettings configures the voice-assistant bridge. Only the names
// in Mode.Slots() are meaningful.
type IntegrationSettings struct {
	Mode  IntegrationMode
	Names [ChannelCount]string
}

// ActiveNames returns the names used by the selected mode.
func (s IntegrationSettings) ActiveNames() []string {
	slots := s.Mode.Slots()
	out := make([]string, 0, len(slots))
	for _, i := range slots {
		out = append(out, s.Names[i])
	}
	return out
}

// Credentials guard the HTTP surface with basic auth.
type Credentials struct {
	Username string
	Password string
}

// OtaStatus is the firmware update phase.
type OtaStatus uint8

const (
	OtaIdle OtaStatus = iota
	OtaStarted
	OtaCompleted
	OtaFailed
)

func (s OtaStatus) String() string {
	switch s {
	case OtaIdle:
		return "IDLE"
	case OtaStarted:
		return "STARTED"
	case OtaCompleted:
		return "COMPLETED"
	case OtaFailed:
		return "FAILED"
	}
	return fmt.Sprintf("OtaStatus(%d)", uint8(s))
}

// OtaState reports update progress in bytes.
type OtaState struct {
	Status   OtaStatus
	Expected uint32
	Received uint32
}

// Address is a 6-byte hardware address.
type Address [6]byte

// String formats the address as AA:BB:CC:DD:EE:FF.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddress accepts AA:BB:CC:DD:EE:FF, AA-BB-.. or a bare 12-digit hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(clean) != 12 {
		return a, fmt.Errorf("parse address %q: want 6 bytes", s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// Peer is a radio remote allowed to send commands.
type Peer struct {
	Name    string
	Address Address
}

// PeerList is the bounded, address-unique radio allow-list. The zero value is
// an empty list. PeerList is comparable with ==.
type PeerList struct {
	peers [MaxPeers]Peer
	n     int
}

// NewPeerList validates peers and returns them as a list.
func NewPeerList(peers ...Peer) (PeerList, error) {
	var l PeerList
	if len(peers) > MaxPeers {
		return l, fmt.Errorf("%w: %d peers, max %d", ErrInvalidValue, len(peers), MaxPeers)
	}
	for i, p := range peers {
		if len(p.Name) > MaxPeerNameLen {
			return PeerList{}, fmt.Errorf("%w: peer name %q longer than %d bytes", ErrInvalidValue, p.Name, MaxPeerNameLen)
		}
		for _, q := range peers[:i] {
			if q.Address == p.Address {
				return PeerList{}, fmt.Errorf("%w: duplicate peer address %s", ErrInvalidValue, p.Address)
			}
		}
		l.peers[i] = p
	}
	l.n = len(peers)
	return l, nil
}

// Len returns the number of peers.
func (l PeerList) Len() int { return l.n }

// At returns the i-th peer.
func (l PeerList) At(i int) Peer { return l.peers[:l.n][i] }

// All returns a copy of the peers in order.
func (l PeerList) All() []Peer {
	return append([]Peer(nil), l.peers[:l.n]...)
}

// Contains reports whether addr is allowed.
func (l PeerList) Contains(addr Address) bool {
	_, ok := l.Find(addr)
	return ok
}

// Find looks a peer up by address.
func (l PeerList) Find(addr Address) (Peer, bool) {
	for _, p := range l.peers[:l.n] {
		if p.Address == addr {
			return p, true
		}
	}
	return Peer{}, false
}

// FindByName looks a peer up by exact name.
func (l PeerList) FindByName(name string) (Peer, bool) {
	for _, p := range l.peers[:l.n] {
		if p.Name == name {
			return p, true
		}
	}
	return Peer{}, false
}
