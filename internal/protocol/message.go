// Package protocol implements the fixed-layout binary messages shared by the
// BLE and WebSocket transports, and the one-byte radio commands.
//
// A frame is a one-byte MessageType followed by a packed little-endian payload
// whose size is fixed per type. Strings travel as NUL-terminated buffers.
package protocol

import (
	"errors"
	"fmt"

	"rgbw-ctrl/internal/state"
)

var (
	// ErrUnknownCommand is returned for a discriminant outside the closed set.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformedPayload is returned when a payload is not the exact size for its type.
	ErrMalformedPayload = errors.New("malformed payload")
)

// MessageType is the frame discriminant.
type MessageType uint8

const (
	TypeHeap MessageType = iota
	TypeDeviceName
	TypeFirmwareVersion
	TypeColor
	TypeHTTPCredentials
	TypeBleStatus
	TypeWiFiStatus
	TypeWiFiScanStatus
	TypeWiFiDetails
	TypeWiFiConnectionDetails
	TypeOtaProgress
	TypeIntegrationSettings
	TypePeerList
	typeCount
)

var typeNames = [typeCount]string{
	"ON_HEAP",
	"ON_DEVICE_NAME",
	"ON_FIRMWARE_VERSION",
	"ON_COLOR",
	"ON_HTTP_CREDENTIALS",
	"ON_BLE_STATUS",
	"ON_WIFI_STATUS",
	"ON_WIFI_SCAN_STATUS",
	"ON_WIFI_DETAILS",
	"ON_WIFI_CONNECTION_DETAILS",
	"ON_OTA_PROGRESS",
	"ON_ALEXA_INTEGRATION_SETTINGS",
	"ON_ESP_NOW_DEVICES",
}

func (t MessageType) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Valid reports whether t is in the closed set.
func (t MessageType) Valid() bool { return t < typeCount }

// Field sizes of the packed layouts.
const (
	deviceNameSize      = state.MaxDeviceNameLen + 1      // 29
	firmwareSize        = state.MaxFirmwareLen + 1        // 10
	credentialSize      = state.MaxCredentialLen + 1      // 33
	ssidSize            = state.MaxSSIDLen + 1            // 33
	wifiSecretSize      = state.MaxWiFiSecretLen + 1      // 65
	integrationNameSize = state.MaxIntegrationNameLen + 1 // 32
	peerNameSize        = state.MaxPeerNameLen + 1        // 24

	// PeerRecordSize is one allow-list entry: name buffer plus address.
	PeerRecordSize = peerNameSize + 6
)

// Fixed payload sizes, excluding the type byte. The peer list is 1 + n records.
const (
	HeapSize                  = 4
	DeviceNameSize            = deviceNameSize
	FirmwareVersionSize       = firmwareSize
	ColorSize                 = 2 * state.ChannelCount
	HTTPCredentialsSize       = 2 * credentialSize
	BleStatusSize             = 1
	WiFiStatusSize            = 1
	WiFiScanStatusSize        = 1
	WiFiScanRequestSize       = 0
	WiFiDetailsSize           = ssidSize + 6 + 4*4
	WiFiConnectionDetailsSize = 1 + ssidSize + 3*wifiSecretSize + 1
	OtaProgressSize           = 1 + 4 + 4
	IntegrationSettingsSize   = 1 + state.ChannelCount*integrationNameSize
)

// Message is one decoded frame. The concrete types below are the only
// implementations; switch on them to handle a message.
type Message interface {
	Type() MessageType
	appendPayload(b []byte) []byte
}

// Heap reports free memory in bytes.
type Heap struct{ Free uint32 }

// DeviceName carries the device name.
type DeviceName struct{ Name string }

// FirmwareVersion carries the running firmware version.
type FirmwareVersion struct{ Version string }

// Color carries the full output state.
type Color struct{ Output state.Output }

// HTTPCredentials carries the basic-auth pair.
type HTTPCredentials struct{ Credentials state.Credentials }

// BleStatus carries the GATT server state.
type BleStatus struct{ Status state.BleStatus }

// WiFiStatus reports the station connection state.
type WiFiStatus struct{ Status state.WiFiStatus }

// WiFiScanStatus reports the scan state.
type WiFiScanStatus struct{ Status state.WiFiScanStatus }

// WiFiScanRequest is the inbound, payload-less request to start a scan.
type WiFiScanRequest struct{}

// WiFiDetails reports the current station link.
type WiFiDetails struct{ Details state.WiFiDetails }

// WiFiConnect is an inbound request to join a network. It is accepted under
// both TypeWiFiStatus and TypeWiFiConnectionDetails.
type WiFiConnect struct {
	Via         MessageType
	Credentials state.WiFiCredentials
}

// OtaProgress reports firmware update progress.
type OtaProgress struct{ State state.OtaState }

// IntegrationSettings carries the voice-assistant configuration.
type IntegrationSettings struct{ Settings state.IntegrationSettings }

// PeerList carries the radio allow-list.
type PeerList struct{ Peers state.PeerList }

func (Heap) Type() MessageType                { return TypeHeap }
func (DeviceName) Type() MessageType          { return TypeDeviceName }
func (FirmwareVersion) Type() MessageType     { return TypeFirmwareVersion }
func (Color) Type() MessageType               { return TypeColor }
func (HTTPCredentials) Type() MessageType     { return TypeHTTPCredentials }
func (BleStatus) Type() MessageType           { return TypeBleStatus }
func (WiFiStatus) Type() MessageType          { return TypeWiFiStatus }
func (WiFiScanStatus) Type() MessageType      { return TypeWiFiScanStatus }
func (WiFiScanRequest) Type() MessageType     { return TypeWiFiScanStatus }
func (WiFiDetails) Type() MessageType         { return TypeWiFiDetails }
func (OtaProgress) Type() MessageType         { return TypeOtaProgress }
func (IntegrationSettings) Type() MessageType { return TypeIntegrationSettings }
func (PeerList) Type() MessageType            { return TypePeerList }

func (m WiFiConnect) Type() MessageType {
	if m.Via == TypeWiFiStatus {
		return TypeWiFiStatus
	}
	return TypeWiFiConnectionDetails
}
