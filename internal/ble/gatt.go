// Package ble exposes device state over a GATT server. The radio stack sits
// behind the Peripheral interface; this package owns the service table, the
// idle timeout and the mapping between characteristics and router commands.
package ble

import "rgbw-ctrl/internal/protocol"

// Service UUIDs.
const (
	DeviceDetailsService = "12345678-1234-1234-1234-123456789000"
	HTTPDetailsService   = "12345678-1234-1234-1234-123456789001"
	OutputService        = "12345678-1234-1234-1234-123456789002"
	IntegrationService   = "12345678-1234-1234-1234-123456789003"
	PeersService         = "12345678-1234-1234-1234-123456789004"
	WiFiService          = "12345678-1234-1234-1234-123456789006"
)

// Characteristic UUIDs.
const (
	RestartChar         = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee0001"
	DeviceNameChar      = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee0002"
	FirmwareVersionChar = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee0003"
	HeapChar            = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee0004"
	HTTPCredentialsChar = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee1001"
	OutputColorChar     = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee2001"
	IntegrationChar     = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee3001"
	PeersChar           = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee4001"
	WiFiDetailsChar     = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee6001"
	WiFiStatusChar      = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee6002"
	WiFiScanStatusChar  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeee6003"
)

// RestartCommand is the value that must be written to RestartChar.
const RestartCommand = "RESTART_NOW"

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropNotify
)

// Characteristic is one entry of the GATT table. Type is the message type
// whose payload the characteristic carries; the restart characteristic has
// no message type and Raw set.
type Characteristic struct {
	Service string
	UUID    string
	Type    protocol.MessageType
	Props   Property
	Raw     bool
}

func (c Characteristic) Has(p Property) bool { return c.Props&p != 0 }

var table = []Characteristic{
	{Service: DeviceDetailsService, UUID: RestartChar, Props: PropWrite, Raw: true},
	{Service: DeviceDetailsService, UUID: DeviceNameChar, Type: protocol.TypeDeviceName, Props: PropRead | PropWrite | PropNotify},
	{Service: DeviceDetailsService, UUID: FirmwareVersionChar, Type: protocol.TypeFirmwareVersion, Props: PropRead | PropNotify},
	{Service: DeviceDetailsService, UUID: HeapChar, Type: protocol.TypeHeap, Props: PropRead | PropNotify},
	{Service: HTTPDetailsService, UUID: HTTPCredentialsChar, Type: protocol.TypeHTTPCredentials, Props: PropRead | PropWrite},
	{Service: OutputService, UUID: OutputColorChar, Type: protocol.TypeColor, Props: PropRead | PropWrite | PropNotify},
	{Service: IntegrationService, UUID: IntegrationChar, Type: protocol.TypeIntegrationSettings, Props: PropRead | PropWrite | PropNotify},
	{Service: PeersService, UUID: PeersChar, Type: protocol.TypePeerList, Props: PropRead | PropWrite | PropNotify},
	{Service: WiFiService, UUID: WiFiDetailsChar, Type: protocol.TypeWiFiDetails, Props: PropRead | PropNotify},
	{Service: WiFiService, UUID: WiFiStatusChar, Type: protocol.TypeWiFiStatus, Props: PropRead | PropWrite | PropNotify},
	{Service: WiFiService, UUID: WiFiScanStatusChar, Type: protocol.TypeWiFiScanStatus, Props: PropRead | PropWrite | PropNotify},
}

// Table returns a copy of the GATT table.
func Table() []Characteristic {
	return append([]Characteristic(nil), table...)
}

func lookup(uuid string) (Characteristic, bool) {
	for _, c := range table {
		if c.UUID == uuid {
			return c, true
		}
	}
	return Characteristic{}, false
}

// notifyChar returns the notifying characteristic carrying t.
func notifyChar(t protocol.MessageType) (Characteristic, bool) {
	for _, c := range table {
		if !c.Raw && c.Type == t && c.Has(PropNotify) {
			return c, true
		}
	}
	return Characteristic{}, false
}
