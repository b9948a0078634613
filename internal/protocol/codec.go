package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"rgbw-ctrl/internal/state"
)

// maxPhase2 is the highest EAP-TTLS inner method id.
const maxPhase2 = 4

// Encode returns the full frame for m: type byte followed by the payload.
func Encode(m Message) []byte {
	b := make([]byte, 1, 1+PayloadSize(m))
	b[0] = byte(m.Type())
	return m.appendPayload(b)
}

// Payload returns m's payload without the type byte, as carried by a BLE
// characteristic.
func Payload(m Message) []byte {
	return m.appendPayload(nil)
}

// PayloadSize returns the encoded payload length of m.
func PayloadSize(m Message) int {
	switch v := m.(type) {
	case PeerList:
		return 1 + v.Peers.Len()*PeerRecordSize
	case WiFiScanRequest:
		return 0
	case WiFiStatus:
		return WiFiStatusSize
	case WiFiScanStatus:
		return WiFiScanStatusSize
	case WiFiConnect:
		return WiFiConnectionDetailsSize
	}
	size, _ := inboundSize(m.Type())
	return size
}

// inboundSize is the exact payload size accepted for t, or -1 for the
// variable-length peer list.
func inboundSize(t MessageType) (int, bool) {
	switch t {
	case TypeHeap:
		return HeapSize, true
	case TypeDeviceName:
		return DeviceNameSize, true
	case TypeFirmwareVersion:
		return FirmwareVersionSize, true
	case TypeColor:
		return ColorSize, true
	case TypeHTTPCredentials:
		return HTTPCredentialsSize, true
	case TypeBleStatus:
		return BleStatusSize, true
	case TypeWiFiStatus:
		return WiFiConnectionDetailsSize, true
	case TypeWiFiScanStatus:
		return WiFiScanRequestSize, true
	case TypeWiFiDetails:
		return WiFiDetailsSize, true
	case TypeWiFiConnectionDetails:
		return WiFiConnectionDetailsSize, true
	case TypeOtaProgress:
		return OtaProgressSize, true
	case TypeIntegrationSettings:
		return IntegrationSettingsSize, true
	case TypePeerList:
		return -1, true
	}
	return 0, false
}

// Decode parses an inbound frame. Errors wrap ErrUnknownCommand,
// ErrMalformedPayload or state.ErrInvalidValue, checked in that order.
func Decode(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedPayload)
	}
	return DecodePayload(MessageType(raw[0]), raw[1:])
}

// DecodePayload parses an inbound payload whose type is known out of band.
//
// Inbound layouts differ from outbound ones for two types: TypeWiFiStatus
// carries connection details like TypeWiFiConnectionDetails, and
// TypeWiFiScanStatus carries no payload and requests a scan.
func DecodePayload(t MessageType, p []byte) (Message, error) {
	size, ok := inboundSize(t)
	if !ok {
		return nil, fmt.Errorf("%w: type %d", ErrUnknownCommand, uint8(t))
	}
	if t == TypePeerList {
		return decodePeerList(p)
	}
	if len(p) != size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformedPayload, t, len(p), size)
	}

	switch t {
	case TypeHeap:
		return Heap{Free: binary.LittleEndian.Uint32(p)}, nil

	case TypeDeviceName:
		name, err := cString(p, "device name")
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty device name", state.ErrInvalidValue)
		}
		return DeviceName{Name: name}, nil

	case TypeFirmwareVersion:
		v, err := cString(p, "firmware version")
		if err != nil {
			return nil, err
		}
		return FirmwareVersion{Version: v}, nil

	case TypeColor:
		var o state.Output
		for i := range o.Channels {
			o.Channels[i] = state.Channel{On: p[2*i] != 0, Value: p[2*i+1]}
		}
		return Color{Output: o}, nil

	case TypeHTTPCredentials:
		user, err := cString(p[:credentialSize], "username")
		if err != nil {
			return nil, err
		}
		pass, err := cString(p[credentialSize:], "password")
		if err != nil {
			return nil, err
		}
		if user == "" || pass == "" {
			return nil, fmt.Errorf("%w: empty credentials", state.ErrInvalidValue)
		}
		return HTTPCredentials{Credentials: state.Credentials{Username: user, Password: pass}}, nil

	case TypeBleStatus:
		s := state.BleStatus(p[0])
		if s != state.BleOff && s != state.BleAdvertising {
			return nil, fmt.Errorf("%w: ble status %d", state.ErrInvalidValue, p[0])
		}
		return BleStatus{Status: s}, nil

	case TypeWiFiStatus, TypeWiFiConnectionDetails:
		creds, err := decodeWiFiCredentials(p)
		if err != nil {
			return nil, err
		}
		return WiFiConnect{Via: t, Credentials: creds}, nil

	case TypeWiFiScanStatus:
		return WiFiScanRequest{}, nil

	case TypeWiFiDetails:
		ssid, err := cString(p[:ssidSize], "ssid")
		if err != nil {
			return nil, err
		}
		d := state.WiFiDetails{SSID: ssid}
		off := ssidSize
		off += copy(d.MAC[:], p[off:])
		off += copy(d.IP[:], p[off:])
		off += copy(d.Gateway[:], p[off:])
		off += copy(d.Subnet[:], p[off:])
		copy(d.DNS[:], p[off:])
		return WiFiDetails{Details: d}, nil

	case TypeOtaProgress:
		s := state.OtaStatus(p[0])
		if s > state.OtaFailed {
			return nil, fmt.Errorf("%w: ota status %d", state.ErrInvalidValue, p[0])
		}
		return OtaProgress{State: state.OtaState{
			Status:   s,
			Expected: binary.LittleEndian.Uint32(p[1:5]),
			Received: binary.LittleEndian.Uint32(p[5:9]),
		}}, nil

	case TypeIntegrationSettings:
		s := state.IntegrationSettings{Mode: state.IntegrationMode(p[0])}
		if !s.Mode.Valid() {
			return nil, fmt.Errorf("%w: integration mode %d", state.ErrInvalidValue, p[0])
		}
		for i := range s.Names {
			off := 1 + i*integrationNameSize
			name, err := cString(p[off:off+integrationNameSize], "integration name")
			if err != nil {
				return nil, err
			}
			s.Names[i] = name
		}
		return IntegrationSettings{Settings: s}, nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrUnknownCommand, uint8(t))
}

func decodeWiFiCredentials(p []byte) (state.WiFiCredentials, error) {
	var c state.WiFiCredentials
	c.Encryption = state.WiFiEncryption(p[0])
	if !c.Encryption.Valid() {
		return c, fmt.Errorf("%w: wifi encryption %d", state.ErrInvalidValue, p[0])
	}
	off := 1
	fields := []struct {
		dst  *string
		size int
		name string
	}{
		{&c.SSID, ssidSize, "ssid"},
		{&c.Password, wifiSecretSize, "wifi password"},
		{&c.Identity, wifiSecretSize, "eap identity"},
		{&c.Username, wifiSecretSize, "eap username"},
	}
	for _, f := range fields {
		s, err := cString(p[off:off+f.size], f.name)
		if err != nil {
			return c, err
		}
		*f.dst = s
		off += f.size
	}
	c.Phase2 = p[off]
	if c.SSID == "" {
		return c, fmt.Errorf("%w: empty ssid", state.ErrInvalidValue)
	}
	if c.Phase2 > maxPhase2 {
		return c, fmt.Errorf("%w: eap phase2 %d", state.ErrInvalidValue, c.Phase2)
	}
	return c, nil
}

// cString reads a NUL-terminated string filling buf.
func cString(buf []byte, field string) (string, error) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: %s not terminated", state.ErrInvalidValue, field)
	}
	return string(buf[:i]), nil
}

// appendCString writes s into a zero-padded buffer of size bytes, truncating
// so the terminator always fits.
func appendCString(b []byte, s string, size int) []byte {
	if len(s) > size-1 {
		s = s[:size-1]
	}
	b = append(b, s...)
	return append(b, make([]byte, size-len(s))...)
}

func (m Heap) appendPayload(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, m.Free)
}

func (m DeviceName) appendPayload(b []byte) []byte {
	return appendCString(b, m.Name, deviceNameSize)
}

func (m FirmwareVersion) appendPayload(b []byte) []byte {
	return appendCString(b, m.Version, firmwareSize)
}

func (m Color) appendPayload(b []byte) []byte {
	for _, c := range m.Output.Channels {
		on := byte(0)
		if c.On {
			on = 1
		}
		b = append(b, on, c.Value)
	}
	return b
}

func (m HTTPCredentials) appendPayload(b []byte) []byte {
	b = appendCString(b, m.Credentials.Username, credentialSize)
	return appendCString(b, m.Credentials.Password, credentialSize)
}

func (m BleStatus) appendPayload(b []byte) []byte      { return append(b, byte(m.Status)) }
func (m WiFiStatus) appendPayload(b []byte) []byte     { return append(b, byte(m.Status)) }
func (m WiFiScanStatus) appendPayload(b []byte) []byte { return append(b, byte(m.Status)) }
func (WiFiScanRequest) appendPayload(b []byte) []byte  { return b }

func (m WiFiDetails) appendPayload(b []byte) []byte {
	d := m.Details
	b = appendCString(b, d.SSID, ssidSize)
	b = append(b, d.MAC[:]...)
	b = append(b, d.IP[:]...)
	b = append(b, d.Gateway[:]...)
	b = append(b, d.Subnet[:]...)
	return append(b, d.DNS[:]...)
}

func (m WiFiConnect) appendPayload(b []byte) []byte {
	c := m.Credentials
	b = append(b, byte(c.Encryption))
	b = appendCString(b, c.SSID, ssidSize)
	b = appendCString(b, c.Password, wifiSecretSize)
	b = appendCString(b, c.Identity, wifiSecretSize)
	b = appendCString(b, c.Username, wifiSecretSize)
	return append(b, c.Phase2)
}

func (m OtaProgress) appendPayload(b []byte) []byte {
	b = append(b, byte(m.State.Status))
	b = binary.LittleEndian.AppendUint32(b, m.State.Expected)
	return binary.LittleEndian.AppendUint32(b, m.State.Received)
}

func (m IntegrationSettings) appendPayload(b []byte) []byte {
	b = append(b, byte(m.Settings.Mode))
	for _, n := range m.Settings.Names {
		b = appendCString(b, n, integrationNameSize)
	}
	return b
}

func (m PeerList) appendPayload(b []byte) []byte {
	b = append(b, byte(m.Peers.Len()))
	return AppendPeerRecords(b, m.Peers)
}
