// Package radio links the controller to a serial-attached peer-to-peer radio
// dongle. The dongle forwards every packet it receives as a frame:
//
//	0xDE 0xAD | len (1) | sender address (6) | payload (len) | CRC-8
//
// The CRC covers the length, address and payload bytes.
package radio

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"rgbw-ctrl/internal/state"
)

const (
	sync0 = 0xDE
	sync1 = 0xAD

	// MaxPayload is the largest payload the dongle forwards.
	MaxPayload = 250
)

var ErrBadChecksum = errors.New("radio frame checksum mismatch")

// Packet is one frame received from the dongle.
type Packet struct {
	From    state.Address
	Payload []byte
}

// CRC-8 (poly 0x07, init 0x00).
var crcTable [256]uint8

func init() {
	const poly = 0x07
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

func crc8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crcTable[crc^b]
	}
	return crc
}

// EncodeFrame builds the dongle frame for p.
func EncodeFrame(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("radio payload is %d bytes, max %d", len(p.Payload), MaxPayload)
	}
	b := make([]byte, 0, 2+1+6+len(p.Payload)+1)
	b = append(b, sync0, sync1, byte(len(p.Payload)))
	b = append(b, p.From[:]...)
	b = append(b, p.Payload...)
	return append(b, crc8(b[2:])), nil
}

// readFrame reads the next frame, skipping bytes until the sync word.
func readFrame(r *bufio.Reader) (Packet, error) {
	if err := syncTo(r); err != nil {
		return Packet{}, err
	}
	n, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}
	if int(n) > MaxPayload {
		return Packet{}, fmt.Errorf("radio frame length %d exceeds %d", n, MaxPayload)
	}
	body := make([]byte, 1+6+int(n)+1)
	body[0] = n
	if _, err := io.ReadFull(r, body[1:]); err != nil {
		return Packet{}, err
	}
	last := len(body) - 1
	if crc8(body[:last]) != body[last] {
		return Packet{}, ErrBadChecksum
	}
	var p Packet
	copy(p.From[:], body[1:7])
	p.Payload = body[7:last]
	return p, nil
}

func syncTo(r *bufio.Reader) error {
	prev := byte(0)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if prev == sync0 && b == sync1 {
			return nil
		}
		prev = b
	}
}
