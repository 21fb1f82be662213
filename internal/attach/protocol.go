// Package attach exposes an emulated device to a virtual machine
// monitor over a unix socket. The monitor drives the device with
// register access messages; the device reaches back into the monitor
// for guest memory and signals interrupt line changes as events.
package attach

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types. Requests from the monitor use the 0x01xx range,
// requests from the device use 0x02xx, events 0x03xx and responses
// 0xFFxx.
const (
	// Monitor to device.
	MsgMMIORead   uint16 = 0x0100
	MsgMMIOWrite  uint16 = 0x0101
	MsgDeviceInfo uint16 = 0x0102
	MsgReset      uint16 = 0x0103

	// Device to monitor, issued while a monitor request is in flight.
	MsgDMARead  uint16 = 0x0200
	MsgDMAWrite uint16 = 0x0201

	// Device to monitor, fire-and-forget.
	MsgIRQLevel uint16 = 0x0300

	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// Register regions addressed by MMIO messages.
const (
	RegionMMIO uint8 = 0 // BAR0 register file
	RegionIO   uint8 = 1 // BAR1 I/O window
)

// Wire format:
// [2 bytes: msg_type (big endian)]
// [4 bytes: payload_len (big endian)]
// [payload_len bytes: payload]

// Header is one message header.
type Header struct {
	Type   uint16
	Length uint32
}

// HeaderSize is the encoded header length in bytes.
const HeaderSize = 6

// MaxPayload bounds a payload so a broken peer cannot make us allocate
// arbitrary amounts. Large enough for a full jumbo DMA transfer.
const MaxPayload = 1 << 20

// ReadMessage reads one header and payload.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, nil, err
	}
	hdr := Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}
	if hdr.Length > MaxPayload {
		return Header{}, nil, fmt.Errorf("message payload of %d bytes exceeds limit", hdr.Length)
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, err
	}
	return hdr, payload, nil
}

// WriteMessage writes one header and payload.
func WriteMessage(w io.Writer, msgType uint16, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Payload layouts. All fixed-width fields are big endian, matching the
// header.

func encodeMMIOAccess(region uint8, offset uint64, data []byte) []byte {
	p := make([]byte, 9+len(data))
	p[0] = region
	binary.BigEndian.PutUint64(p[1:9], offset)
	copy(p[9:], data)
	return p
}

func encodeMMIORead(region uint8, offset uint64, width uint32) []byte {
	p := make([]byte, 13)
	p[0] = region
	binary.BigEndian.PutUint64(p[1:9], offset)
	binary.BigEndian.PutUint32(p[9:13], width)
	return p
}

func decodeMMIORead(p []byte) (region uint8, offset uint64, width uint32, err error) {
	if len(p) != 13 {
		return 0, 0, 0, fmt.Errorf("mmio read payload of %d bytes, want 13", len(p))
	}
	return p[0], binary.BigEndian.Uint64(p[1:9]), binary.BigEndian.Uint32(p[9:13]), nil
}

func decodeMMIOWrite(p []byte) (region uint8, offset uint64, data []byte, err error) {
	if len(p) < 9 {
		return 0, 0, nil, fmt.Errorf("mmio write payload of %d bytes, want at least 9", len(p))
	}
	return p[0], binary.BigEndian.Uint64(p[1:9]), p[9:], nil
}

func encodeDMARead(addr uint64, length uint32) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint64(p[0:8], addr)
	binary.BigEndian.PutUint32(p[8:12], length)
	return p
}

func encodeDMAWrite(addr uint64, data []byte) []byte {
	p := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(p[0:8], addr)
	copy(p[8:], data)
	return p
}
