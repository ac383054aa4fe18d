package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// UDPHeaderSize is the size in bytes of a UDP header (RFC 768).
const UDPHeaderSize = 8

// ErrUDPTooShort indicates a buffer too small to hold a UDP header.
var ErrUDPTooShort = errors.New("udp datagram too short")

// UDPDatagram is a decoded (or to-be-encoded) UDP datagram.
type UDPDatagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseUDP decodes a UDP header from buf (RFC 768).
//
// Layout:
//
//	Bytes 0-1: Source Port
//	Bytes 2-3: Destination Port
//	Bytes 4-5: Length (header + payload)
//	Bytes 6-7: Checksum
//	Bytes 8+:  Payload
//
// The returned Payload aliases buf; callers must copy if buf is reused.
// The Length field is honored when present and consistent, so that link
// layer padding on short frames doesn't leak into the PCP payload.
func ParseUDP(buf []byte) (UDPDatagram, error) {
	if len(buf) < UDPHeaderSize {
		return UDPDatagram{}, fmt.Errorf("parse udp: %d bytes: %w", len(buf), ErrUDPTooShort)
	}

	var d UDPDatagram
	d.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	d.DstPort = binary.BigEndian.Uint16(buf[2:4])

	length := int(binary.BigEndian.Uint16(buf[4:6]))
	end := len(buf)
	if length >= UDPHeaderSize && length <= len(buf) {
		end = length
	}
	d.Payload = buf[UDPHeaderSize:end]
	return d, nil
}

// EncodeUDP writes d into buf as a UDP datagram with a zero checksum
// (permitted over IPv4 by RFC 768; PCP transport does not depend on it),
// returning the number of bytes written.
func EncodeUDP(d UDPDatagram, buf []byte) (int, error) {
	total := UDPHeaderSize + len(d.Payload)
	if len(buf) < total {
		return 0, fmt.Errorf("encode udp: need %d bytes, have %d: %w", total, len(buf), ErrUDPTooShort)
	}

	binary.BigEndian.PutUint16(buf[0:2], d.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], d.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	binary.BigEndian.PutUint16(buf[6:8], 0) // Checksum: zero permitted over IPv4.
	copy(buf[UDPHeaderSize:], d.Payload)
	return total, nil
}
