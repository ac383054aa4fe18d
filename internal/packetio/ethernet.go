// Package packetio hand-decodes and hand-encodes the Ethernet/IPv4/UDP/ARP
// frames that carry PCP requests and ARP traffic inside OpenFlow packet-in
// messages, and that carry PCP responses and ARP replies back out through
// packet-out messages.
//
// There is no third-party packet-framing library in play here; these
// codecs are written in the same zero-allocation, byte-offset-commented
// style as the PCP wire codec itself (see internal/pcp), because framing
// packet-in payloads is exactly the same kind of problem the PCP codec
// solves, just one layer further down the stack.
package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EthernetHeaderSize is the size in bytes of an untagged Ethernet II header.
const EthernetHeaderSize = 14

// MACSize is the size in bytes of a MAC address.
const MACSize = 6

// EtherType identifies the payload carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// MAC is a 6-byte hardware address.
type MAC [MACSize]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// ErrFrameTooShort indicates a buffer too small to hold an Ethernet header.
var ErrFrameTooShort = errors.New("ethernet frame too short")

// EthernetFrame is a decoded (or to-be-encoded) Ethernet II frame.
type EthernetFrame struct {
	Dst       MAC
	Src       MAC
	EtherType EtherType
	Payload   []byte
}

// ParseEthernet decodes an Ethernet II header from buf (RFC 894).
//
// Layout:
//
//	Bytes 0-5:   Destination MAC
//	Bytes 6-11:  Source MAC
//	Bytes 12-13: EtherType
//	Bytes 14+:   Payload
//
// The returned Payload aliases buf; callers must copy if buf is reused.
func ParseEthernet(buf []byte) (EthernetFrame, error) {
	if len(buf) < EthernetHeaderSize {
		return EthernetFrame{}, fmt.Errorf("parse ethernet: %d bytes: %w", len(buf), ErrFrameTooShort)
	}
	var f EthernetFrame
	copy(f.Dst[:], buf[0:6])
	copy(f.Src[:], buf[6:12])
	f.EtherType = EtherType(binary.BigEndian.Uint16(buf[12:14]))
	f.Payload = buf[EthernetHeaderSize:]
	return f, nil
}

// EncodeEthernet writes f's header and payload into buf, returning the
// number of bytes written.
func EncodeEthernet(f EthernetFrame, buf []byte) (int, error) {
	total := EthernetHeaderSize + len(f.Payload)
	if len(buf) < total {
		return 0, fmt.Errorf("encode ethernet: need %d bytes, have %d: %w", total, len(buf), ErrFrameTooShort)
	}
	copy(buf[0:6], f.Dst[:])
	copy(buf[6:12], f.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(f.EtherType))
	copy(buf[EthernetHeaderSize:], f.Payload)
	return total, nil
}
