package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// MinIPv4HeaderSize is the size in bytes of an IPv4 header with no options
// (RFC 791 Section 3.1: 5 x 32-bit words).
const MinIPv4HeaderSize = 20

// ProtoTCP is the IPv4 protocol number for TCP (RFC 791, IANA assigned).
const ProtoTCP uint8 = 6

// ProtoUDP is the IPv4 protocol number for UDP (RFC 791, IANA assigned).
const ProtoUDP uint8 = 17

// ErrIPv4TooShort indicates a buffer too small to hold an IPv4 header.
var ErrIPv4TooShort = errors.New("ipv4 packet too short")

// ErrIPv4BadVersion indicates the Version field is not 4.
var ErrIPv4BadVersion = errors.New("not an IPv4 packet")

// ErrIPv4HeaderTruncated indicates IHL claims more header bytes than buf has.
var ErrIPv4HeaderTruncated = errors.New("ipv4 header length exceeds buffer")

// IPv4Packet is a decoded (or to-be-encoded) IPv4 datagram. Options are not
// modeled: PCP-over-OpenFlow traffic never carries them, and packets that
// do are rejected by ParseIPv4 only insofar as their declared header length
// is honored when slicing the payload.
type IPv4Packet struct {
	TTL      uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	Payload  []byte
}

// ParseIPv4 decodes an IPv4 header from buf (RFC 791 Section 3.1).
//
// Layout (no options):
//
//	Byte 0:      Version(4 bits) | IHL(4 bits)
//	Byte 1:      DSCP/ECN
//	Bytes 2-3:   Total Length
//	Bytes 4-5:   Identification
//	Bytes 6-7:   Flags(3 bits) | Fragment Offset(13 bits)
//	Byte 8:      TTL
//	Byte 9:      Protocol
//	Bytes 10-11: Header Checksum
//	Bytes 12-15: Source Address
//	Bytes 16-19: Destination Address
//	Bytes 20+:   Options (IHL > 5) then payload
//
// The returned Payload aliases buf; callers must copy if buf is reused.
// Checksum validation is left to the forwarder's hardware/software path;
// this codec only extracts the fields the controller needs to route and
// reframe PCP traffic.
func ParseIPv4(buf []byte) (IPv4Packet, error) {
	if len(buf) < MinIPv4HeaderSize {
		return IPv4Packet{}, fmt.Errorf("parse ipv4: %d bytes: %w", len(buf), ErrIPv4TooShort)
	}

	version := buf[0] >> 4
	if version != 4 {
		return IPv4Packet{}, fmt.Errorf("parse ipv4: version %d: %w", version, ErrIPv4BadVersion)
	}

	ihl := int(buf[0]&0x0F) * 4
	if ihl < MinIPv4HeaderSize {
		ihl = MinIPv4HeaderSize
	}
	if len(buf) < ihl {
		return IPv4Packet{}, fmt.Errorf("parse ipv4: ihl %d exceeds %d bytes: %w", ihl, len(buf), ErrIPv4HeaderTruncated)
	}

	var p IPv4Packet
	p.TTL = buf[8]
	p.Protocol = buf[9]
	p.Src = netip.AddrFrom4([4]byte(buf[12:16]))
	p.Dst = netip.AddrFrom4([4]byte(buf[16:20]))
	p.Payload = buf[ihl:]
	return p, nil
}

// EncodeIPv4 writes p as a minimal (no-options) IPv4 datagram into buf,
// returning the number of bytes written. The header checksum is computed
// per RFC 791 Section 3.1 (ones'-complement sum, folded to 16 bits).
func EncodeIPv4(p IPv4Packet, buf []byte) (int, error) {
	total := MinIPv4HeaderSize + len(p.Payload)
	if len(buf) < total {
		return 0, fmt.Errorf("encode ipv4: need %d bytes, have %d: %w", total, len(buf), ErrIPv4TooShort)
	}

	buf[0] = 0x45 // Version 4, IHL 5 (no options).
	buf[1] = 0    // DSCP/ECN.
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], 0) // Identification.
	binary.BigEndian.PutUint16(buf[6:8], 0) // Flags/Fragment Offset.
	buf[8] = p.TTL
	buf[9] = p.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // Checksum, filled below.

	src4 := p.Src.As4()
	dst4 := p.Dst.As4()
	copy(buf[12:16], src4[:])
	copy(buf[16:20], dst4[:])

	binary.BigEndian.PutUint16(buf[10:12], ipv4Checksum(buf[0:MinIPv4HeaderSize]))

	copy(buf[MinIPv4HeaderSize:], p.Payload)
	return total, nil
}

// ipv4Checksum computes the RFC 791 Section 3.1 Internet checksum over hdr,
// which must have its own checksum field already zeroed.
func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
