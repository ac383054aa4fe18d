package packetio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ARPPacketSize is the size in bytes of an ARP packet for Ethernet/IPv4
// (RFC 826, RFC 5227 for the gratuitous/probe variants).
const ARPPacketSize = 28

// ARPOpcode identifies an ARP request or reply.
type ARPOpcode uint16

const (
	ARPOpRequest ARPOpcode = 1
	ARPOpReply   ARPOpcode = 2
)

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = uint16(EtherTypeIPv4)
)

// ErrARPTooShort indicates a buffer too small to hold an ARP packet.
var ErrARPTooShort = errors.New("arp packet too short")

// ErrARPNotEthernetIPv4 indicates an ARP packet for address families other
// than Ethernet/IPv4, which this implementation does not support.
var ErrARPNotEthernetIPv4 = errors.New("arp packet is not ethernet/ipv4")

// ARPPacket is a decoded (or to-be-encoded) Ethernet/IPv4 ARP packet.
type ARPPacket struct {
	Opcode    ARPOpcode
	SenderMAC MAC
	SenderIP  netip.Addr
	TargetMAC MAC
	TargetIP  netip.Addr
}

// ParseARP decodes an Ethernet/IPv4 ARP packet from buf (RFC 826).
//
// Layout:
//
//	Bytes 0-1:   Hardware Type (1 = Ethernet)
//	Bytes 2-3:   Protocol Type (0x0800 = IPv4)
//	Byte 4:      Hardware Address Length (6)
//	Byte 5:      Protocol Address Length (4)
//	Bytes 6-7:   Opcode
//	Bytes 8-13:  Sender Hardware Address
//	Bytes 14-17: Sender Protocol Address
//	Bytes 18-23: Target Hardware Address
//	Bytes 24-27: Target Protocol Address
func ParseARP(buf []byte) (ARPPacket, error) {
	if len(buf) < ARPPacketSize {
		return ARPPacket{}, fmt.Errorf("parse arp: %d bytes: %w", len(buf), ErrARPTooShort)
	}

	htype := binary.BigEndian.Uint16(buf[0:2])
	ptype := binary.BigEndian.Uint16(buf[2:4])
	hlen := buf[4]
	plen := buf[5]
	if htype != arpHTypeEthernet || ptype != arpPTypeIPv4 || hlen != MACSize || plen != 4 {
		return ARPPacket{}, fmt.Errorf("parse arp: %w", ErrARPNotEthernetIPv4)
	}

	var p ARPPacket
	p.Opcode = ARPOpcode(binary.BigEndian.Uint16(buf[6:8]))
	copy(p.SenderMAC[:], buf[8:14])
	p.SenderIP = netip.AddrFrom4([4]byte(buf[14:18]))
	copy(p.TargetMAC[:], buf[18:24])
	p.TargetIP = netip.AddrFrom4([4]byte(buf[24:28]))
	return p, nil
}

// EncodeARP writes p as an Ethernet/IPv4 ARP packet into buf, returning the
// number of bytes written.
func EncodeARP(p ARPPacket, buf []byte) (int, error) {
	if len(buf) < ARPPacketSize {
		return 0, fmt.Errorf("encode arp: need %d bytes, have %d: %w", ARPPacketSize, len(buf), ErrARPTooShort)
	}

	binary.BigEndian.PutUint16(buf[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], arpPTypeIPv4)
	buf[4] = MACSize
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], uint16(p.Opcode))
	copy(buf[8:14], p.SenderMAC[:])
	senderIP4 := p.SenderIP.As4()
	copy(buf[14:18], senderIP4[:])
	copy(buf[18:24], p.TargetMAC[:])
	targetIP4 := p.TargetIP.As4()
	copy(buf[24:28], targetIP4[:])
	return ARPPacketSize, nil
}
