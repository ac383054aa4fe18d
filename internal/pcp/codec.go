// Codec for the PCP common header plus the MAP and PEER opcode payloads
// (RFC 6887 Sections 7, 9.1, 9.2).

package pcp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Parse decodes a PCP request datagram received from srcIP.
//
// It never returns an error: RFC 6887 Section 8 distinguishes between
// datagrams that must be silently dropped (too short, R bit set on a
// request socket, unrecognized R bit combination) and datagrams that
// warrant an error response (bad version, bad opcode, malformed fields).
// Parse signals the former by returning nil, and the latter by returning
// a non-nil *Message whose ParseResult is not ResultSuccess — callers use
// that message to build an error response, as far as its fields could be
// recovered.
//
// Wire format (RFC 6887 Section 7, request):
//
//	Byte 0:      Version
//	Byte 1:      R(1 bit, clear) | Opcode(7 bits)
//	Bytes 2-3:   Reserved
//	Bytes 4-7:   Requested Lifetime (seconds)
//	Bytes 8-23:  PCP Client's IP Address (128-bit, 4-in-6 for IPv4)
//	Bytes 24+:   Opcode-specific payload, then options
func Parse(buf []byte, srcIP netip.Addr) *Message {
	if len(buf) < 2 {
		// Too short to even read the opcode/R bit.
		return nil
	}

	version := buf[0]
	rBit := buf[1]&0x80 != 0
	opcode := Opcode(buf[1] & 0x7F)

	if rBit {
		// A request socket receiving a response-shaped datagram is
		// silently dropped (RFC 6887 Section 8.1).
		return nil
	}

	msg := &Message{
		Version:  version,
		Type:     MessageTypeRequest,
		Opcode:   opcode,
		ClientIP: srcIP,
	}

	if len(buf) < HeaderSize {
		// No full header to decode and, for an unsupported version, no
		// header worth echoing back either: drop silently regardless of
		// whether the version byte happens to be supported.
		return nil
	}

	if version != SupportedVersion {
		msg.ParseResult = ResultUnsuppVersion
		return msg
	}

	if len(buf)%4 != 0 || len(buf) > MaxEncodedLength {
		msg.ParseResult = ResultMalformedRequest
		return msg
	}

	msg.Lifetime = binary.BigEndian.Uint32(buf[4:8])

	clientIP, ok := decode4In6(buf[8:24])
	if ok {
		msg.ClientIP = clientIP
	}

	if srcIP.IsValid() && msg.ClientIP != srcIP {
		msg.ParseResult = ResultAddressMismatch
		return msg
	}

	switch opcode {
	case OpcodeAnnounce:
		msg.ParseResult = ResultSuccess
		return msg

	case OpcodeMap:
		if len(buf) < HeaderSize+MapPayloadSize {
			msg.ParseResult = ResultMalformedRequest
			return msg
		}
		mf, parseErr := decodeMapFields(buf[HeaderSize : HeaderSize+MapPayloadSize])
		msg.Map = mf
		if parseErr != ResultSuccess {
			msg.ParseResult = parseErr
			return msg
		}
		msg.ParseResult = validateMapSemantics(msg.Lifetime, mf)
		return msg

	case OpcodePeer:
		if len(buf) < HeaderSize+PeerPayloadSize {
			msg.ParseResult = ResultMalformedRequest
			return msg
		}
		pf, parseErr := decodePeerFields(buf[HeaderSize : HeaderSize+PeerPayloadSize])
		msg.Peer = pf
		if pf != nil {
			msg.Map = &pf.MapFields
		}
		if parseErr != ResultSuccess {
			msg.ParseResult = parseErr
			return msg
		}
		msg.ParseResult = validateMapSemantics(msg.Lifetime, &pf.MapFields)
		return msg

	default:
		msg.ParseResult = ResultUnsuppOpcode
		return msg
	}
}

// validateMapSemantics applies the MAP/PEER cross-field checks (RFC 6887
// Section 9.1, 11): an explicit protocol of zero ("all protocols") combined
// with a nonzero internal port is malformed, and an internal port of
// zero while requesting a nonzero lifetime means the protocol can't be
// mapped. These checks apply to both MAP and PEER, since PEER's payload
// begins with an embedded MapFields.
func validateMapSemantics(lifetime uint32, mf *MapFields) ResultCode {
	if lifetime != 0 && mf.Protocol == 0 && mf.InternalPort != 0 {
		return ResultMalformedRequest
	}
	if mf.InternalPort == 0 && lifetime != 0 {
		return ResultUnsuppProtocol
	}
	return ResultSuccess
}

// decodeMapFields decodes the 36-byte MAP payload (RFC 6887 Section 9.1).
//
// Layout:
//
//	Bytes 0-11:  Mapping Nonce
//	Byte 12:     Protocol
//	Bytes 13-15: Reserved
//	Bytes 16-17: Internal Port
//	Bytes 18-19: External Port (suggested)
//	Bytes 20-35: External IP Address (suggested, 4-in-6 for IPv4)
func decodeMapFields(buf []byte) (*MapFields, ResultCode) {
	mf := &MapFields{}
	copy(mf.Nonce[:], buf[0:12])
	mf.Protocol = buf[12]
	mf.InternalPort = binary.BigEndian.Uint16(buf[16:18])
	mf.ExternalPort = binary.BigEndian.Uint16(buf[18:20])

	extIP, ok := decode4In6(buf[20:36])
	if !ok {
		return mf, ResultMalformedRequest
	}
	mf.ExternalIP = extIP

	return mf, ResultSuccess
}

// decodePeerFields decodes the 56-byte PEER payload (RFC 6887 Section 9.2):
// the 36-byte MAP payload immediately followed by the remote peer's port
// and address.
//
// Layout:
//
//	Bytes 0-35:  MapFields (see decodeMapFields)
//	Bytes 36-37: Remote Peer Port
//	Bytes 38-39: Reserved
//	Bytes 40-55: Remote Peer IP Address (4-in-6 for IPv4)
func decodePeerFields(buf []byte) (*PeerFields, ResultCode) {
	mf, res := decodeMapFields(buf[0:MapPayloadSize])
	pf := &PeerFields{MapFields: *mf}
	if res != ResultSuccess {
		return pf, res
	}

	pf.RemotePeerPort = binary.BigEndian.Uint16(buf[36:38])

	peerIP, ok := decode4In6(buf[40:56])
	if !ok {
		return pf, ResultMalformedRequest
	}
	pf.RemotePeerIP = peerIP

	return pf, ResultSuccess
}

// decode4In6 interprets a 16-byte field as an IPv6 address, normalizing an
// IPv4-mapped IPv6 address (::ffff:a.b.c.d) to its IPv4 form.
func decode4In6(buf []byte) (netip.Addr, bool) {
	if len(buf) != 16 {
		return netip.Addr{}, false
	}
	var a16 [16]byte
	copy(a16[:], buf)
	addr := netip.AddrFrom16(a16)
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return addr, true
}

// encode4In6 writes addr into buf (16 bytes) as an IPv4-mapped IPv6 address
// when addr is an IPv4 address, or as-is when it is already IPv6.
func encode4In6(addr netip.Addr, buf []byte) {
	if addr.Is4() {
		a16 := netip.AddrFrom4(addr.As4()).As16()
		copy(buf, a16[:])
		// Encode the IPv4-mapped prefix ::ffff:0:0/96 (RFC 4291 Section 2.5.5.2).
		buf[10] = 0xff
		buf[11] = 0xff
		return
	}
	a16 := addr.As16()
	copy(buf, a16[:])
}

// ClientIPTail returns the low 96 bits of addr's 4-in-6 wire encoding: the
// value an error response's reserved_or_client_ip_tail field carries when
// addr is recoverable (RFC 6887 Section 7.4). Returns the zero value for an
// invalid addr.
func ClientIPTail(addr netip.Addr) [12]byte {
	var tail [12]byte
	if !addr.IsValid() {
		return tail
	}
	var full [16]byte
	encode4In6(addr, full[:])
	copy(tail[:], full[4:16])
	return tail
}

// Serialize encodes msg into buf, returning the number of bytes written.
// msg.Type must be MessageTypeResponse; Serialize always forces the wire
// Version field to SupportedVersion on output, regardless of the value in
// msg.Version, per RFC 6887 Section 8.2 ("the PCP Client MUST use the
// highest version... the PCP Server MUST use the same version number").
//
// Wire format (RFC 6887 Section 7, response):
//
//	Byte 0:      Version
//	Byte 1:      R(1 bit, set) | Opcode(7 bits)
//	Byte 2:      Reserved
//	Byte 3:      Result Code
//	Bytes 4-7:   Lifetime (seconds, granted or remaining)
//	Bytes 8-11:  Epoch Time
//	Bytes 12-23: msg.ClientIPTail (zero unless set; set on error responses)
//	Bytes 24+:   Opcode-specific payload, then options
func Serialize(msg *Message, buf []byte) (int, error) {
	total := HeaderSize
	switch msg.Opcode {
	case OpcodeAnnounce:
		// No opcode-specific payload.
	case OpcodeMap:
		total += MapPayloadSize
	case OpcodePeer:
		total += PeerPayloadSize
	default:
		return 0, fmt.Errorf("serialize opcode %s: %w", msg.Opcode, ErrUnsupportedOpcode)
	}

	if len(buf) < total {
		return 0, fmt.Errorf("serialize: need %d bytes, have %d: %w", total, len(buf), ErrBufTooSmall)
	}

	buf[0] = SupportedVersion
	buf[1] = 0x80 | uint8(msg.Opcode)
	buf[2] = 0
	buf[3] = uint8(msg.ResultCode)
	binary.BigEndian.PutUint32(buf[4:8], msg.Lifetime)
	binary.BigEndian.PutUint32(buf[8:12], msg.EpochTime)
	copy(buf[12:24], msg.ClientIPTail[:])

	switch msg.Opcode {
	case OpcodeMap:
		if msg.Map == nil {
			return 0, fmt.Errorf("serialize MAP response: %w", ErrMissingMapFields)
		}
		encodeMapFields(msg.Map, buf[HeaderSize:HeaderSize+MapPayloadSize])
	case OpcodePeer:
		if msg.Peer == nil {
			return 0, fmt.Errorf("serialize PEER response: %w", ErrMissingMapFields)
		}
		encodePeerFields(msg.Peer, buf[HeaderSize:HeaderSize+PeerPayloadSize])
	}

	return total, nil
}

// encodeMapFields writes the 36-byte MAP payload to buf.
func encodeMapFields(mf *MapFields, buf []byte) {
	copy(buf[0:12], mf.Nonce[:])
	buf[12] = mf.Protocol
	buf[13], buf[14], buf[15] = 0, 0, 0
	binary.BigEndian.PutUint16(buf[16:18], mf.InternalPort)
	binary.BigEndian.PutUint16(buf[18:20], mf.ExternalPort)
	encode4In6(mf.ExternalIP, buf[20:36])
}

// encodePeerFields writes the 56-byte PEER payload to buf.
func encodePeerFields(pf *PeerFields, buf []byte) {
	encodeMapFields(&pf.MapFields, buf[0:MapPayloadSize])
	binary.BigEndian.PutUint16(buf[36:38], pf.RemotePeerPort)
	buf[38], buf[39] = 0, 0
	encode4In6(pf.RemotePeerIP, buf[40:56])
}
