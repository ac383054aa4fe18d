// Package pcp implements the Port Control Protocol wire format (RFC 6887).
//
// This covers the MAP and PEER opcodes used by a PCP client to request a
// NAT mapping, plus the common request/response header shared by all
// opcodes including ANNOUNCE (which carries no opcode-specific payload).
// PCP options (THIRD_PARTY, PREFER_FAILURE, FILTER) and authenticated PCP
// are out of scope.
package pcp

import (
	"errors"
	"fmt"
	"net/netip"
)

// SupportedVersion is the only PCP protocol version this server accepts
// (RFC 6887 Section 7).
const SupportedVersion uint8 = 2

// HeaderSize is the size in bytes of the common PCP request/response
// header (RFC 6887 Section 7, Section 8).
const HeaderSize = 24

// MapPayloadSize is the size in bytes of the MAP opcode-specific payload
// that follows the common header (RFC 6887 Section 9.1).
const MapPayloadSize = 36

// PeerPayloadSize is the size in bytes of the PEER opcode-specific payload
// that follows the common header (RFC 6887 Section 9.2). It extends the
// MAP payload with a remote peer port and address.
const PeerPayloadSize = 56

// MaxEncodedLength is the largest PCP message this server accepts
// (1 <= encoded_length <= 1100, RFC 6887 Section 7).
const MaxEncodedLength = 1100

// nonceSize is the length in bytes of the MAP/PEER mapping nonce
// (RFC 6887 Section 9.1: "Mapping Nonce").
const nonceSize = 12

// -------------------------------------------------------------------------
// Opcode
// -------------------------------------------------------------------------

// Opcode identifies the kind of PCP operation (RFC 6887 Section 7.1).
type Opcode uint8

const (
	// OpcodeAnnounce is used by the PCP server to announce its presence
	// or restart. Its body is not handled by this implementation (spec
	// Non-goal): it parses as a valid opcode but carries no payload.
	OpcodeAnnounce Opcode = 0

	// OpcodeMap requests a mapping for a single internal endpoint.
	OpcodeMap Opcode = 1

	// OpcodePeer requests a mapping scoped to a specific remote peer.
	OpcodePeer Opcode = 2
)

// String returns the human-readable opcode name.
func (o Opcode) String() string {
	switch o {
	case OpcodeAnnounce:
		return "ANNOUNCE"
	case OpcodeMap:
		return "MAP"
	case OpcodePeer:
		return "PEER"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// -------------------------------------------------------------------------
// MessageType
// -------------------------------------------------------------------------

// MessageType distinguishes a PCP request from a PCP response
// (the R bit, RFC 6887 Section 7).
type MessageType uint8

const (
	// MessageTypeRequest marks a message sent by the client (R bit clear).
	MessageTypeRequest MessageType = 0

	// MessageTypeResponse marks a message sent by the server (R bit set).
	MessageTypeResponse MessageType = 1
)

func (t MessageType) String() string {
	if t == MessageTypeResponse {
		return "RESPONSE"
	}
	return "REQUEST"
}

// -------------------------------------------------------------------------
// ResultCode
// -------------------------------------------------------------------------

// ResultCode is a PCP result code (RFC 6887 Section 7.4). Values are
// wire-stable: they are serialized directly into the response header and
// also used as the parser's ParseResult.
type ResultCode uint8

const (
	ResultSuccess                ResultCode = 0
	ResultUnsuppVersion          ResultCode = 1
	ResultNotAuthorized          ResultCode = 2
	ResultMalformedRequest       ResultCode = 3
	ResultUnsuppOpcode           ResultCode = 4
	ResultUnsuppOption           ResultCode = 5
	ResultMalformedOption        ResultCode = 6
	ResultNetworkFailure         ResultCode = 7
	ResultNoResources            ResultCode = 8
	ResultUnsuppProtocol         ResultCode = 9
	ResultUserExQuota            ResultCode = 10
	ResultCannotProvideExternal  ResultCode = 11
	ResultAddressMismatch        ResultCode = 12
	ResultExcessiveRemotePeers   ResultCode = 13
)

var resultCodeNames = [...]string{
	"SUCCESS", "UNSUPP_VERSION", "NOT_AUTHORIZED", "MALFORMED_REQUEST",
	"UNSUPP_OPCODE", "UNSUPP_OPTION", "MALFORMED_OPTION", "NETWORK_FAILURE",
	"NO_RESOURCES", "UNSUPP_PROTOCOL", "USER_EX_QUOTA",
	"CANNOT_PROVIDE_EXTERNAL", "ADDRESS_MISMATCH", "EXCESSIVE_REMOTE_PEERS",
}

// String returns the RFC 6887 name for the result code.
func (r ResultCode) String() string {
	if int(r) < len(resultCodeNames) {
		return resultCodeNames[r]
	}
	return fmt.Sprintf("ResultCode(%d)", uint8(r))
}

// -------------------------------------------------------------------------
// Sentinel errors
// -------------------------------------------------------------------------

// Sentinel errors returned by Serialize. Parse never returns an error: a
// malformed or unintelligible datagram is reported through Message.ParseResult
// (or a nil Message for a silent drop), per RFC 6887's error model.
var (
	// ErrBufTooSmall indicates the caller-provided buffer cannot hold the
	// serialized message.
	ErrBufTooSmall = errors.New("buffer too small for PCP message")

	// ErrUnsupportedOpcode indicates Serialize was asked to encode an
	// opcode this package does not know how to lay out on the wire.
	ErrUnsupportedOpcode = errors.New("unsupported opcode for serialization")

	// ErrMissingMapFields indicates a MAP/PEER message is missing its
	// opcode-specific payload.
	ErrMissingMapFields = errors.New("message missing required MAP/PEER fields")
)

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is a decoded (or to-be-encoded) PCP request or response.
// Field presence mirrors RFC 6887: MapFields is non-nil for MAP and PEER
// opcodes, PeerFields additionally for PEER.
type Message struct {
	Version uint8
	Type    MessageType
	Opcode  Opcode

	// Lifetime is the requested (request) or granted (response) lifetime
	// in seconds. Zero means removal.
	Lifetime uint32

	// ClientIP is the PCP client's IP address, carried as an IPv4-mapped
	// IPv6 address on the wire (RFC 6887 Section 7). Parse normalizes
	// 4-in-6 addresses to IPv4 presentation; Serialize accepts either.
	ClientIP netip.Addr

	// ParseResult carries the outcome of Parse. ResultSuccess for a
	// well-formed message; any other value means the message is usable
	// only to build an error response (see Opcode, Version, ClientIP,
	// which are filled on a best-effort basis for error responses).
	ParseResult ResultCode

	// ResultCode, EpochTime and ClientIPTail are populated on responses.
	ResultCode   ResultCode
	EpochTime    uint32
	ClientIPTail [12]byte

	Map  *MapFields
	Peer *PeerFields
}

// MapFields is the MAP opcode payload (RFC 6887 Section 9.1). PeerFields
// embeds this and adds the remote-peer fields.
type MapFields struct {
	Nonce        [nonceSize]byte
	Protocol     uint8
	InternalPort uint16
	ExternalPort uint16
	ExternalIP   netip.Addr
}

// PeerFields is the PEER opcode payload (RFC 6887 Section 9.2).
type PeerFields struct {
	MapFields
	RemotePeerPort uint16
	RemotePeerIP   netip.Addr
}

// IsRemoval reports whether the message requests removal of a mapping
// (lifetime == 0), as opposed to creation/refresh.
func (m *Message) IsRemoval() bool {
	return m.Lifetime == 0
}
