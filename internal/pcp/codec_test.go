package pcp_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/unifycore/pcp-sdn/internal/pcp"
)

// -------------------------------------------------------------------------
// TestSerializeResponses: Serialize fits an exact-size buffer and writes
// ClientIPTail into bytes 12-23.
// -------------------------------------------------------------------------

func TestSerializeResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  pcp.Message
	}{
		{
			name: "map response success",
			msg: pcp.Message{
				Type:       pcp.MessageTypeResponse,
				Opcode:     pcp.OpcodeMap,
				ResultCode: pcp.ResultSuccess,
				Lifetime:   7200,
				EpochTime:  1000,
				Map: &pcp.MapFields{
					Protocol:     6,
					InternalPort: 80,
					ExternalPort: 8080,
					ExternalIP:   netip.MustParseAddr("203.0.113.5"),
				},
			},
		},
		{
			name: "peer response success",
			msg: pcp.Message{
				Type:       pcp.MessageTypeResponse,
				Opcode:     pcp.OpcodePeer,
				ResultCode: pcp.ResultSuccess,
				Lifetime:   3600,
				Peer: &pcp.PeerFields{
					MapFields: pcp.MapFields{
						Protocol:     17,
						InternalPort: 5000,
						ExternalPort: 50000,
						ExternalIP:   netip.MustParseAddr("203.0.113.9"),
					},
					RemotePeerPort: 443,
					RemotePeerIP:   netip.MustParseAddr("198.51.100.1"),
				},
			},
		},
		{
			name: "announce response",
			msg: pcp.Message{
				Type:       pcp.MessageTypeResponse,
				Opcode:     pcp.OpcodeAnnounce,
				ResultCode: pcp.ResultSuccess,
			},
		},
		{
			name: "map error response carries client ip tail",
			msg: pcp.Message{
				Type:         pcp.MessageTypeResponse,
				Opcode:       pcp.OpcodeMap,
				ResultCode:   pcp.ResultNoResources,
				ClientIPTail: pcp.ClientIPTail(netip.MustParseAddr("192.0.2.1")),
				Map:          &pcp.MapFields{Protocol: 6, InternalPort: 22},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := make([]byte, pcp.MaxEncodedLength)
			n, err := pcp.Serialize(&tt.msg, buf)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if !bytes.Equal(buf[12:24], tt.msg.ClientIPTail[:]) {
				t.Fatalf("Serialize() bytes 12-23 = %x, want client IP tail %x", buf[12:24], tt.msg.ClientIPTail)
			}

			got, err := pcp.Serialize(&tt.msg, buf[:n])
			if err != nil {
				t.Fatalf("Serialize() into exact-size buffer error = %v", err)
			}
			if got != n {
				t.Fatalf("Serialize() length mismatch: %d vs %d", got, n)
			}
		})
	}
}

func TestSerializeBufTooSmall(t *testing.T) {
	t.Parallel()

	msg := &pcp.Message{
		Type:   pcp.MessageTypeResponse,
		Opcode: pcp.OpcodeMap,
		Map:    &pcp.MapFields{},
	}
	buf := make([]byte, pcp.HeaderSize)
	if _, err := pcp.Serialize(msg, buf); err == nil {
		t.Fatal("Serialize() with undersized buffer: expected error, got nil")
	}
}

func TestSerializeMissingMapFields(t *testing.T) {
	t.Parallel()

	msg := &pcp.Message{Type: pcp.MessageTypeResponse, Opcode: pcp.OpcodeMap}
	buf := make([]byte, pcp.MaxEncodedLength)
	if _, err := pcp.Serialize(msg, buf); err == nil {
		t.Fatal("Serialize() MAP response with nil Map: expected error, got nil")
	}

	msg = &pcp.Message{Type: pcp.MessageTypeResponse, Opcode: pcp.OpcodePeer}
	if _, err := pcp.Serialize(msg, buf); err == nil {
		t.Fatal("Serialize() PEER response with nil Peer: expected error, got nil")
	}
}

// -------------------------------------------------------------------------
// TestParse — request decoding
// -------------------------------------------------------------------------

func buildMapRequest(t *testing.T, lifetime uint32, protocol uint8, internalPort uint16, clientIP netip.Addr) []byte {
	t.Helper()
	buf := make([]byte, pcp.HeaderSize+pcp.MapPayloadSize)
	buf[0] = pcp.SupportedVersion
	buf[1] = uint8(pcp.OpcodeMap)
	buf[4] = byte(lifetime >> 24)
	buf[5] = byte(lifetime >> 16)
	buf[6] = byte(lifetime >> 8)
	buf[7] = byte(lifetime)

	full := clientIP.As16()
	if clientIP.Is4() {
		a16 := netip.AddrFrom4(clientIP.As4()).As16()
		full = a16
		buf[8+10] = 0xff
		buf[8+11] = 0xff
		copy(buf[8:24], full[:])
	} else {
		copy(buf[8:24], full[:])
	}

	buf[pcp.HeaderSize+12] = protocol
	buf[pcp.HeaderSize+16] = byte(internalPort >> 8)
	buf[pcp.HeaderSize+17] = byte(internalPort)
	return buf
}

func TestParseTooShortIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	if msg := pcp.Parse([]byte{1}, netip.Addr{}); msg != nil {
		t.Fatalf("Parse() of a 1-byte datagram: expected nil, got %+v", msg)
	}
}

func TestParseResponseShapedRequestIsDropped(t *testing.T) {
	t.Parallel()

	buf := buildMapRequest(t, 3600, 6, 80, netip.MustParseAddr("192.0.2.1"))
	buf[1] |= 0x80 // set R bit: this is a response-shaped datagram

	if msg := pcp.Parse(buf, netip.MustParseAddr("192.0.2.1")); msg != nil {
		t.Fatalf("Parse() of an R-bit-set datagram: expected nil, got %+v", msg)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	t.Parallel()

	clientIP := netip.MustParseAddr("192.0.2.1")
	buf := buildMapRequest(t, 3600, 6, 80, clientIP)
	buf[0] = pcp.SupportedVersion + 1

	msg := pcp.Parse(buf, clientIP)
	if msg == nil {
		t.Fatal("Parse() of unsupported version: expected non-nil message")
	}
	if msg.ParseResult != pcp.ResultUnsuppVersion {
		t.Fatalf("ParseResult = %v, want ResultUnsuppVersion", msg.ParseResult)
	}
}

func TestParseAddressMismatch(t *testing.T) {
	t.Parallel()

	buf := buildMapRequest(t, 3600, 6, 80, netip.MustParseAddr("192.0.2.1"))
	msg := pcp.Parse(buf, netip.MustParseAddr("192.0.2.2"))
	if msg == nil {
		t.Fatal("Parse() expected non-nil message")
	}
	if msg.ParseResult != pcp.ResultAddressMismatch {
		t.Fatalf("ParseResult = %v, want ResultAddressMismatch", msg.ParseResult)
	}
}

func TestParseMapSemanticsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		lifetime     uint32
		protocol     uint8
		internalPort uint16
		want         pcp.ResultCode
	}{
		{"valid tcp map", 3600, 6, 80, pcp.ResultSuccess},
		{"valid deletion any protocol", 0, 0, 0, pcp.ResultSuccess},
		{"protocol zero with nonzero port is malformed", 3600, 0, 80, pcp.ResultMalformedRequest},
		{"zero internal port with nonzero lifetime is unsupported protocol", 3600, 6, 0, pcp.ResultUnsuppProtocol},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clientIP := netip.MustParseAddr("192.0.2.1")
			buf := buildMapRequest(t, tt.lifetime, tt.protocol, tt.internalPort, clientIP)
			msg := pcp.Parse(buf, clientIP)
			if msg == nil {
				t.Fatal("Parse() expected non-nil message")
			}
			if msg.ParseResult != tt.want {
				t.Fatalf("ParseResult = %v, want %v", msg.ParseResult, tt.want)
			}
		})
	}
}

func TestParseAnnounceHasNoPayload(t *testing.T) {
	t.Parallel()

	clientIP := netip.MustParseAddr("192.0.2.1")
	buf := make([]byte, pcp.HeaderSize)
	buf[0] = pcp.SupportedVersion
	buf[1] = uint8(pcp.OpcodeAnnounce)
	full := clientIP.As4()
	a16 := netip.AddrFrom4(full).As16()
	copy(buf[8:24], a16[:])
	buf[8+10], buf[8+11] = 0xff, 0xff

	msg := pcp.Parse(buf, clientIP)
	if msg == nil {
		t.Fatal("Parse() expected non-nil message")
	}
	if msg.ParseResult != pcp.ResultSuccess {
		t.Fatalf("ParseResult = %v, want ResultSuccess", msg.ParseResult)
	}
	if msg.Map != nil {
		t.Fatal("ANNOUNCE message should carry no MAP payload")
	}
}

func TestIsRemoval(t *testing.T) {
	t.Parallel()

	if !(&pcp.Message{Lifetime: 0}).IsRemoval() {
		t.Fatal("IsRemoval() with lifetime 0: expected true")
	}
	if (&pcp.Message{Lifetime: 1}).IsRemoval() {
		t.Fatal("IsRemoval() with lifetime 1: expected false")
	}
}

func TestClientIPTailRoundTrip(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("203.0.113.7")
	tail := pcp.ClientIPTail(addr)

	var zero [12]byte
	if tail == zero {
		t.Fatal("ClientIPTail() of a valid address returned the zero value")
	}

	if got := pcp.ClientIPTail(netip.Addr{}); got != zero {
		t.Fatalf("ClientIPTail() of an invalid address = %v, want zero value", got)
	}
}

func TestOpcodeAndResultCodeStrings(t *testing.T) {
	t.Parallel()

	if got := pcp.OpcodeMap.String(); got != "MAP" {
		t.Fatalf("Opcode.String() = %q, want MAP", got)
	}
	if got := pcp.ResultNoResources.String(); got != "NO_RESOURCES" {
		t.Fatalf("ResultCode.String() = %q, want NO_RESOURCES", got)
	}
	if got := pcp.Opcode(99).String(); got != "Opcode(99)" {
		t.Fatalf("Opcode.String() of unknown opcode = %q", got)
	}
}
