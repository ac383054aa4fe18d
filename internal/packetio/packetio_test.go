package packetio_test

import (
	"net/netip"
	"testing"

	"github.com/unifycore/pcp-sdn/internal/packetio"
)

func TestEthernetRoundTrip(t *testing.T) {
	t.Parallel()

	f := packetio.EthernetFrame{
		Dst:       packetio.MAC{1, 2, 3, 4, 5, 6},
		Src:       packetio.MAC{6, 5, 4, 3, 2, 1},
		EtherType: packetio.EtherTypeIPv4,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
	}
	buf := make([]byte, packetio.EthernetHeaderSize+len(f.Payload))
	n, err := packetio.EncodeEthernet(f, buf)
	if err != nil {
		t.Fatalf("EncodeEthernet() error = %v", err)
	}

	got, err := packetio.ParseEthernet(buf[:n])
	if err != nil {
		t.Fatalf("ParseEthernet() error = %v", err)
	}
	if got.Dst != f.Dst || got.Src != f.Src || got.EtherType != f.EtherType {
		t.Fatalf("ParseEthernet() = %+v, want %+v", got, f)
	}
}

func TestEthernetTooShort(t *testing.T) {
	t.Parallel()

	if _, err := packetio.ParseEthernet([]byte{1, 2, 3}); err == nil {
		t.Fatal("ParseEthernet() on a 3-byte buffer: expected error, got nil")
	}
}

func TestMACStringAndBroadcast(t *testing.T) {
	t.Parallel()

	broadcast := packetio.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if !broadcast.IsBroadcast() {
		t.Fatal("IsBroadcast() on the all-ones address = false")
	}
	unicast := packetio.MAC{0x02, 0, 0, 0, 0, 1}
	if unicast.IsBroadcast() {
		t.Fatal("IsBroadcast() on a unicast address = true")
	}
	if got := unicast.String(); got != "02:00:00:00:00:01" {
		t.Fatalf("String() = %q, want %q", got, "02:00:00:00:00:01")
	}
}

func TestIPv4RoundTrip(t *testing.T) {
	t.Parallel()

	p := packetio.IPv4Packet{
		TTL:      64,
		Protocol: packetio.ProtoUDP,
		Src:      netip.MustParseAddr("172.16.0.2"),
		Dst:      netip.MustParseAddr("203.0.113.1"),
		Payload:  []byte{1, 2, 3, 4, 5},
	}
	buf := make([]byte, packetio.MinIPv4HeaderSize+len(p.Payload))
	n, err := packetio.EncodeIPv4(p, buf)
	if err != nil {
		t.Fatalf("EncodeIPv4() error = %v", err)
	}

	got, err := packetio.ParseIPv4(buf[:n])
	if err != nil {
		t.Fatalf("ParseIPv4() error = %v", err)
	}
	if got.TTL != p.TTL || got.Protocol != p.Protocol || got.Src != p.Src || got.Dst != p.Dst {
		t.Fatalf("ParseIPv4() = %+v, want %+v", got, p)
	}
	if len(got.Payload) != len(p.Payload) {
		t.Fatalf("ParseIPv4() payload length = %d, want %d", len(got.Payload), len(p.Payload))
	}
}

func TestIPv4RejectsBadVersion(t *testing.T) {
	t.Parallel()

	buf := make([]byte, packetio.MinIPv4HeaderSize)
	buf[0] = 0x65 // version 6, IHL 5
	if _, err := packetio.ParseIPv4(buf); err == nil {
		t.Fatal("ParseIPv4() with version 6: expected error, got nil")
	}
}

func TestUDPRoundTrip(t *testing.T) {
	t.Parallel()

	d := packetio.UDPDatagram{SrcPort: 5351, DstPort: 12345, Payload: []byte("pcp")}
	buf := make([]byte, packetio.UDPHeaderSize+len(d.Payload))
	n, err := packetio.EncodeUDP(d, buf)
	if err != nil {
		t.Fatalf("EncodeUDP() error = %v", err)
	}

	got, err := packetio.ParseUDP(buf[:n])
	if err != nil {
		t.Fatalf("ParseUDP() error = %v", err)
	}
	if got.SrcPort != d.SrcPort || got.DstPort != d.DstPort || string(got.Payload) != string(d.Payload) {
		t.Fatalf("ParseUDP() = %+v, want %+v", got, d)
	}
}

func TestUDPHonorsLengthOverPadding(t *testing.T) {
	t.Parallel()

	d := packetio.UDPDatagram{SrcPort: 1, DstPort: 2, Payload: []byte("x")}
	buf := make([]byte, packetio.UDPHeaderSize+len(d.Payload)+10) // extra link-layer padding
	n, err := packetio.EncodeUDP(d, buf[:packetio.UDPHeaderSize+len(d.Payload)])
	if err != nil {
		t.Fatalf("EncodeUDP() error = %v", err)
	}

	got, err := packetio.ParseUDP(buf[:n+10])
	if err != nil {
		t.Fatalf("ParseUDP() error = %v", err)
	}
	if len(got.Payload) != len(d.Payload) {
		t.Fatalf("ParseUDP() payload length = %d, want %d (padding must be excluded)", len(got.Payload), len(d.Payload))
	}
}

func TestARPRoundTrip(t *testing.T) {
	t.Parallel()

	p := packetio.ARPPacket{
		Opcode:    packetio.ARPOpRequest,
		SenderMAC: packetio.MAC{1, 2, 3, 4, 5, 6},
		SenderIP:  netip.MustParseAddr("172.16.0.2"),
		TargetMAC: packetio.MAC{},
		TargetIP:  netip.MustParseAddr("172.16.0.1"),
	}
	buf := make([]byte, packetio.ARPPacketSize)
	if _, err := packetio.EncodeARP(p, buf); err != nil {
		t.Fatalf("EncodeARP() error = %v", err)
	}

	got, err := packetio.ParseARP(buf)
	if err != nil {
		t.Fatalf("ParseARP() error = %v", err)
	}
	if got.Opcode != p.Opcode || got.SenderMAC != p.SenderMAC || got.SenderIP != p.SenderIP || got.TargetIP != p.TargetIP {
		t.Fatalf("ParseARP() = %+v, want %+v", got, p)
	}
}

func TestARPRejectsNonEthernetIPv4(t *testing.T) {
	t.Parallel()

	buf := make([]byte, packetio.ARPPacketSize)
	buf[1] = 6 // hardware type != Ethernet(1)
	if _, err := packetio.ParseARP(buf); err == nil {
		t.Fatal("ParseARP() with a non-Ethernet hardware type: expected error, got nil")
	}
}

func TestARPTooShort(t *testing.T) {
	t.Parallel()

	if _, err := packetio.ParseARP(make([]byte, 10)); err == nil {
		t.Fatal("ParseARP() on a 10-byte buffer: expected error, got nil")
	}
}
