package forwarder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"

	ofp "github.com/netrack/openflow/ofp.v13"

	"github.com/unifycore/pcp-sdn/internal/nat"
	"github.com/unifycore/pcp-sdn/internal/packetio"
)

// pcpListenPort is the well-known PCP server port (RFC 6887 Section 1).
const pcpListenPort = 5351

// flowPriorityNAT is the priority used for per-mapping NAT flow entries.
// These entries live in TableNAT, where nothing else is installed, so the
// value does not compete with the punt rules in TableClassify.
const flowPriorityNAT = 100

// flowPriorityPunt is the priority for the standing rules that send PCP
// and ARP traffic up to the controller.
const flowPriorityPunt = 10

// flowPriorityMACRewrite is the priority used for resolved-peer MAC-rewrite
// entries in the forward table. These have no other entries to compete
// with in that table, but a fixed non-zero priority avoids relying on
// forwarder-specific default-priority behavior.
const flowPriorityMACRewrite = 10

// ErrNoChannel indicates Install/Remove was called before SetChannel.
var ErrNoChannel = errors.New("forwarder channel not set")

// Channel abstracts the OpenFlow session transport to one forwarder. The
// hello/features handshake, framing, and dispatch loop are handled by a
// separate session layer; Channel is the seam that layer plugs into,
// carrying message bodies built from github.com/netrack/openflow/ofp.v13
// types and this package's FlowMod model.
type Channel interface {
	SendFlowMod(ctx context.Context, fm FlowMod) error
	SendPacketOut(ctx context.Context, port ofp.PortNo, frame []byte) error
}

// Programmer translates NAT mappings and ARP intents into flow entries and
// installs/removes them on one connected forwarder.
type Programmer struct {
	pipeline    *Pipeline
	channel     Channel
	accessPort  ofp.PortNo
	externalPort ofp.PortNo
}

// NewProgrammer creates a Programmer for one forwarder. accessPort and
// externalPort are the resolved OpenFlow port numbers for the internal
// (access) and external (NAT/uplink) sides, typically obtained from
// PortResolver at forwarder-connect time.
func NewProgrammer(pipeline *Pipeline, accessPort, externalPort ofp.PortNo) *Programmer {
	return &Programmer{
		pipeline:     pipeline,
		accessPort:   accessPort,
		externalPort: externalPort,
	}
}

// SetChannel attaches the live OpenFlow channel for this forwarder. Install
// and Remove fail with ErrNoChannel until this is called.
func (p *Programmer) SetChannel(ch Channel) {
	p.channel = ch
}

// WipeAllFlows clears every flow entry on the forwarder. Called once at
// connect time before any punt/NAT/ARP rule is installed, so a forwarder
// that reconnects (or was previously programmed by a now-dead controller
// instance) always starts from a known-empty table set rather than
// accumulating stale entries underneath the fresh ones this Programmer is
// about to install.
func (p *Programmer) WipeAllFlows(ctx context.Context) error {
	if p.channel == nil {
		return fmt.Errorf("wipe all flows: %w", ErrNoChannel)
	}
	wipe := FlowMod{Delete: true}
	if err := p.channel.SendFlowMod(ctx, wipe); err != nil {
		return fmt.Errorf("wipe all flows: %w", err)
	}
	return nil
}

// InstallPuntRules installs the standing classify-table rules that send
// PCP requests from accessPort and ARP traffic from accessPort and
// externalPort up to the controller, send PCP responses generated by the controller back out
// accessPort, and send everything else to the next pipeline table
// (TableARP, per NextTable) with a priority-0 goto. Called once per
// forwarder at connect time, after WipeAllFlows.
func (p *Programmer) InstallPuntRules(ctx context.Context) error {
	if p.channel == nil {
		return fmt.Errorf("install punt rules: %w", ErrNoChannel)
	}

	puntRequest := FlowMod{
		Table:    TableClassify,
		Priority: flowPriorityPunt,
		Match: Match{
			InPort:              p.accessPort,
			EthType:             uint16(packetio.EtherTypeIPv4),
			IPProto:             packetio.ProtoUDP,
			TransportDstPort:    pcpListenPort,
			HasTransportDstPort: true,
		},
		Actions: []Action{{Kind: ActionOutput, OutputPort: controllerPortNo}},
	}
	if err := p.channel.SendFlowMod(ctx, puntRequest); err != nil {
		return fmt.Errorf("install pcp request punt rule: %w", err)
	}

	// Responses the controller itself emits (source port == the well-known
	// PCP server port) never need classification -- they go straight back
	// out the access port they arrived for.
	puntResponse := FlowMod{
		Table:    TableClassify,
		Priority: flowPriorityPunt,
		Match: Match{
			InPort:              controllerPortNo,
			EthType:             uint16(packetio.EtherTypeIPv4),
			IPProto:             packetio.ProtoUDP,
			TransportSrcPort:    pcpListenPort,
			HasTransportSrcPort: true,
		},
		Actions: []Action{{Kind: ActionOutput, OutputPort: p.accessPort}},
	}
	if err := p.channel.SendFlowMod(ctx, puntResponse); err != nil {
		return fmt.Errorf("install pcp response punt rule: %w", err)
	}

	for _, port := range []ofp.PortNo{p.accessPort, p.externalPort} {
		arpPunt := FlowMod{
			Table:    TableClassify,
			Priority: flowPriorityPunt,
			Match: Match{
				InPort:  port,
				EthType: uint16(packetio.EtherTypeARP),
			},
			Actions: []Action{{Kind: ActionOutput, OutputPort: controllerPortNo}},
		}
		if err := p.channel.SendFlowMod(ctx, arpPunt); err != nil {
			return fmt.Errorf("install arp punt rule for port %d: %w", port, err)
		}
	}

	passthrough := FlowMod{
		Table:    TableClassify,
		Priority: 0,
		GotoNext: true,
	}
	if err := p.channel.SendFlowMod(ctx, passthrough); err != nil {
		return fmt.Errorf("install classify passthrough rule: %w", err)
	}

	return nil
}

// controllerPortNo is OFPP_CONTROLLER (RFC: OpenFlow 1.3 Section A.2.4).
const controllerPortNo = ofp.PortNo(0xfffffffd)

// InstallMapping installs the pair of flow entries that implement one NAT
// mapping: internal->external translation on egress from the access side,
// and external->internal translation on ingress from the external side.
// Both entries carry idle_timeout set to the mapping's lifetime and
// OFPFF_SEND_FLOW_REM, so an unrefreshed mapping expires on the forwarder
// itself rather than under a controller-side timer.
func (p *Programmer) InstallMapping(ctx context.Context, m *nat.Mapping, lifetimeSeconds uint16) ([]uint64, error) {
	if p.channel == nil {
		return nil, fmt.Errorf("install mapping: %w", ErrNoChannel)
	}

	outbound := FlowMod{
		Table:           TableNAT,
		Priority:        flowPriorityNAT,
		Cookie:          mappingCookie(m, false),
		IdleTimeout:     lifetimeSeconds,
		SendFlowRemoved: true,
		Match: Match{
			InPort:     p.accessPort,
			EthType:    uint16(packetio.EtherTypeIPv4),
			IPProto:    m.Internal.Protocol,
			IPv4Src:    m.Internal.Addr.String(),
			HasIPv4Src: true,
			TransportSrcPort: m.Internal.Port, HasTransportSrcPort: true,
		},
		Actions: []Action{
			{Kind: ActionSetIPv4Src, IPv4: m.External.Addr.String()},
			{Kind: ActionSetTransportSrcPort, Port: m.External.Port},
			{Kind: ActionOutput, OutputPort: p.externalPort},
		},
	}

	inbound := FlowMod{
		Table:           TableNAT,
		Priority:        flowPriorityNAT,
		Cookie:          mappingCookie(m, true),
		IdleTimeout:     lifetimeSeconds,
		SendFlowRemoved: true,
		Match: Match{
			InPort:     p.externalPort,
			EthType:    uint16(packetio.EtherTypeIPv4),
			IPProto:    m.External.Protocol,
			IPv4Dst:    m.External.Addr.String(),
			HasIPv4Dst: true,
			TransportDstPort: m.External.Port, HasTransportDstPort: true,
		},
		Actions: []Action{
			{Kind: ActionSetIPv4Dst, IPv4: m.Internal.Addr.String()},
			{Kind: ActionSetTransportDstPort, Port: m.Internal.Port},
			{Kind: ActionOutput, OutputPort: p.accessPort},
		},
	}

	for _, fm := range []FlowMod{outbound, inbound} {
		if err := p.channel.SendFlowMod(ctx, fm); err != nil {
			return nil, fmt.Errorf("install mapping %s<->%s: %w", m.Internal, m.External, err)
		}
	}

	return []uint64{outbound.Cookie, inbound.Cookie}, nil
}

// RemoveMapping removes the flow entries previously installed for m.
func (p *Programmer) RemoveMapping(ctx context.Context, m *nat.Mapping) error {
	if p.channel == nil {
		return fmt.Errorf("remove mapping: %w", ErrNoChannel)
	}
	for _, cookie := range m.FlowIDs {
		del := FlowMod{Table: TableNAT, Cookie: cookie, Delete: true}
		if err := p.channel.SendFlowMod(ctx, del); err != nil {
			return fmt.Errorf("remove mapping %s<->%s cookie %d: %w", m.Internal, m.External, cookie, err)
		}
	}
	return nil
}

// InstallMACRewrite installs one TableForward entry that rewrites an ARP-
// resolved peer's destination MAC for traffic entering on inPort and
// leaving via outPort, completing the second stage of proxy-ARP
// resolution: once the controller learns a peer's real hardware address,
// IPv4 traffic destined to peerIP has its Ethernet destination set to
// peerMAC and is output on outPort. The entry is not placed in
// TableClassify and carries no goto, so it does not feed the NAT table.
func (p *Programmer) InstallMACRewrite(ctx context.Context, inPort, outPort ofp.PortNo, peerIP netip.Addr, peerMAC [6]byte) error {
	if p.channel == nil {
		return fmt.Errorf("install mac rewrite: %w", ErrNoChannel)
	}
	fm := FlowMod{
		Table:    TableForward,
		Priority: flowPriorityMACRewrite,
		Match: Match{
			InPort:     inPort,
			EthType:    uint16(packetio.EtherTypeIPv4),
			IPv4Dst:    peerIP.String(),
			HasIPv4Dst: true,
		},
		Actions: []Action{
			{Kind: ActionSetEthDst, EthDst: peerMAC},
			{Kind: ActionOutput, OutputPort: outPort},
		},
	}
	if err := p.channel.SendFlowMod(ctx, fm); err != nil {
		return fmt.Errorf("install mac rewrite for %s on port %d->%d: %w", peerIP, inPort, outPort, err)
	}
	return nil
}

// mappingCookie derives a stable flow cookie from a mapping's endpoints so
// FlowRemoved events can be correlated back to a mapping without a
// separate side table. reverse distinguishes the inbound flow's cookie
// from the outbound one for the same mapping.
func mappingCookie(m *nat.Mapping, reverse bool) uint64 {
	h := fnv.New64a()
	h.Write([]byte(m.Internal.String() + "|" + m.External.String()))
	sum := h.Sum64()
	if reverse {
		sum ^= 1
	}
	return sum
}
