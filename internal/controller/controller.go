// Package controller implements the single-threaded cooperative event loop
// that owns one attached forwarder's session: it turns forwarder-channel
// events (features, packet-in, flow-removed, disconnect) into calls against
// the NAT table, ARP handler, and flow programmer.
//
// A single owner type holds all per-session state, driven by an external
// event source rather than polling. Controller serves exactly one
// forwarder and is never accessed concurrently, so there is no lock:
// event delivery order from the forwarder is the only ordering guarantee
// this package relies on.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	ofp "github.com/netrack/openflow/ofp.v13"

	"github.com/unifycore/pcp-sdn/internal/arp"
	"github.com/unifycore/pcp-sdn/internal/config"
	"github.com/unifycore/pcp-sdn/internal/forwarder"
	"github.com/unifycore/pcp-sdn/internal/metrics"
	"github.com/unifycore/pcp-sdn/internal/nat"
	"github.com/unifycore/pcp-sdn/internal/packetio"
	"github.com/unifycore/pcp-sdn/internal/pcp"
	"github.com/unifycore/pcp-sdn/internal/pcpserver"
)

// ErrNoForwarder indicates an event arrived before Features (or after
// Disconnect) established per-forwarder state.
var ErrNoForwarder = errors.New("no forwarder session established")

// maxARPBindings caps the proxy-ARP learned-binding table per forwarder.
// Zero (unlimited) would let a misbehaving access-side host exhaust memory
// by sourcing ARP traffic from an unbounded number of addresses.
const maxARPBindings = 65536

// session holds everything scoped to one connected forwarder. A new
// session replaces the Controller's old one on every Features event and is
// dropped entirely on Disconnect, which is how forwarder state reset is
// implemented.
type session struct {
	channel      forwarder.Channel
	datapathMAC  packetio.MAC
	accessPort   ofp.PortNo
	externalPort ofp.PortNo

	table      *nat.Table
	allocators map[uint8]*nat.Allocator
	arpHandler *arp.Handler
	programmer *forwarder.Programmer
	pcpServer  *pcpserver.Server

	// arpLearnedSeen is the arpHandler.LearnedCount() value as of the last
	// PacketIn, used to derive how many *new* bindings a single ARP packet
	// added (LearnedCount is monotonic and never decreases on refresh).
	arpLearnedSeen int64
}

// Controller owns the lifecycle of a single forwarder session.
type Controller struct {
	cfg     config.PCPConfig
	logger  *slog.Logger
	metrics *metrics.Collector

	sess *session
}

// New creates a Controller. metrics may be nil, in which case metric
// recording is a no-op.
func New(cfg config.PCPConfig, logger *slog.Logger, m *metrics.Collector) *Controller {
	return &Controller{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "controller")),
		metrics: m,
	}
}

// Features handles a forwarder session-up event: it builds fresh
// per-forwarder NAT/ARP/programmer state, wipes any flows left behind by a
// prior controller instance, and installs the standing punt and classifier
// rules.
func (c *Controller) Features(ctx context.Context, ch forwarder.Channel, datapathMAC packetio.MAC, accessPort, externalPort ofp.PortNo) error {
	pool := c.cfg.DefaultNATPoolConfig

	externalAddrs, err := pool.ExternalAddrs()
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}

	allocators := make(map[uint8]*nat.Allocator, 2)
	for _, proto := range []uint8{packetio.ProtoTCP, packetio.ProtoUDP} {
		allocator, err := nat.NewAllocator(externalAddrs, pool.ExternalPortLowEnd, pool.ExternalPortHighEnd)
		if err != nil {
			return fmt.Errorf("features: new allocator for protocol %d: %w", proto, err)
		}
		allocators[proto] = allocator
	}

	pipeline := forwarder.NewPipeline()
	programmer := forwarder.NewProgrammer(pipeline, accessPort, externalPort)
	programmer.SetChannel(ch)

	table := nat.NewTable()
	arpHandler := arp.New(maxARPBindings)
	for _, addr := range externalAddrs {
		arpHandler.OwnAddress(addr, datapathMAC)
	}

	pcpCfg := pcpserver.Config{
		MinMapLifetime:  secondsToDuration(c.cfg.DefaultPCPMapAssignedLifetimeSeconds),
		MinPeerLifetime: secondsToDuration(c.cfg.DefaultPCPPeerAssignedLifetimeSeconds),
	}
	pcpServer := pcpserver.New(pcpCfg, table, allocators, programmer, c.logger)

	if err := programmer.WipeAllFlows(ctx); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	if err := programmer.InstallPuntRules(ctx); err != nil {
		return fmt.Errorf("features: %w", err)
	}

	c.sess = &session{
		channel:      ch,
		datapathMAC:  datapathMAC,
		accessPort:   accessPort,
		externalPort: externalPort,
		table:        table,
		allocators:   allocators,
		arpHandler:   arpHandler,
		programmer:   programmer,
		pcpServer:    pcpServer,
	}

	c.recordForwarderConnect()
	c.logger.Info("forwarder session established",
		slog.Uint64("access_port", uint64(accessPort)),
		slog.Uint64("external_port", uint64(externalPort)),
	)
	return nil
}

// Disconnect drops all in-memory state for the current forwarder session.
// PCP clients are expected to re-MAP after observing a reset epoch_time
// following reconnect.
func (c *Controller) Disconnect() {
	if c.sess == nil {
		return
	}
	c.logger.Info("forwarder session disconnected", slog.Int("mappings_dropped", c.sess.table.Len()))
	c.sess = nil
	c.recordForwarderDisconnect()
}

// PacketIn handles one packet-in event: frame is the raw Ethernet frame as
// received on inPort. Non-ARP, non-PCP traffic is ignored -- it is handled
// entirely in the data plane.
func (c *Controller) PacketIn(ctx context.Context, inPort ofp.PortNo, frame []byte) error {
	if c.sess == nil {
		return ErrNoForwarder
	}

	eth, err := packetio.ParseEthernet(frame)
	if err != nil {
		return nil
	}

	switch eth.EtherType {
	case packetio.EtherTypeARP:
		return c.handleARPPacketIn(ctx, inPort, eth)
	case packetio.EtherTypeIPv4:
		return c.handleIPv4PacketIn(ctx, inPort, eth)
	default:
		return nil
	}
}

func (c *Controller) handleIPv4PacketIn(ctx context.Context, inPort ofp.PortNo, eth packetio.EthernetFrame) error {
	ip, err := packetio.ParseIPv4(eth.Payload)
	if err != nil || ip.Protocol != packetio.ProtoUDP {
		return nil
	}
	udp, err := packetio.ParseUDP(ip.Payload)
	if err != nil || udp.DstPort != c.cfg.PCPServerListeningPort {
		return nil
	}

	req := pcp.Parse(udp.Payload, ip.Src)
	resp, ok := c.sess.pcpServer.Handle(ctx, req)
	if !ok || resp == nil {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordPCPRequest(resp.Opcode.String(), resp.ResultCode.String())
		c.metrics.SetActiveMappings(c.sess.table.Len())
	}

	return c.sendPCPResponse(ctx, inPort, eth, ip, udp, resp)
}

// sendPCPResponse serializes resp and re-emits it on the access port using
// the request's own Ethernet/IP/UDP headers with source and destination
// swapped.
func (c *Controller) sendPCPResponse(ctx context.Context, inPort ofp.PortNo, eth packetio.EthernetFrame, ip packetio.IPv4Packet, udp packetio.UDPDatagram, resp *pcp.Message) error {
	body := make([]byte, pcp.MaxEncodedLength)
	n, err := pcp.Serialize(resp, body)
	if err != nil {
		return fmt.Errorf("serialize pcp response: %w", err)
	}

	udpOut := packetio.UDPDatagram{SrcPort: udp.DstPort, DstPort: udp.SrcPort, Payload: body[:n]}
	udpBuf := make([]byte, packetio.UDPHeaderSize+n)
	udpN, err := packetio.EncodeUDP(udpOut, udpBuf)
	if err != nil {
		return fmt.Errorf("encode udp response: %w", err)
	}

	ipOut := packetio.IPv4Packet{TTL: 64, Protocol: packetio.ProtoUDP, Src: ip.Dst, Dst: ip.Src, Payload: udpBuf[:udpN]}
	ipBuf := make([]byte, packetio.MinIPv4HeaderSize+udpN)
	ipN, err := packetio.EncodeIPv4(ipOut, ipBuf)
	if err != nil {
		return fmt.Errorf("encode ipv4 response: %w", err)
	}

	ethOut := packetio.EthernetFrame{Dst: eth.Src, Src: eth.Dst, EtherType: packetio.EtherTypeIPv4, Payload: ipBuf[:ipN]}
	ethBuf := make([]byte, packetio.EthernetHeaderSize+ipN)
	ethN, err := packetio.EncodeEthernet(ethOut, ethBuf)
	if err != nil {
		return fmt.Errorf("encode ethernet response: %w", err)
	}

	if err := c.sess.channel.SendPacketOut(ctx, c.sess.accessPort, ethBuf[:ethN]); err != nil {
		return fmt.Errorf("send pcp response: %w", err)
	}
	return nil
}

// handleARPPacketIn implements proxy-ARP handling: proxy-reply plus active
// probe for requests against an owned address, and MAC-rewrite flow
// installation once a probe's reply arrives.
func (c *Controller) handleARPPacketIn(ctx context.Context, inPort ofp.PortNo, eth packetio.EthernetFrame) error {
	pkt, err := packetio.ParseARP(eth.Payload)
	if err != nil {
		return nil
	}

	resolvePort := c.sess.externalPort
	if inPort == c.sess.externalPort {
		resolvePort = c.sess.accessPort
	}

	res, err := c.sess.arpHandler.Handle(pkt, uint32(inPort), c.sess.datapathMAC, uint32(resolvePort))
	if err != nil {
		c.logger.Warn("arp handling failed", slog.String("error", err.Error()))
		return nil
	}
	if c.metrics != nil {
		seen := c.sess.arpHandler.LearnedCount()
		for ; c.sess.arpLearnedSeen < seen; c.sess.arpLearnedSeen++ {
			c.metrics.ARPBindingsLearned.Inc()
		}
	}

	if res.Reply != nil {
		if err := c.sendARP(ctx, inPort, eth, *res.Reply); err != nil {
			return err
		}
	}
	if res.Probe != nil {
		if err := c.sendARP(ctx, ofp.PortNo(res.ProbeOut), eth, *res.Probe); err != nil {
			return err
		}
	}
	if res.Resolved {
		if c.metrics != nil {
			c.metrics.ARPResolutions.Inc()
		}
		if err := c.installMACRewrite(ctx, inPort, resolvePort, res.ResolvedTarget, res.ResolvedMAC); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) installMACRewrite(ctx context.Context, requesterSidePort, peerSidePort ofp.PortNo, peerIP netip.Addr, peerMAC packetio.MAC) error {
	if err := c.sess.programmer.InstallMACRewrite(ctx, requesterSidePort, peerSidePort, peerIP, peerMAC); err != nil {
		return fmt.Errorf("install mac rewrite: %w", err)
	}
	if err := c.sess.programmer.InstallMACRewrite(ctx, peerSidePort, requesterSidePort, peerIP, peerMAC); err != nil {
		return fmt.Errorf("install mac rewrite: %w", err)
	}
	return nil
}

func (c *Controller) sendARP(ctx context.Context, outPort ofp.PortNo, srcFrame packetio.EthernetFrame, pkt packetio.ARPPacket) error {
	arpBuf := make([]byte, packetio.ARPPacketSize)
	arpN, err := packetio.EncodeARP(pkt, arpBuf)
	if err != nil {
		return fmt.Errorf("encode arp: %w", err)
	}

	dst := pkt.TargetMAC
	if pkt.Opcode == packetio.ARPOpRequest {
		dst = packetio.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	ethOut := packetio.EthernetFrame{Dst: dst, Src: pkt.SenderMAC, EtherType: packetio.EtherTypeARP, Payload: arpBuf[:arpN]}
	ethBuf := make([]byte, packetio.EthernetHeaderSize+arpN)
	ethN, err := packetio.EncodeEthernet(ethOut, ethBuf)
	if err != nil {
		return fmt.Errorf("encode ethernet: %w", err)
	}

	if err := c.sess.channel.SendPacketOut(ctx, outPort, ethBuf[:ethN]); err != nil {
		return fmt.Errorf("send arp packet: %w", err)
	}
	return nil
}

// FlowRemoved handles a forwarder-initiated flow removal. Only
// IDLE_TIMEOUT removals from the NAT table are acted on, and only the
// internal->external direction of a mapping is authoritative -- the
// external->internal entry's removal is ignored, since both directions
// share the same idle_timeout and removing the mapping once is sufficient.
func (c *Controller) FlowRemoved(tableID forwarder.Table, reason forwarder.RemovalReason, cookie uint64) {
	if c.sess == nil || tableID != forwarder.TableNAT || reason != forwarder.ReasonIdleTimeout {
		return
	}

	for _, m := range c.sess.table.All() {
		if len(m.FlowIDs) == 0 || m.FlowIDs[0] != cookie {
			continue
		}
		// FlowIDs[0] is always the internal->external cookie (see
		// forwarder.Programmer.InstallMapping): this is the authoritative
		// removal. FlowIDs[1] (external->internal) is never matched here,
		// so its own flow-removed event is silently ignored.
		if _, err := c.sess.table.Delete(m.Internal); err != nil {
			c.logger.Warn("flow-removed for already-deleted mapping", slog.String("internal", m.Internal.String()))
			return
		}
		if allocator, ok := c.sess.allocators[m.External.Protocol]; ok {
			allocator.Release(m.External)
		}
		c.recordMappingExpired()
		c.logger.Info("mapping expired", slog.String("internal", m.Internal.String()), slog.String("external", m.External.String()))
		return
	}
}

func secondsToDuration(secs uint32) time.Duration {
	return time.Duration(secs) * time.Second
}

func (c *Controller) recordForwarderConnect() {
	if c.metrics != nil {
		c.metrics.ForwarderConnects.Inc()
	}
}

func (c *Controller) recordForwarderDisconnect() {
	if c.metrics != nil {
		c.metrics.ForwarderDisconnects.Inc()
	}
}

func (c *Controller) recordMappingExpired() {
	if c.metrics != nil {
		c.metrics.MappingsExpired.Inc()
		c.metrics.SetActiveMappings(c.sess.table.Len())
	}
}
