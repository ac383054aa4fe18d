// Package arp implements the proxy-ARP behavior of a PCP-NAT forwarder:
// learning peer (IP, MAC) bindings from the ARP traffic it is handed, and
// answering ARP requests for the externally-owned addresses the NAT layer
// advertises, with the reply sent back out the request's ingress port.
package arp

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/unifycore/pcp-sdn/internal/packetio"
)

// ErrMaxBindings indicates the learned-binding table has reached its
// configured capacity and cannot learn a new (IP, MAC) pair.
var ErrMaxBindings = errors.New("arp binding table full")

// Binding is a learned (IP, MAC) pair together with the access port it was
// learned on.
type Binding struct {
	IP   netip.Addr
	MAC  packetio.MAC
	Port uint32 // OpenFlow port number the binding was learned on.
}

// PendingResolution tracks an in-flight active MAC resolution: the
// controller proxy-answered a request for an owned address, and is now
// waiting for the real owner of targetIP (reachable out resolvePort) to
// answer the probe the controller broadcast on its behalf.
type PendingResolution struct {
	TargetIP    netip.Addr
	RequesterIP netip.Addr
	ResolvePort uint32
}

// Handler is the per-forwarder proxy-ARP state: learned internal bindings,
// the set of addresses this controller answers for on behalf of the
// NAT/external side, and any resolutions still awaiting a reply.
//
// Handler is owned by a single forwarder's controller state and is never
// accessed concurrently (the controller event loop is single-threaded),
// so it holds no lock -- same reasoning as nat.Table.
type Handler struct {
	bindings    map[netip.Addr]Binding
	maxBindings int

	ownedAddrs map[netip.Addr]packetio.MAC

	// pending indexes in-flight resolutions by the address being resolved,
	// so the eventual reply (keyed by its SenderIP) can be matched back to
	// the request that triggered the probe.
	pending map[netip.Addr]PendingResolution

	learnedCount atomic.Int64
}

// New creates a Handler. maxBindings caps the learned-binding table size;
// zero means unlimited.
func New(maxBindings int) *Handler {
	return &Handler{
		bindings:    make(map[netip.Addr]Binding),
		maxBindings: maxBindings,
		ownedAddrs:  make(map[netip.Addr]packetio.MAC),
		pending:     make(map[netip.Addr]PendingResolution),
	}
}

// OwnAddress registers addr as one the controller answers ARP requests for
// on behalf of the NAT layer, using virtualMAC as the answered hardware
// address (typically the forwarder's own external-facing port MAC).
func (h *Handler) OwnAddress(addr netip.Addr, virtualMAC packetio.MAC) {
	h.ownedAddrs[addr] = virtualMAC
}

// DisownAddress removes addr from the set this controller answers for,
// e.g. when the last NAT mapping using an external address is torn down.
func (h *Handler) DisownAddress(addr netip.Addr) {
	delete(h.ownedAddrs, addr)
}

// Learn records (or refreshes) a binding observed on an incoming ARP packet.
// Returns ErrMaxBindings if the table is at capacity and ip is not already
// known.
func (h *Handler) Learn(ip netip.Addr, mac packetio.MAC, port uint32) error {
	if _, exists := h.bindings[ip]; !exists {
		if h.maxBindings > 0 && len(h.bindings) >= h.maxBindings {
			return fmt.Errorf("learn binding for %s: %w", ip, ErrMaxBindings)
		}
		h.learnedCount.Add(1)
	}
	h.bindings[ip] = Binding{IP: ip, MAC: mac, Port: port}
	return nil
}

// Lookup returns the learned binding for ip, if any.
func (h *Handler) Lookup(ip netip.Addr) (Binding, bool) {
	b, ok := h.bindings[ip]
	return b, ok
}

// LearnedCount returns the number of bindings ever learned, for metrics.
// It is monotonic and does not decrease when bindings are overwritten.
func (h *Handler) LearnedCount() int64 {
	return h.learnedCount.Load()
}

// Result is what Handle decided to do with one incoming ARP packet: any
// combination of a reply to send back on the ingress port, a probe to
// broadcast out a resolving port (to actively learn the real owner of an
// address the controller only proxy-answered for), and a resolved binding
// (once a probe's reply arrives) that the caller should turn into a
// MAC-rewrite flow install.
type Result struct {
	Reply    *packetio.ARPPacket
	Probe    *packetio.ARPPacket
	ProbeOut uint32

	Resolved       bool
	ResolvedTarget netip.Addr
	ResolvedMAC    packetio.MAC
	RequesterIP    netip.Addr
}

// Handle processes one incoming ARP packet seen on ingressPort.
//
// For a request targeting an owned address, it proxy-replies on ingressPort
// AND (if the real owner's MAC is not yet known) broadcasts its own probe
// request out resolvePort, sourced from virtualMAC and the original
// requester's IP -- the two-stage resolution RFC 6887 proxy-ARP deployments
// rely on: the client
// gets an immediate reply so its own traffic starts flowing through the
// NAT-translated flow entries, while the controller learns the real
// downstream MAC in parallel so it can install a MAC-rewrite entry without
// waiting on the client's retransmissions.
//
// For a reply matching a pending resolution, it reports the resolved
// binding so the caller can install MAC-rewrite flow entries and clear the
// pending state.
//
// Any request or reply also updates the learned-binding table for its
// sender, regardless of whether a reply or probe is generated.
func (h *Handler) Handle(pkt packetio.ARPPacket, ingressPort uint32, virtualMAC packetio.MAC, resolvePort uint32) (Result, error) {
	var res Result

	if pkt.SenderIP.IsValid() && !pkt.SenderMAC.IsBroadcast() {
		if err := h.Learn(pkt.SenderIP, pkt.SenderMAC, ingressPort); err != nil {
			return res, err
		}
	}

	switch pkt.Opcode {
	case packetio.ARPOpReply:
		pending, ok := h.pending[pkt.SenderIP]
		if !ok {
			return res, nil
		}
		delete(h.pending, pkt.SenderIP)
		res.Resolved = true
		res.ResolvedTarget = pending.TargetIP
		res.ResolvedMAC = pkt.SenderMAC
		res.RequesterIP = pending.RequesterIP
		return res, nil

	case packetio.ARPOpRequest:
		virtual, owned := h.ownedAddrs[pkt.TargetIP]
		if !owned {
			return res, nil
		}

		res.Reply = &packetio.ARPPacket{
			Opcode:    packetio.ARPOpReply,
			SenderMAC: virtual,
			SenderIP:  pkt.TargetIP,
			TargetMAC: pkt.SenderMAC,
			TargetIP:  pkt.SenderIP,
		}

		if _, known := h.bindings[pkt.TargetIP]; known {
			return res, nil
		}
		if _, inflight := h.pending[pkt.TargetIP]; inflight {
			return res, nil
		}

		h.pending[pkt.TargetIP] = PendingResolution{
			TargetIP:    pkt.TargetIP,
			RequesterIP: pkt.SenderIP,
			ResolvePort: resolvePort,
		}
		res.Probe = &packetio.ARPPacket{
			Opcode:    packetio.ARPOpRequest,
			SenderMAC: virtualMAC,
			SenderIP:  pkt.SenderIP,
			TargetMAC: packetio.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			TargetIP:  pkt.TargetIP,
		}
		res.ProbeOut = resolvePort
		return res, nil

	default:
		return res, nil
	}
}
