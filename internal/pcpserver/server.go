// Package pcpserver implements PCP MAP/PEER request handling: it is the
// thin adapter between decoded wire messages (internal/pcp) and this
// forwarder's NAT state (internal/nat) and flow programming
// (internal/forwarder).
package pcpserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/unifycore/pcp-sdn/internal/forwarder"
	"github.com/unifycore/pcp-sdn/internal/nat"
	"github.com/unifycore/pcp-sdn/internal/pcp"
)

// Config holds the per-forwarder PCP server policy: the per-opcode minimum
// assigned lifetime. A zero value means
// no clamp -- the client's requested lifetime is granted as-is, matching
// the shipped factory default of 0 for both opcodes.
type Config struct {
	MinMapLifetime  time.Duration
	MinPeerLifetime time.Duration
}

// Server handles PCP MAP and PEER requests for one forwarder.
type Server struct {
	cfg        Config
	table      *nat.Table
	allocators map[uint8]*nat.Allocator // keyed by IP protocol number
	programmer *forwarder.Programmer
	logger     *slog.Logger
	startTime  time.Time
}

// New creates a Server over table, using allocators (keyed by IP protocol
// number, e.g. 6 for TCP, 17 for UDP) to assign external endpoints, and
// programmer to install/remove the resulting flow entries.
func New(cfg Config, table *nat.Table, allocators map[uint8]*nat.Allocator, programmer *forwarder.Programmer, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		table:      table,
		allocators: allocators,
		programmer: programmer,
		logger:     logger.With(slog.String("component", "pcpserver")),
		startTime:  time.Now(),
	}
}

// epoch returns the seconds elapsed since this Server (and thus its NAT
// state) came up, per RFC 6887 Section 8's Epoch Time field -- clients use
// a discontinuity here to detect that previously granted mappings may have
// been lost.
func (s *Server) epoch() uint32 {
	return uint32(time.Since(s.startTime) / time.Second)
}

// Handle processes one parsed PCP request and returns the response to send
// (if ok is true) or indicates the request must be silently dropped (ok is
// false), mirroring pcp.Parse's own silent-drop/error-response split.
func (s *Server) Handle(ctx context.Context, req *pcp.Message) (resp *pcp.Message, ok bool) {
	if req == nil {
		return nil, false
	}

	if req.ParseResult != pcp.ResultSuccess {
		return s.errorResponse(req, req.ParseResult), true
	}

	switch req.Opcode {
	case pcp.OpcodeAnnounce:
		return s.handleAnnounce(req), true
	case pcp.OpcodeMap:
		return s.handleMap(ctx, req), true
	case pcp.OpcodePeer:
		return s.handlePeer(ctx, req), true
	default:
		return s.errorResponse(req, pcp.ResultUnsuppOpcode), true
	}
}

func (s *Server) handleAnnounce(req *pcp.Message) *pcp.Message {
	return s.baseResponse(req, pcp.ResultSuccess, 0)
}

func (s *Server) handleMap(ctx context.Context, req *pcp.Message) *pcp.Message {
	mf := req.Map
	if mf == nil && req.Peer != nil {
		mf = &req.Peer.MapFields
	}
	internal := nat.Endpoint{Addr: req.ClientIP, Port: mf.InternalPort, Protocol: mf.Protocol}

	if req.IsRemoval() {
		return s.handleDelete(internal, req, mf.Nonce)
	}

	lifetime := s.clampLifetime(req)

	existing, exists := s.table.LookupInternal(internal)
	if exists {
		if existing.ClientIP != req.ClientIP {
			return s.errorResponse(req, pcp.ResultNotAuthorized)
		}
		if existing.Nonce != mf.Nonce {
			return s.errorResponse(req, pcp.ResultNotAuthorized)
		}
		return s.refreshMapping(ctx, req, existing, lifetime)
	}

	allocator, ok := s.allocators[mf.Protocol]
	if !ok {
		return s.errorResponse(req, pcp.ResultUnsuppProtocol)
	}

	var external nat.Endpoint
	var err error
	switch {
	case mf.ExternalPort != 0 && mf.ExternalIP.IsValid():
		suggested := nat.Endpoint{Addr: mf.ExternalIP, Port: mf.ExternalPort, Protocol: mf.Protocol}
		if rerr := allocator.Reserve(suggested); rerr == nil {
			external = suggested
		}
	case mf.ExternalIP.IsValid():
		if ep, aerr := allocator.AllocateOnAddr(mf.ExternalIP, mf.Protocol); aerr == nil {
			external = ep
		}
	}
	if !external.Valid() {
		external, err = allocator.Allocate(mf.Protocol)
		if err != nil {
			return s.errorResponse(req, pcp.ResultNoResources)
		}
	}

	mapping := &nat.Mapping{
		Internal:  internal,
		External:  external,
		ClientIP:  req.ClientIP,
		Nonce:     mf.Nonce,
		ExpiresAt: time.Now().Add(lifetime),
	}

	flowIDs, err := s.programmer.InstallMapping(ctx, mapping, lifetimeSeconds(lifetime))
	if err != nil {
		allocator.Release(external)
		return s.errorResponse(req, pcp.ResultNetworkFailure)
	}
	mapping.FlowIDs = flowIDs

	if err := s.table.Create(mapping); err != nil {
		allocator.Release(external)
		return s.errorResponse(req, pcp.ResultMalformedRequest)
	}

	return s.mapSuccessResponse(req, mapping, lifetime)
}

// refreshMapping reinstalls existing's flow entries with the new lifetime.
// OpenFlow 1.3 has no "modify idle_timeout" primitive, so a refresh deletes
// both flow directions and re-adds them with the new idle_timeout. The
// table entry's FlowIDs and expiry are only updated once the reinstall
// succeeds. If the reinstall fails after the delete went through, the
// entry stays in Table with its old FlowIDs and expiry while the forwarder
// holds no (or only the outbound) flow entry for it.
func (s *Server) refreshMapping(ctx context.Context, req *pcp.Message, existing *nat.Mapping, lifetime time.Duration) *pcp.Message {
	if err := s.programmer.RemoveMapping(ctx, existing); err != nil {
		s.logger.Warn("failed to remove flow entries before refresh",
			slog.String("internal", existing.Internal.String()),
			slog.String("error", err.Error()),
		)
		return s.errorResponse(req, pcp.ResultNetworkFailure)
	}

	flowIDs, err := s.programmer.InstallMapping(ctx, existing, lifetimeSeconds(lifetime))
	if err != nil {
		return s.errorResponse(req, pcp.ResultNetworkFailure)
	}
	existing.FlowIDs = flowIDs

	if _, err := s.table.Refresh(existing.Internal, time.Now().Add(lifetime)); err != nil {
		return s.errorResponse(req, pcp.ResultMalformedRequest)
	}

	return s.mapSuccessResponse(req, existing, lifetime)
}

// lifetimeSeconds converts lt to the idle_timeout value a flow entry is
// installed with, saturating at uint16's range (RFC 6887 lifetimes are
// u32 seconds; OpenFlow 1.3 idle_timeout is u16 seconds).
func lifetimeSeconds(lt time.Duration) uint16 {
	secs := lt / time.Second
	if secs > time.Duration(^uint16(0)) {
		return ^uint16(0)
	}
	return uint16(secs)
}

func (s *Server) handlePeer(ctx context.Context, req *pcp.Message) *pcp.Message {
	resp := s.handleMap(ctx, req)
	if resp.ResultCode != pcp.ResultSuccess {
		return resp
	}
	resp.Opcode = pcp.OpcodePeer
	resp.Peer = &pcp.PeerFields{
		MapFields:      *resp.Map,
		RemotePeerPort: req.Peer.RemotePeerPort,
		RemotePeerIP:   req.Peer.RemotePeerIP,
	}
	return resp
}

func (s *Server) handleDelete(internal nat.Endpoint, req *pcp.Message, nonce [12]byte) *pcp.Message {
	existing, ok := s.table.LookupInternal(internal)
	if !ok {
		// RFC 6887 Section 15: deleting a nonexistent mapping is SUCCESS.
		return s.baseResponse(req, pcp.ResultSuccess, 0)
	}
	if existing.ClientIP != req.ClientIP || existing.Nonce != nonce {
		return s.errorResponse(req, pcp.ResultNotAuthorized)
	}

	if s.programmer != nil {
		if err := s.programmer.RemoveMapping(context.Background(), existing); err != nil {
			s.logger.Warn("failed to remove flow entries for deleted mapping",
				slog.String("internal", existing.Internal.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if allocator, ok := s.allocators[existing.External.Protocol]; ok {
		allocator.Release(existing.External)
	}
	if _, err := s.table.Delete(internal); err != nil {
		s.logger.Warn("delete mapping not found at teardown time",
			slog.String("internal", internal.String()),
		)
	}

	return s.baseResponse(req, pcp.ResultSuccess, 0)
}

func (s *Server) mapSuccessResponse(req *pcp.Message, m *nat.Mapping, lifetime time.Duration) *pcp.Message {
	resp := s.baseResponse(req, pcp.ResultSuccess, uint32(lifetime/time.Second))
	resp.Map = &pcp.MapFields{
		Nonce:        m.Nonce,
		Protocol:     m.Internal.Protocol,
		InternalPort: m.Internal.Port,
		ExternalPort: m.External.Port,
		ExternalIP:   m.External.Addr,
	}
	return resp
}

// baseResponse builds the common response header and, for MAP/PEER
// opcodes, echoes the request's MAP/PEER fields back unchanged -- pcp.
// Serialize requires Map/Peer to be set for those opcodes (internal/pcp/
// codec.go), and RFC 6887 Section 8.1 has error and delete responses carry
// the fields "as they would have appeared" in a success response anyway.
// req.Map/req.Peer can themselves be nil here (a too-short malformed
// datagram), so the echo is nil-safe.
func (s *Server) baseResponse(req *pcp.Message, result pcp.ResultCode, lifetime uint32) *pcp.Message {
	resp := &pcp.Message{
		Version:    pcp.SupportedVersion,
		Type:       pcp.MessageTypeResponse,
		Opcode:     req.Opcode,
		Lifetime:   lifetime,
		ResultCode: result,
		EpochTime:  s.epoch(),
	}
	if result != pcp.ResultSuccess {
		resp.ClientIPTail = pcp.ClientIPTail(req.ClientIP)
	}

	switch req.Opcode {
	case pcp.OpcodeMap:
		resp.Map = echoMapFields(req.Map)
	case pcp.OpcodePeer:
		resp.Peer = echoPeerFields(req.Peer)
	}

	return resp
}

func (s *Server) errorResponse(req *pcp.Message, result pcp.ResultCode) *pcp.Message {
	return s.baseResponse(req, result, 0)
}

// echoMapFields copies the fields a MAP response must carry back from the
// request, zero-valued if mf is nil (request too short to have been
// decoded).
func echoMapFields(mf *pcp.MapFields) *pcp.MapFields {
	if mf == nil {
		return &pcp.MapFields{}
	}
	return &pcp.MapFields{
		Nonce:        mf.Nonce,
		Protocol:     mf.Protocol,
		InternalPort: mf.InternalPort,
		ExternalPort: mf.ExternalPort,
		ExternalIP:   mf.ExternalIP,
	}
}

// echoPeerFields is echoMapFields's PEER counterpart.
func echoPeerFields(pf *pcp.PeerFields) *pcp.PeerFields {
	if pf == nil {
		return &pcp.PeerFields{}
	}
	return &pcp.PeerFields{
		MapFields:      *echoMapFields(&pf.MapFields),
		RemotePeerPort: pf.RemotePeerPort,
		RemotePeerIP:   pf.RemotePeerIP,
	}
}

// clampLifetime applies the per-opcode minimum-lifetime clamp to req. A
// zero-valued minimum (the shipped default) never clamps.
func (s *Server) clampLifetime(req *pcp.Message) time.Duration {
	lt := time.Duration(req.Lifetime) * time.Second

	min := s.cfg.MinMapLifetime
	if req.Opcode == pcp.OpcodePeer {
		min = s.cfg.MinPeerLifetime
	}
	if min > 0 && lt < min {
		return min
	}
	return lt
}

