// Package forwarder programs one connected OpenFlow 1.3 forwarder: it turns
// NAT/ARP/PCP-punt intents into flow table entries, and resolves the
// forwarder's access/external port names to OpenFlow port numbers via
// OVSDB.
//
// Flow entries are represented here by FlowMod/Match/Action, a minimal
// internal model of the OpenFlow 1.3 wire structures: github.com/netrack/
// openflow/ofp.v13 only exposes its port-management types (Port, PortNo,
// PortConfig, PortState), not flow_mod/match/instruction encoding, so those
// are modeled locally instead. Port numbers themselves are carried as
// ofp.PortNo, the one type this package takes from that library.
package forwarder

import (
	"errors"
	"fmt"

	ofp "github.com/netrack/openflow/ofp.v13"
)

// Table identifies one OpenFlow flow table by its pipeline role. Using a
// small enum instead of raw table IDs keeps the pipeline's stage order
// independent of how table IDs are actually assigned on the wire.
type Table int

const (
	TableClassify Table = iota // dispatches by EtherType/protocol: ARP, PCP, passthrough.
	TableARP                   // proxy-ARP reply/learn, punts to TableNAT on miss-through.
	TableNAT                   // NAT translation (internal<->external rewrite).
	TableForward                // final output/goto-normal.
)

// tableOrder is the canonical, ordered pipeline -- the single source of
// truth for "what comes next." NextTable always walks this slice rather
// than following an alias map, so a misconfigured alias can never point a
// table at itself or skip a stage silently.
var tableOrder = []Table{TableClassify, TableARP, TableNAT, TableForward}

// ErrUnknownTable indicates a Table value outside the canonical pipeline.
var ErrUnknownTable = errors.New("unknown pipeline table")

// ErrLastTable indicates NextTable was called on the final pipeline stage.
var ErrLastTable = errors.New("no table follows the last pipeline stage")

// RemovalReason is why the forwarder removed a flow entry (OpenFlow 1.3
// ofp_flow_removed_reason).
type RemovalReason int

const (
	ReasonIdleTimeout RemovalReason = iota
	ReasonHardTimeout
	ReasonDelete
	ReasonGroupDelete
)

// Pipeline exposes the fixed table ordering used when building goto-table
// instructions. It has no mutable state, so separate Pipeline values are
// interchangeable; the controller creates one per forwarder session.
type Pipeline struct{}

// NewPipeline returns the fixed, ordered NAT/ARP/PCP flow pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// NextTable returns the table that follows t in the canonical pipeline
// order. Returns ErrLastTable for TableForward and ErrUnknownTable for any
// value outside tableOrder.
func (p *Pipeline) NextTable(t Table) (Table, error) {
	for i, cur := range tableOrder {
		if cur != t {
			continue
		}
		if i+1 == len(tableOrder) {
			return 0, fmt.Errorf("next table after %v: %w", t, ErrLastTable)
		}
		return tableOrder[i+1], nil
	}
	return 0, fmt.Errorf("next table after %v: %w", t, ErrUnknownTable)
}

// TableID returns the wire table ID for t, assigning IDs by pipeline
// position (0-based). This is the only place a Table enum value is turned
// into the raw uint8 OpenFlow expects.
func (p *Pipeline) TableID(t Table) (uint8, error) {
	for i, cur := range tableOrder {
		if cur == t {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("table ID for %v: %w", t, ErrUnknownTable)
}

// Match describes the flow match fields this implementation needs: never
// the full OpenFlow 1.3 OXM set, only what NAT/ARP/PCP classification
// requires. TCP and UDP both identify their ports with the same field
// names; IPProto selects which transport the match applies to
// (packetio.ProtoTCP or packetio.ProtoUDP), matching RFC 6887 Section 9.1's
// single "protocol" byte covering both.
type Match struct {
	InPort     ofp.PortNo
	EthType    uint16
	ARPTpa     string // target protocol address, dotted-quad, ARP matches only.
	IPProto    uint8
	IPv4Src    string
	IPv4Dst    string
	TransportSrcPort uint16
	TransportDstPort uint16

	// HasTransportSrcPort/HasTransportDstPort/HasARPTpa/HasIPv4Src/HasIPv4Dst
	// distinguish "match any" from "match zero", since zero is a valid
	// port/address.
	HasTransportSrcPort bool
	HasTransportDstPort bool
	HasARPTpa           bool
	HasIPv4Src          bool
	HasIPv4Dst          bool
}

// ActionKind identifies one flow action.
type ActionKind int

const (
	ActionOutput ActionKind = iota
	ActionSetIPv4Src
	ActionSetIPv4Dst
	ActionSetTransportSrcPort
	ActionSetTransportDstPort
	ActionSetEthDst
)

// Action is one action within an apply-actions instruction.
type Action struct {
	Kind       ActionKind
	OutputPort ofp.PortNo
	IPv4       string
	Port       uint16
	EthDst     [6]byte
}

// FlowMod describes one flow entry to install or remove.
type FlowMod struct {
	Table    Table
	Priority uint16
	Match    Match
	Actions  []Action
	GotoNext bool // append a goto-table instruction for Pipeline.NextTable(Table).
	Cookie   uint64
	Delete   bool

	// IdleTimeout is the OpenFlow 1.3 idle_timeout in seconds; the
	// forwarder expires the entry and emits a FlowRemoved event once this
	// long passes with no matching traffic (RFC 6887 Section 15's mapping
	// lifetime is enforced this way, not by a controller-side timer).
	IdleTimeout uint16

	// SendFlowRemoved sets OFPFF_SEND_FLOW_REM so the forwarder notifies
	// the controller when this entry expires or is deleted.
	SendFlowRemoved bool
}
