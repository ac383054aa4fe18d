// Package nat holds per-forwarder NAT mapping state: the two-index table
// of active mappings and the external (address, port) allocator that backs
// it.
//
// A Table is owned by exactly one forwarder's controller state and is
// never accessed concurrently (the controller event loop is single-
// threaded), so neither Table nor Allocator takes a lock.
package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Sentinel errors for Table operations.
var (
	// ErrMappingNotFound indicates no mapping exists for the given key.
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrDuplicateMapping indicates a mapping already exists for the given
	// internal endpoint under a different client/nonce.
	ErrDuplicateMapping = errors.New("duplicate mapping for internal endpoint")

	// ErrInvalidKey indicates an endpoint key has an invalid (zero-value
	// netip.Addr) address; the port is not checked. Guards against the sentinel-string-key
	// footgun of coercing an absent address/port into a lookup key.
	ErrInvalidKey = errors.New("endpoint key must have a valid address")
)

// Endpoint identifies one side of a NAT mapping: an (address, port)
// pair scoped to an IP protocol number (RFC 6887 Section 9.1's
// "protocol" field, e.g. 6 for TCP, 17 for UDP).
type Endpoint struct {
	Addr     netip.Addr
	Port     uint16
	Protocol uint8
}

// Valid reports whether e can be used as a table key. A zero Endpoint or
// one with an invalid address is never an acceptable lookup key -- this
// is the typed replacement for a nil/sentinel-string key.
func (e Endpoint) Valid() bool {
	return e.Addr.IsValid()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d/%d", e.Addr, e.Port, e.Protocol)
}

// Mapping is one active PCP MAP or PEER mapping.
type Mapping struct {
	Internal Endpoint
	External Endpoint

	// ClientIP is the PCP client that requested the mapping (RFC 6887
	// Section 8.1: used to authorize refresh/delete of the mapping).
	ClientIP netip.Addr

	// Nonce is the MAP/PEER mapping nonce the client supplied. A refresh
	// or delete request for the same internal endpoint must carry the
	// same nonce (RFC 6887 Section 11).
	Nonce [12]byte

	// Peer is set for PEER-opcode mappings; nil for MAP-opcode mappings.
	Peer *Endpoint

	// ExpiresAt is when the mapping lapses. The zero Time means the
	// mapping never expires on its own (not used by PCP, but available
	// for statically configured mappings).
	ExpiresAt time.Time

	// FlowIDs lets the forwarder programmer find the flow entries it
	// installed for this mapping, so they can be removed together.
	FlowIDs []uint64
}

// Lifetime returns the remaining lifetime of m as of now, clamped to zero.
func (m *Mapping) Lifetime(now time.Time) time.Duration {
	if m.ExpiresAt.IsZero() {
		return 0
	}
	remaining := m.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Table is the two-index NAT mapping table for a single forwarder:
// mappings are reachable in O(1) by internal endpoint (for refresh/delete
// and for NATing outbound packets) and by external endpoint (for NATing
// inbound return traffic).
type Table struct {
	byInternal map[Endpoint]*Mapping
	byExternal map[Endpoint]*Mapping
}

// NewTable creates an empty NAT table.
func NewTable() *Table {
	return &Table{
		byInternal: make(map[Endpoint]*Mapping),
		byExternal: make(map[Endpoint]*Mapping),
	}
}

// Create inserts a new mapping. Returns ErrDuplicateMapping if a mapping
// already exists for m.Internal under a different client or nonce (a
// matching client+nonce should go through Refresh instead).
func (t *Table) Create(m *Mapping) error {
	if !m.Internal.Valid() || !m.External.Valid() {
		return fmt.Errorf("create mapping: %w", ErrInvalidKey)
	}

	if existing, ok := t.byInternal[m.Internal]; ok {
		if existing.ClientIP != m.ClientIP || existing.Nonce != m.Nonce {
			return fmt.Errorf("create mapping for %s: %w", m.Internal, ErrDuplicateMapping)
		}
	}

	t.byInternal[m.Internal] = m
	t.byExternal[m.External] = m
	return nil
}

// LookupInternal finds the mapping for an internal endpoint.
func (t *Table) LookupInternal(e Endpoint) (*Mapping, bool) {
	if !e.Valid() {
		return nil, false
	}
	m, ok := t.byInternal[e]
	return m, ok
}

// LookupExternal finds the mapping for an external endpoint, used to
// reverse-NAT inbound traffic back to its internal destination.
func (t *Table) LookupExternal(e Endpoint) (*Mapping, bool) {
	if !e.Valid() {
		return nil, false
	}
	m, ok := t.byExternal[e]
	return m, ok
}

// Delete removes the mapping keyed by internal endpoint e. Returns
// ErrMappingNotFound if none exists.
func (t *Table) Delete(e Endpoint) (*Mapping, error) {
	m, ok := t.byInternal[e]
	if !ok {
		return nil, fmt.Errorf("delete mapping for %s: %w", e, ErrMappingNotFound)
	}
	delete(t.byInternal, m.Internal)
	delete(t.byExternal, m.External)
	return m, nil
}

// Refresh updates the expiry time of an existing mapping in place. It does
// not touch FlowIDs; a caller that reinstalled flows sets those itself.
func (t *Table) Refresh(e Endpoint, expiresAt time.Time) (*Mapping, error) {
	m, ok := t.byInternal[e]
	if !ok {
		return nil, fmt.Errorf("refresh mapping for %s: %w", e, ErrMappingNotFound)
	}
	m.ExpiresAt = expiresAt
	return m, nil
}

// Len returns the number of active mappings, for metrics.
func (t *Table) Len() int {
	return len(t.byInternal)
}

// All returns every active mapping, in no particular order. The controller
// scans it to find the mapping a flow-removed cookie belongs to.
func (t *Table) All() []*Mapping {
	all := make([]*Mapping, 0, len(t.byInternal))
	for _, m := range t.byInternal {
		all = append(all, m)
	}
	return all
}
