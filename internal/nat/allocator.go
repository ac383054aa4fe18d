package nat

import (
	"errors"
	"fmt"
	"net/netip"
)

// maxAllocAttempts bounds how many candidate (address, port) pairs the
// allocator will probe in one Allocate call before giving up. A pool with
// at most this many pairs is swept in full; a larger pool is only probed
// for this many pairs from the current cursor position.
const maxAllocAttempts = 4096

// ErrNoResources indicates the allocator could not find a free external
// (address, port) pair. Maps to PCP result code NO_RESOURCES
// (RFC 6887 Section 7.4) when returned up through the PCP server.
var ErrNoResources = errors.New("no external address/port available")

// Allocator hands out unique external (address, port) pairs from a
// configured pool, round-robin: a single-threaded-owned set of in-use
// values plus an attempt-capped search loop, with Release on mapping
// teardown. Round-robin is used instead of random selection because PCP
// external ports are a visible, finite, operator-configured resource
// and predictable cycling makes exhaustion and reuse easier to reason
// about operationally.
type Allocator struct {
	addrs []netip.Addr
	base  uint16 // lowest port in the pool, inclusive
	span  uint16 // number of ports in the pool, [base, base+span)

	allocated map[Endpoint]struct{}
	cursor    int // (addrIndex*span + portOffset), wraps mod len(addrs)*span
}

// NewAllocator creates an Allocator over the Cartesian product of addrs and
// the port range [minPort, maxPort] (inclusive). protocol is not tracked by
// the allocator itself -- callers allocate per protocol family (TCP vs UDP)
// using separate Allocators, since PCP maps each protocol independently.
func NewAllocator(addrs []netip.Addr, minPort, maxPort uint16) (*Allocator, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("new allocator: %w", errors.New("address pool must not be empty"))
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("new allocator: %w", errors.New("minPort must not exceed maxPort"))
	}
	return &Allocator{
		addrs:     append([]netip.Addr(nil), addrs...),
		base:      minPort,
		span:      maxPort - minPort + 1,
		allocated: make(map[Endpoint]struct{}),
	}, nil
}

// poolSize is the total number of (address, port) pairs in the pool.
func (a *Allocator) poolSize() int {
	return len(a.addrs) * int(a.span)
}

// at returns the (address, port) pair at pool offset i as a netip.AddrPort;
// the caller builds the Endpoint from it and adds the protocol, since
// Endpoint equality includes protocol and this allocator is already scoped
// to one protocol by construction.
func (a *Allocator) at(i int) netip.AddrPort {
	addrIdx := i / int(a.span)
	portOff := i % int(a.span)
	return netip.AddrPortFrom(a.addrs[addrIdx], a.base+uint16(portOff))
}

// Allocate reserves and returns a free (address, port) pair for protocol,
// advancing the round-robin cursor. Returns ErrNoResources if none of the
// probed candidates is free (see maxAllocAttempts): always when the pool is
// fully allocated, and also when a pool larger than maxAllocAttempts has
// free pairs only outside the probed window.
func (a *Allocator) Allocate(protocol uint8) (Endpoint, error) {
	size := a.poolSize()
	attempts := size
	if maxAllocAttempts < attempts {
		attempts = maxAllocAttempts
	}

	for n := 0; n < attempts; n++ {
		ap := a.at(a.cursor)
		a.cursor = (a.cursor + 1) % size

		ep := Endpoint{Addr: ap.Addr(), Port: ap.Port(), Protocol: protocol}
		if _, taken := a.allocated[ep]; taken {
			continue
		}
		a.allocated[ep] = struct{}{}
		return ep, nil
	}

	return Endpoint{}, fmt.Errorf("allocate external endpoint: %w", ErrNoResources)
}

// Reserve marks a specific (address, port, protocol) as allocated, for a
// client's suggested external endpoint (RFC 6887 Section 9.1: the
// "Suggested External Port"/"Suggested External IP Address" fields).
// Returns ErrNoResources if the endpoint falls outside the configured pool
// or is already taken -- a suggestion is only a hint, never an instruction
// to NAT through an address the operator never allocated.
func (a *Allocator) Reserve(ep Endpoint) error {
	if !a.inPool(ep) {
		return fmt.Errorf("reserve %s: %w", ep, ErrNoResources)
	}
	if _, taken := a.allocated[ep]; taken {
		return fmt.Errorf("reserve %s: %w", ep, ErrNoResources)
	}
	a.allocated[ep] = struct{}{}
	return nil
}

// inPool reports whether ep's address and port both fall within the
// configured pool, independent of current allocation state.
func (a *Allocator) inPool(ep Endpoint) bool {
	if ep.Port < a.base || int(ep.Port) >= int(a.base)+int(a.span) {
		return false
	}
	for _, addr := range a.addrs {
		if addr == ep.Addr {
			return true
		}
	}
	return false
}

// AllocateOnAddr reserves a free port on addr specifically, for a client
// that suggested an external address but no external port (RFC 6887
// Section 9.1's Suggested External IP Address with a zero Suggested
// External Port). Returns ErrNoResources if addr is outside the pool or
// has no free port left.
func (a *Allocator) AllocateOnAddr(addr netip.Addr, protocol uint8) (Endpoint, error) {
	found := false
	for _, cand := range a.addrs {
		if cand == addr {
			found = true
			break
		}
	}
	if !found {
		return Endpoint{}, fmt.Errorf("allocate on %s: %w", addr, ErrNoResources)
	}

	for i := 0; i < int(a.span); i++ {
		ep := Endpoint{Addr: addr, Port: a.base + uint16(i), Protocol: protocol}
		if _, taken := a.allocated[ep]; taken {
			continue
		}
		a.allocated[ep] = struct{}{}
		return ep, nil
	}

	return Endpoint{}, fmt.Errorf("allocate on %s: %w", addr, ErrNoResources)
}

// Release frees a previously allocated (address, port) pair so it can be
// reused. Releasing an endpoint that was not allocated is a no-op.
func (a *Allocator) Release(ep Endpoint) {
	delete(a.allocated, ep)
}

// InUse reports whether ep is currently allocated.
func (a *Allocator) InUse(ep Endpoint) bool {
	_, ok := a.allocated[ep]
	return ok
}
