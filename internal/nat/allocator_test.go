package nat_test

import (
	"net/netip"
	"testing"

	"github.com/unifycore/pcp-sdn/internal/nat"
)

func TestAllocatorAllocateUniqueAndRoundRobin(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	alloc, err := nat.NewAllocator(addrs, 49152, 49154)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	seen := make(map[nat.Endpoint]bool)
	for i := 0; i < 3; i++ {
		ep, err := alloc.Allocate(6)
		if err != nil {
			t.Fatalf("Allocate() call %d error = %v", i, err)
		}
		if seen[ep] {
			t.Fatalf("Allocate() returned duplicate endpoint %s", ep)
		}
		seen[ep] = true
		if !alloc.InUse(ep) {
			t.Fatalf("InUse(%s) = false after Allocate()", ep)
		}
	}

	if _, err := alloc.Allocate(6); err == nil {
		t.Fatal("Allocate() on an exhausted pool: expected error, got nil")
	}
}

func TestAllocatorReleaseReclaims(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	alloc, err := nat.NewAllocator(addrs, 49152, 49152)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	ep, err := alloc.Allocate(6)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	alloc.Release(ep)
	if alloc.InUse(ep) {
		t.Fatalf("InUse(%s) = true after Release()", ep)
	}

	if _, err := alloc.Allocate(6); err != nil {
		t.Fatalf("Allocate() after Release(): unexpected error %v", err)
	}
}

func TestAllocatorReleaseUnallocatedIsNoop(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	alloc, err := nat.NewAllocator(addrs, 49152, 49152)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	ep := nat.Endpoint{Addr: addrs[0], Port: 49152, Protocol: 6}
	alloc.Release(ep) // should not panic
	if alloc.InUse(ep) {
		t.Fatal("InUse() after releasing a never-allocated endpoint = true")
	}
}

func TestAllocatorReserveHonorsSuggestion(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	alloc, err := nat.NewAllocator(addrs, 49152, 49160)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	suggested := nat.Endpoint{Addr: addrs[0], Port: 49155, Protocol: 6}
	if err := alloc.Reserve(suggested); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if !alloc.InUse(suggested) {
		t.Fatal("InUse() after Reserve() = false")
	}

	if err := alloc.Reserve(suggested); err == nil {
		t.Fatal("Reserve() of an already-reserved endpoint: expected error, got nil")
	}
}

func TestAllocatorReserveRejectsOutsidePool(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	alloc, err := nat.NewAllocator(addrs, 49152, 49160)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	outsidePort := nat.Endpoint{Addr: addrs[0], Port: 1024, Protocol: 6}
	if err := alloc.Reserve(outsidePort); err == nil {
		t.Fatal("Reserve() with a port outside the pool: expected error, got nil")
	}

	outsideAddr := nat.Endpoint{Addr: netip.MustParseAddr("198.51.100.1"), Port: 49155, Protocol: 6}
	if err := alloc.Reserve(outsideAddr); err == nil {
		t.Fatal("Reserve() with an address outside the pool: expected error, got nil")
	}
}

func TestNewAllocatorRejectsInvalidPools(t *testing.T) {
	t.Parallel()

	if _, err := nat.NewAllocator(nil, 1, 10); err == nil {
		t.Fatal("NewAllocator() with an empty address pool: expected error, got nil")
	}

	addrs := []netip.Addr{netip.MustParseAddr("203.0.113.1")}
	if _, err := nat.NewAllocator(addrs, 10, 1); err == nil {
		t.Fatal("NewAllocator() with minPort > maxPort: expected error, got nil")
	}
}

func TestAllocatorMultipleAddressesCycle(t *testing.T) {
	t.Parallel()

	addrs := []netip.Addr{
		netip.MustParseAddr("203.0.113.1"),
		netip.MustParseAddr("203.0.113.2"),
	}
	alloc, err := nat.NewAllocator(addrs, 49152, 49152)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}

	first, err := alloc.Allocate(17)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	second, err := alloc.Allocate(17)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if first.Addr == second.Addr {
		t.Fatalf("Allocate() returned the same address twice: %s, %s", first, second)
	}

	if _, err := alloc.Allocate(17); err == nil {
		t.Fatal("Allocate() with both addresses exhausted: expected error, got nil")
	}
}
