package nat_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/unifycore/pcp-sdn/internal/nat"
)

func internalEP(port uint16) nat.Endpoint {
	return nat.Endpoint{Addr: netip.MustParseAddr("172.16.0.2"), Port: port, Protocol: 6}
}

func externalEP(port uint16) nat.Endpoint {
	return nat.Endpoint{Addr: netip.MustParseAddr("203.0.113.1"), Port: port, Protocol: 6}
}

func TestTableCreateLookupDelete(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	m := &nat.Mapping{Internal: internalEP(80), External: externalEP(8080)}

	if err := table.Create(m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", table.Len())
	}

	got, ok := table.LookupInternal(internalEP(80))
	if !ok || got != m {
		t.Fatalf("LookupInternal() = %v, %v, want %v, true", got, ok, m)
	}

	got, ok = table.LookupExternal(externalEP(8080))
	if !ok || got != m {
		t.Fatalf("LookupExternal() = %v, %v, want %v, true", got, ok, m)
	}

	deleted, err := table.Delete(internalEP(80))
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted != m {
		t.Fatalf("Delete() returned %v, want %v", deleted, m)
	}
	if table.Len() != 0 {
		t.Fatalf("Len() after Delete() = %d, want 0", table.Len())
	}
	if _, ok := table.LookupExternal(externalEP(8080)); ok {
		t.Fatal("LookupExternal() found a mapping after Delete()")
	}
}

func TestTableCreateRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	m := &nat.Mapping{Internal: nat.Endpoint{}, External: externalEP(8080)}
	if err := table.Create(m); err == nil {
		t.Fatal("Create() with invalid internal endpoint: expected error, got nil")
	}
}

func TestTableCreateDuplicateDifferentClient(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	first := &nat.Mapping{Internal: internalEP(80), External: externalEP(8080), ClientIP: netip.MustParseAddr("192.0.2.1")}
	if err := table.Create(first); err != nil {
		t.Fatalf("Create() first mapping error = %v", err)
	}

	second := &nat.Mapping{Internal: internalEP(80), External: externalEP(8081), ClientIP: netip.MustParseAddr("192.0.2.2")}
	if err := table.Create(second); err == nil {
		t.Fatal("Create() with same internal endpoint from a different client: expected error, got nil")
	}
}

func TestTableCreateSameClientAndNonceIsAllowed(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	client := netip.MustParseAddr("192.0.2.1")
	nonce := [12]byte{1, 2, 3}

	first := &nat.Mapping{Internal: internalEP(80), External: externalEP(8080), ClientIP: client, Nonce: nonce}
	if err := table.Create(first); err != nil {
		t.Fatalf("Create() first mapping error = %v", err)
	}

	second := &nat.Mapping{Internal: internalEP(80), External: externalEP(8081), ClientIP: client, Nonce: nonce}
	if err := table.Create(second); err != nil {
		t.Fatalf("Create() re-mapping from the same client+nonce: unexpected error %v", err)
	}
}

func TestTableRefresh(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	m := &nat.Mapping{Internal: internalEP(80), External: externalEP(8080)}
	if err := table.Create(m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	expiry := time.Now().Add(time.Hour)
	refreshed, err := table.Refresh(internalEP(80), expiry)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !refreshed.ExpiresAt.Equal(expiry) {
		t.Fatalf("ExpiresAt = %v, want %v", refreshed.ExpiresAt, expiry)
	}
}

func TestTableRefreshNotFound(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	if _, err := table.Refresh(internalEP(80), time.Now()); err == nil {
		t.Fatal("Refresh() of a nonexistent mapping: expected error, got nil")
	}
}

func TestTableDeleteNotFound(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	if _, err := table.Delete(internalEP(80)); err == nil {
		t.Fatal("Delete() of a nonexistent mapping: expected error, got nil")
	}
}

func TestTableLookupInvalidKey(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	if _, ok := table.LookupInternal(nat.Endpoint{}); ok {
		t.Fatal("LookupInternal() with an invalid key: expected false")
	}
	if _, ok := table.LookupExternal(nat.Endpoint{}); ok {
		t.Fatal("LookupExternal() with an invalid key: expected false")
	}
}

func TestTableAll(t *testing.T) {
	t.Parallel()

	table := nat.NewTable()
	for i := uint16(1); i <= 3; i++ {
		m := &nat.Mapping{Internal: internalEP(i), External: externalEP(i + 1000)}
		if err := table.Create(m); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	all := table.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d mappings, want 3", len(all))
	}
}

func TestMappingLifetime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := &nat.Mapping{}
	if got := m.Lifetime(now); got != 0 {
		t.Fatalf("Lifetime() of a never-expiring mapping = %v, want 0", got)
	}

	m.ExpiresAt = now.Add(-time.Second)
	if got := m.Lifetime(now); got != 0 {
		t.Fatalf("Lifetime() of an already-expired mapping = %v, want 0", got)
	}

	m.ExpiresAt = now.Add(time.Minute)
	if got := m.Lifetime(now); got <= 0 {
		t.Fatalf("Lifetime() of a live mapping = %v, want > 0", got)
	}
}

func TestEndpointValidAndString(t *testing.T) {
	t.Parallel()

	if (nat.Endpoint{}).Valid() {
		t.Fatal("zero Endpoint.Valid() = true, want false")
	}
	e := internalEP(80)
	if !e.Valid() {
		t.Fatal("Endpoint.Valid() = false, want true")
	}
	if got := e.String(); got == "" {
		t.Fatal("Endpoint.String() returned an empty string")
	}
}
