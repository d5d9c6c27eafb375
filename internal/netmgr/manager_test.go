package netmgr

import (
	"os"
	"testing"
)

// requireNetAdmin skips tests that need real netlink privileges; CI
// containers and developer sandboxes routinely run unprivileged.
func requireNetAdmin(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root / CAP_NET_ADMIN")
	}
}

// TestVethCreateListDestroy exercises spec scenario 4: creating a veth
// pair must make both ends (two new names) appear in List, and destroying
// one end must remove both.
func TestVethCreateListDestroy(t *testing.T) {
	requireNetAdmin(t)

	m := NewManager()
	const host, peer = "vasum-test-h0", "vasum-test-p0"

	before, err := m.List(0)
	if err != nil {
		t.Fatalf("List before: %v", err)
	}

	if err := m.CreateVeth(host, peer, 0); err != nil {
		t.Fatalf("CreateVeth: %v", err)
	}
	defer m.Destroy(host, 0)

	after, err := m.List(0)
	if err != nil {
		t.Fatalf("List after: %v", err)
	}
	if len(after) != len(before)+2 {
		t.Fatalf("expected 2 new interfaces, before=%d after=%d", len(before), len(after))
	}

	if err := m.Destroy(host, 0); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	final, err := m.List(0)
	if err != nil {
		t.Fatalf("List final: %v", err)
	}
	if len(final) != len(before) {
		t.Fatalf("expected interface count to return to baseline, before=%d final=%d", len(before), len(final))
	}
}

// TestSetAttrsUnknownFieldRejected exercises the "unknown attribute
// errors rather than being silently ignored" invariant at the address
// spec parsing layer that SetAttrs delegates to.
func TestSetAttrsUnknownFieldRejected(t *testing.T) {
	m := NewManager()
	err := m.SetAttrs("lo", 0, Attrs{IPv4: []string{"ip:10.0.0.2,prefixlen:24,bogus:1"}})
	if err == nil {
		t.Fatalf("expected error for unknown address attribute")
	}
}
