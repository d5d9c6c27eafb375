package zones

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vasum/vasum/internal/config"
	"github.com/vasum/vasum/internal/netmgr"
	"github.com/vasum/vasum/internal/statedb"
	"github.com/vasum/vasum/internal/zone"
)

func newTestZone(t *testing.T, id string) *zone.Zone {
	t.Helper()
	return newTestZoneWithVT(t, id, 0)
}

func newTestZoneWithVT(t *testing.T, id string, vt int) *zone.Zone {
	t.Helper()

	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.ZoneConfig{
		ID:                     id,
		Rootfs:                 t.TempDir(),
		InitArgv:               []string{"/sbin/init"},
		VT:                     vt,
		CPUQuotaForeground:     50000,
		CPUQuotaBackground:     10000,
		ShutdownTimeoutSeconds: 5,
	}

	z, err := zone.New(cfg, db, netmgr.NewManager())
	if err != nil {
		t.Fatalf("zone.New: %v", err)
	}
	return z
}

func TestAddRejectsDuplicateID(t *testing.T) {
	m := New()
	z1 := newTestZone(t, "z1")
	z2 := newTestZone(t, "z1")

	if err := m.Add(z1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(z2); err == nil {
		t.Fatalf("expected error adding duplicate zone id")
	}
}

func TestGetListRoundTrip(t *testing.T) {
	m := New()
	z := newTestZone(t, "z1")
	m.Add(z)

	if got := m.Get("z1"); got != z {
		t.Fatalf("Get returned wrong zone")
	}
	if got := m.Get("missing"); got != nil {
		t.Fatalf("expected nil for missing zone, got %v", got)
	}

	ids := m.List()
	if len(ids) != 1 || ids[0] != "z1" {
		t.Fatalf("got %v", ids)
	}
}

func TestCheckVTAvailableIgnoresNonRunningZones(t *testing.T) {
	m := New()
	z1 := newTestZoneWithVT(t, "z1", 7)
	z2 := newTestZoneWithVT(t, "z2", 7)
	m.Add(z1)
	m.Add(z2)

	// z2 is registered and configured for the same vt, but never
	// started (still "defined"), so it must not block z1 from it.
	if err := m.checkVTAvailable(z1, 7); err != nil {
		t.Fatalf("checkVTAvailable: %v", err)
	}
}

func TestSetActiveRejectsUnregistered(t *testing.T) {
	m := New()
	if err := m.SetActive("nope"); err == nil {
		t.Fatalf("expected error for unregistered zone")
	}
}

func TestReconnectWorkerSucceedsEventually(t *testing.T) {
	m := New()

	attempts := 0
	reconnected := make(chan struct{})

	m.StartReconnectWorker("z1", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 0, func() { close(reconnected) }, nil)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconnect worker never succeeded")
	}

	m.WaitAllReconnectWorkers()
}

func TestReconnectWorkerExhaustsAttempts(t *testing.T) {
	m := New()

	gone := make(chan struct{})
	m.StartReconnectWorker("z1", func() error {
		return errors.New("always fails")
	}, 2, nil, func() { close(gone) })

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected onGone to fire after exhausting attempts")
	}

	m.WaitAllReconnectWorkers()
}

func TestReconnectWorkerRestartableAfterSuccess(t *testing.T) {
	m := New()

	first := make(chan struct{})
	m.StartReconnectWorker("z1", func() error { return nil }, 0, func() { close(first) }, nil)

	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatalf("first reconnect worker never succeeded")
	}
	m.WaitAllReconnectWorkers()

	// A worker that finished on its own (rather than via
	// StopReconnectWorker) must free its slot so monitoring can be
	// re-armed, e.g. after a later disconnect of the same zone.
	second := make(chan struct{})
	m.StartReconnectWorker("z1", func() error { return nil }, 0, func() { close(second) }, nil)

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatalf("second reconnect worker for the same zone id never ran")
	}
	m.WaitAllReconnectWorkers()
}

func TestStopReconnectWorkerJoinsBeforeReturning(t *testing.T) {
	m := New()

	started := make(chan struct{})
	m.StartReconnectWorker("z1", func() error {
		close(started)
		return errors.New("keep retrying")
	}, 0, nil, nil)

	<-started
	m.StopReconnectWorker("z1")
	// If StopReconnectWorker returned, the worker goroutine has exited;
	// a second stop call must be a harmless no-op.
	m.StopReconnectWorker("z1")
}
