package zone

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vasum/vasum/internal/config"
	"github.com/vasum/vasum/internal/netmgr"
	"github.com/vasum/vasum/internal/provision"
	"github.com/vasum/vasum/internal/statedb"
)

func newTestZone(t *testing.T) *Zone {
	t.Helper()
	return newTestZoneWithVT(t, 0)
}

func newTestZoneWithVT(t *testing.T, vt int) *Zone {
	t.Helper()

	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.ZoneConfig{
		ID:                     "z1",
		Rootfs:                 t.TempDir(),
		InitArgv:               []string{"/sbin/init"},
		VT:                     vt,
		CPUQuotaForeground:     50000,
		CPUQuotaBackground:     10000,
		ShutdownTimeoutSeconds: 5,
	}

	z, err := New(cfg, db, netmgr.NewManager())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return z
}

func TestStartRefusesWhenVTCheckFails(t *testing.T) {
	z := newTestZoneWithVT(t, 5)

	wantErr := errors.New("vt 5 already in use by zone z2")
	z.SetVTChecker(func(vt int) error {
		if vt != 5 {
			t.Fatalf("vtCheck called with vt=%d, want 5", vt)
		}
		return wantErr
	})

	err := z.Start()
	if !errors.Is(err, wantErr) {
		t.Fatalf("Start: got %v, want %v", err, wantErr)
	}
	if z.State() != StateDefined {
		t.Fatalf("state changed despite vt check failure: %v", z.State())
	}
}

func TestNewZoneStartsDefined(t *testing.T) {
	z := newTestZone(t)
	if z.State() != StateDefined {
		t.Fatalf("expected StateDefined, got %v", z.State())
	}
}

func TestStopFromDefinedIsInvalidTransition(t *testing.T) {
	z := newTestZone(t)
	err := z.Stop(true)
	if _, ok := err.(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition, got %v (%T)", err, err)
	}
}

func TestSuspendFromDefinedIsInvalidTransition(t *testing.T) {
	z := newTestZone(t)
	if _, ok := z.Suspend().(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition from Suspend")
	}
}

func TestResumeFromDefinedIsInvalidTransition(t *testing.T) {
	z := newTestZone(t)
	if _, ok := z.Resume().(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition from Resume")
	}
}

func TestSetSchedulerLevelRequiresRunning(t *testing.T) {
	z := newTestZone(t)
	if _, ok := z.SetSchedulerLevel(SchedForeground).(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition: scheduler level only settable while running")
	}
}

func TestDestroyFromDefinedSucceeds(t *testing.T) {
	z := newTestZone(t)
	if err := z.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if z.State() != StateDestroyed {
		t.Fatalf("expected StateDestroyed, got %v", z.State())
	}
}

func TestDestroyFromRunningIsInvalid(t *testing.T) {
	z := newTestZone(t)
	z.mu.Lock()
	z.state = StateRunning
	z.mu.Unlock()

	if _, ok := z.Destroy().(*ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition: destroy requires defined or stopped")
	}
}

func TestDeclareUndeclarePersistsAndRollsBack(t *testing.T) {
	z := newTestZone(t)

	d := provision.Declaration{Kind: provision.KindFile, ID: "motd", Params: map[string]string{
		"path": "etc/motd", "content": "hi\n",
	}}
	if err := z.Declare(d); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	blob, ok, err := z.db.GetDeclarations(z.ID())
	if err != nil || !ok || blob == "" {
		t.Fatalf("expected persisted declarations, ok=%v err=%v", ok, err)
	}

	if err := z.Undeclare("motd"); err != nil {
		t.Fatalf("Undeclare: %v", err)
	}

	decls, err := provision.UnmarshalDeclarations(mustBlob(t, z))
	if err != nil {
		t.Fatalf("UnmarshalDeclarations: %v", err)
	}
	if len(decls) != 0 {
		t.Fatalf("expected no declarations left after Undeclare, got %+v", decls)
	}
}

func mustBlob(t *testing.T, z *Zone) string {
	t.Helper()
	blob, _, err := z.db.GetDeclarations(z.ID())
	if err != nil {
		t.Fatalf("GetDeclarations: %v", err)
	}
	return blob
}

func TestValidatePeriodBounds(t *testing.T) {
	if err := validatePeriod(999); err == nil {
		t.Fatalf("expected error below minimum period")
	}
	if err := validatePeriod(DefaultCFSPeriodUs); err != nil {
		t.Fatalf("expected default period to validate, got %v", err)
	}
}

func TestValidateQuotaAllowsUnlimited(t *testing.T) {
	if err := validateQuota(-1); err != nil {
		t.Fatalf("expected -1 (unlimited) to validate, got %v", err)
	}
	if err := validateQuota(500); err == nil {
		t.Fatalf("expected error below minimum quota")
	}
}

func TestRestoreNoPersistedStateIsNoop(t *testing.T) {
	z := newTestZone(t)
	if err := z.Restore(); err != nil {
		t.Fatalf("Restore with no persisted state should be a no-op, got %v", err)
	}
	if z.State() != StateDefined {
		t.Fatalf("expected state unchanged, got %v", z.State())
	}
}
