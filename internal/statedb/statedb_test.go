package statedb

import (
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTemp(t)

	if _, ok, err := db.Get("missing"); err != nil || ok {
		t.Fatalf("expected missing key absent, ok=%v err=%v", ok, err)
	}

	if err := db.Put("k", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok, err := db.Get("k"); err != nil || !ok || v != "v1" {
		t.Fatalf("got v=%q ok=%v err=%v", v, ok, err)
	}

	if err := db.Put("k", "v2"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if v, _, _ := db.Get("k"); v != "v2" {
		t.Fatalf("expected overwritten value v2, got %q", v)
	}

	if err := db.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := db.Get("k"); ok {
		t.Fatalf("expected key gone after Delete")
	}
}

func TestRequestedStateRoundTrip(t *testing.T) {
	db := openTemp(t)

	if err := db.PutRequestedState("z1", "running"); err != nil {
		t.Fatalf("PutRequestedState: %v", err)
	}

	got, ok, err := db.GetRequestedState("z1")
	if err != nil || !ok || got != "running" {
		t.Fatalf("got %q ok=%v err=%v", got, ok, err)
	}
}

func TestListPrefixScopesToZone(t *testing.T) {
	db := openTemp(t)

	db.PutRequestedState("z1", "running")
	db.PutDeclarations("z1", `[{"kind":"file"}]`)
	db.PutRequestedState("z2", "stopped")

	got, err := db.ListPrefix("zone.z1.")
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys for z1, got %d: %v", len(got), got)
	}
	if _, ok := got["zone.z2.requested_state"]; ok {
		t.Fatalf("expected z2 keys excluded")
	}
}

func TestDeleteZoneRemovesBothKeys(t *testing.T) {
	db := openTemp(t)

	db.PutRequestedState("z1", "running")
	db.PutDeclarations("z1", `[]`)

	if err := db.DeleteZone("z1"); err != nil {
		t.Fatalf("DeleteZone: %v", err)
	}

	if _, ok, _ := db.GetRequestedState("z1"); ok {
		t.Fatalf("expected requested_state removed")
	}
	if _, ok, _ := db.GetDeclarations("z1"); ok {
		t.Fatalf("expected declarations removed")
	}
}
