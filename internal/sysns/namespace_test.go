package sysns

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestCloneFlags(t *testing.T) {
	flags := CloneFlags([]Kind{KindNet, KindUTS})
	want := uintptr(unix.CLONE_NEWNET | unix.CLONE_NEWUTS)
	if flags != want {
		t.Fatalf("got %#x, want %#x", flags, want)
	}
}

func TestSetnsRefusesUser(t *testing.T) {
	err := Setns(1, []Kind{KindUser})
	if err == nil {
		t.Fatalf("expected Setns to refuse the USER namespace")
	}
}

func TestSetHostnameRejectsEmpty(t *testing.T) {
	if err := SetHostname(""); err != ErrEmptyHostname {
		t.Fatalf("expected ErrEmptyHostname, got %v", err)
	}
}

func TestWriteKernelParamRejectsUnknown(t *testing.T) {
	err := WriteKernelParam("definitely.not.a.real.sysctl.path", "1")
	if err == nil {
		t.Fatalf("expected error for nonexistent sysctl path")
	}
}
