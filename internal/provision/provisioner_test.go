package provision

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyFileIdempotent(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)

	d := Declaration{Kind: KindFile, ID: "motd", Params: map[string]string{
		"path": "etc/motd", "content": "hello\n",
	}}

	if err := p.Apply(d); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := p.Apply(d); err != nil {
		t.Fatalf("second Apply should be idempotent: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "etc/motd"))
	if err != nil || string(got) != "hello\n" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestRollbackFileRemovesIt(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)

	d := Declaration{Kind: KindFile, ID: "motd", Params: map[string]string{
		"path": "etc/motd", "content": "hello\n",
	}}
	if err := p.Apply(d); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := p.Rollback("motd"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "etc/motd")); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

func TestRollbackNeverAppliedIsError(t *testing.T) {
	p := NewProvisioner(t.TempDir())
	if err := p.Rollback("nope"); err == nil {
		t.Fatalf("expected error rolling back a never-applied declaration")
	}
}

func TestApplyLinkIdempotentAndReplacesStale(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root)

	d := Declaration{Kind: KindLink, ID: "resolv", Params: map[string]string{
		"path": "etc/resolv.conf", "target": "/run/resolv.conf",
	}}
	if err := p.Apply(d); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := p.Apply(d); err != nil {
		t.Fatalf("second Apply should be idempotent: %v", err)
	}

	link, err := os.Readlink(filepath.Join(root, "etc/resolv.conf"))
	if err != nil || link != "/run/resolv.conf" {
		t.Fatalf("got %q err=%v", link, err)
	}
}

func TestResolveRejectsEscapingPaths(t *testing.T) {
	p := NewProvisioner(t.TempDir())

	d := Declaration{Kind: KindFile, ID: "escape", Params: map[string]string{
		"path": "../../etc/passwd", "content": "pwned",
	}}
	if err := p.Apply(d); err == nil {
		t.Fatalf("expected error for path escaping rootfs")
	}
}

func TestMarshalUnmarshalDeclarationsRoundTrip(t *testing.T) {
	decls := []Declaration{
		{Kind: KindFile, ID: "a", Params: map[string]string{"path": "a"}},
		{Kind: KindLink, ID: "b", Params: map[string]string{"path": "b", "target": "/x"}},
	}

	blob, err := MarshalDeclarations(decls)
	if err != nil {
		t.Fatalf("MarshalDeclarations: %v", err)
	}

	got, err := UnmarshalDeclarations(blob)
	if err != nil {
		t.Fatalf("UnmarshalDeclarations: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestUnmarshalEmptyBlobYieldsEmptySlice(t *testing.T) {
	got, err := UnmarshalDeclarations("")
	if err != nil {
		t.Fatalf("UnmarshalDeclarations: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %+v", got)
	}
}

func TestRestoreSeedsAppliedSet(t *testing.T) {
	p := NewProvisioner(t.TempDir())
	p.Restore([]Declaration{{Kind: KindFile, ID: "a", Params: map[string]string{"path": "a"}}})

	if len(p.Applied()) != 1 {
		t.Fatalf("expected restored declaration to be in Applied()")
	}
}
