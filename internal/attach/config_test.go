package attach

import "testing"

func TestFilterEnvKeepsOnlyListed(t *testing.T) {
	env := []string{"PATH=/bin", "SECRET=xyz", "HOME=/root"}
	keep := []string{"PATH", "HOME"}

	out := FilterEnv(env, keep, nil)

	got := toSet(out)
	if _, ok := got["PATH=/bin"]; !ok {
		t.Fatalf("expected PATH kept, got %v", out)
	}
	if _, ok := got["HOME=/root"]; !ok {
		t.Fatalf("expected HOME kept, got %v", out)
	}
	if _, ok := got["SECRET=xyz"]; ok {
		t.Fatalf("expected SECRET dropped, got %v", out)
	}
}

func TestFilterEnvSetOverridesKeep(t *testing.T) {
	env := []string{"PATH=/bin"}
	keep := []string{"PATH"}
	set := map[string]string{"PATH": "/usr/local/bin"}

	out := FilterEnv(env, keep, set)
	got := toSet(out)

	if _, ok := got["PATH=/usr/local/bin"]; !ok {
		t.Fatalf("expected overridden PATH, got %v", out)
	}
	if _, ok := got["PATH=/bin"]; ok {
		t.Fatalf("original PATH value should not survive, got %v", out)
	}
}

func TestFilterEnvAddsSetOnlyVars(t *testing.T) {
	out := FilterEnv(nil, nil, map[string]string{"TERM": "xterm"})
	got := toSet(out)
	if _, ok := got["TERM=xterm"]; !ok {
		t.Fatalf("expected TERM=xterm, got %v", out)
	}
}

func TestAttachConfigMarshalRoundTrip(t *testing.T) {
	cfg := AttachConfig{
		Argv:               []string{"/bin/sh", "-c", "true"},
		InitPID:            1234,
		Namespaces:         []string{"mnt", "pid", "net"},
		UID:                1000,
		GID:                1000,
		SupplementaryGIDs:  []uint32{27, 100},
		CapsToKeep:         []string{"CAP_NET_BIND_SERVICE"},
		WorkdirInContainer: "/",
		EnvKeep:            []string{"PATH"},
		EnvSet:             map[string]string{"TERM": "xterm"},
	}

	b, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := UnmarshalAttachConfig(b)
	if err != nil {
		t.Fatalf("UnmarshalAttachConfig: %v", err)
	}

	if got.InitPID != cfg.InitPID || len(got.Argv) != len(cfg.Argv) || got.Argv[0] != cfg.Argv[0] {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func toSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}
