package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
id: web
rootfs: /var/lib/vasum/zones/web/rootfs
init_argv: ["/sbin/init"]
ipv4: 10.0.0.2/24
vt: 0
privilege: 10
cpu_quota_foreground: 50000
cpu_quota_background: 10000
shutdown_timeout_seconds: 5
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadZoneConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "web.yaml", sampleYAML)

	c, err := LoadZoneConfig(path)
	if err != nil {
		t.Fatalf("LoadZoneConfig: %v", err)
	}
	if c.ID != "web" || c.CPUQuotaForeground != 50000 {
		t.Fatalf("got %+v", c)
	}
}

func TestLoadZoneConfigRejectsEmptyID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "id: \"\"\nrootfs: /x\ninit_argv: [\"/bin/sh\"]\n")

	if _, err := LoadZoneConfig(path); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestLoadZoneConfigRejectsUnsafeID(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "id: \"a/b\"\nrootfs: /x\ninit_argv: [\"/bin/sh\"]\n")

	if _, err := LoadZoneConfig(path); err == nil {
		t.Fatalf("expected error for unsafe id")
	}
}

func TestLoadZonesDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", sampleYAML)
	writeFile(t, dir, "b.yaml", sampleYAML)

	if _, err := LoadZonesDir(dir); err == nil {
		t.Fatalf("expected error for duplicate zone id across files")
	}
}

func TestLoadZonesDirSkipsNonYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web.yaml", sampleYAML)
	writeFile(t, dir, "README.md", "not a zone config")

	configs, err := LoadZonesDir(dir)
	if err != nil {
		t.Fatalf("LoadZonesDir: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected 1 zone config, got %d", len(configs))
	}
}
