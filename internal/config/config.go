// Package config loads zone declarations from YAML files on disk, using
// the teacher's go.mod dependency go.yaml.in/yaml/v2. Since the
// interactive CLI/client is explicitly out of scope (spec.md §1), a
// zones-config directory is the one way to declare zones for a
// standalone daemon to manage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v2"
)

// ZoneConfig is the immutable-after-load configuration half of
// internal/zone.Zone's data model (spec.md §3).
type ZoneConfig struct {
	ID                         string   `yaml:"id"`
	Rootfs                     string   `yaml:"rootfs"`
	InitArgv                   []string `yaml:"init_argv"`
	IPv4                       string   `yaml:"ipv4,omitempty"`
	IPv4Gateway                string   `yaml:"ipv4_gateway,omitempty"`
	VT                         int      `yaml:"vt,omitempty"`
	Privilege                  int      `yaml:"privilege"`
	CPUQuotaForeground         int64    `yaml:"cpu_quota_foreground"`
	CPUQuotaBackground         int64    `yaml:"cpu_quota_background"`
	ShutdownTimeoutSeconds     int      `yaml:"shutdown_timeout_seconds"`
	ProvisionAllow             []string `yaml:"provision_allow,omitempty"`
	SwitchToDefaultAfterTimeout bool    `yaml:"switch_to_default_after_timeout"`
}

// Validate checks the invariants spec.md §3/§4.9 place on a zone config.
func (c ZoneConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("config: zone id must not be empty")
	}
	if strings.ContainsAny(c.ID, "/\x00") {
		return fmt.Errorf("config: zone id %q is not filesystem-safe", c.ID)
	}
	if c.Rootfs == "" {
		return fmt.Errorf("config: zone %s: rootfs must not be empty", c.ID)
	}
	if len(c.InitArgv) == 0 {
		return fmt.Errorf("config: zone %s: init_argv must not be empty", c.ID)
	}
	if c.VT < 0 {
		return fmt.Errorf("config: zone %s: vt must be >= 0", c.ID)
	}
	if c.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("config: zone %s: shutdown_timeout_seconds must be >= 0", c.ID)
	}
	return nil
}

// LoadZoneConfig parses a single zone config file.
func LoadZoneConfig(path string) (ZoneConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ZoneConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c ZoneConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return ZoneConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := c.Validate(); err != nil {
		return ZoneConfig{}, err
	}

	return c, nil
}

// LoadZonesDir parses every *.yaml/*.yml file in dir into a ZoneConfig,
// rejecting duplicate zone ids across files. Files are read in name
// order for deterministic error reporting.
func LoadZonesDir(dir string) ([]ZoneConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read zones dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	configs := make([]ZoneConfig, 0, len(names))

	for _, name := range names {
		path := filepath.Join(dir, name)
		c, err := LoadZoneConfig(path)
		if err != nil {
			return nil, err
		}

		if prior, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("config: zone id %q declared in both %s and %s", c.ID, prior, path)
		}
		seen[c.ID] = path

		configs = append(configs, c)
	}

	return configs, nil
}
