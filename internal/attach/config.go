// Package attach implements the two-stage helper that runs a command
// inside an already-running zone: an intermediate process that joins
// the zone's namespaces, and an inner process — spawned from the
// intermediate — that drops privileges, fixes up the controlling
// terminal, and execs the target argv.
//
// Go cannot fork() safely once the runtime has started extra OS
// threads, so where the original design forks the intermediate to
// obtain a child born inside the freshly-joined namespaces, this
// package re-execs itself instead: the intermediate, having already
// setns'd, spawns a fresh copy of the current binary as the inner
// stage. The freshly exec'd process inherits the namespaces its parent
// just joined, which is the property the fork step in the design was
// actually after (see DESIGN.md).
package attach

import (
	"encoding/json"
	"fmt"
)

// AttachConfig is the blob streamed from the caller to the intermediate
// process over a Channel.
type AttachConfig struct {
	Argv               []string          `json:"argv"`
	InitPID            int               `json:"init_pid"`
	Namespaces         []string          `json:"namespaces"`
	UID                uint32            `json:"uid"`
	GID                uint32            `json:"gid"`
	HasTTY             bool              `json:"has_tty"`
	SupplementaryGIDs  []uint32          `json:"supplementary_gids"`
	CapsToKeep         []string          `json:"caps_to_keep"`
	WorkdirInContainer string            `json:"workdir_in_container"`
	EnvKeep            []string          `json:"env_keep"`
	EnvSet             map[string]string `json:"env_set"`
	LoggerCfg          string            `json:"logger_cfg"`
}

// Marshal serializes the config for transport over a Channel.
func (c AttachConfig) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("attach: marshal config: %w", err)
	}
	return b, nil
}

// UnmarshalAttachConfig parses a config previously produced by Marshal.
func UnmarshalAttachConfig(b []byte) (AttachConfig, error) {
	var c AttachConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return AttachConfig{}, fmt.Errorf("attach: unmarshal config: %w", err)
	}
	return c, nil
}

// FilterEnv keeps only the entries of env (each "KEY=VALUE") whose key
// is listed in keep, then overlays set on top, returning a fresh
// "KEY=VALUE" slice suitable for exec.
func FilterEnv(env []string, keep []string, set map[string]string) []string {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	out := make([]string, 0, len(keep)+len(set))
	seen := make(map[string]struct{}, len(keep)+len(set))

	for _, kv := range env {
		key, val, ok := splitEnv(kv)
		if !ok {
			continue
		}
		if _, wanted := keepSet[key]; !wanted {
			continue
		}
		if _, already := set[key]; already {
			continue // env_set overrides env_keep for the same name
		}
		out = append(out, key+"="+val)
		seen[key] = struct{}{}
	}

	for k, v := range set {
		out = append(out, k+"="+v)
	}

	return out
}

func splitEnv(kv string) (key, val string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
