// Package provision applies and rolls back declared files, mounts, and
// links into a zone's rootfs, persisting the declaration list so it can
// be idempotently re-applied or reversed. Grounded on
// original_source/libs/lxcpp's mount/file provisioning and the teacher's
// lxd/storage package's declarative apply/rollback idiom.
package provision

import (
	"encoding/json"
	"fmt"
)

// Kind is the kind of thing a Declaration provisions.
type Kind string

const (
	KindFile  Kind = "file"
	KindMount Kind = "mount"
	KindLink  Kind = "link"
)

// Declaration is one unit of provisioning (spec.md §3).
type Declaration struct {
	Kind   Kind              `json:"kind"`
	ID     string            `json:"id"`
	Params map[string]string `json:"params"`
}

// MarshalDeclarations serializes a declaration list for persistence via
// internal/statedb.
func MarshalDeclarations(decls []Declaration) (string, error) {
	b, err := json.Marshal(decls)
	if err != nil {
		return "", fmt.Errorf("provision: marshal declarations: %w", err)
	}
	return string(b), nil
}

// UnmarshalDeclarations parses a declaration list produced by
// MarshalDeclarations. An empty blob yields an empty, non-nil slice.
func UnmarshalDeclarations(blob string) ([]Declaration, error) {
	if blob == "" {
		return []Declaration{}, nil
	}

	var decls []Declaration
	if err := json.Unmarshal([]byte(blob), &decls); err != nil {
		return nil, fmt.Errorf("provision: unmarshal declarations: %w", err)
	}
	return decls, nil
}
