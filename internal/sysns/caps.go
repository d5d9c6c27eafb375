package sysns

import (
	"fmt"

	"github.com/moby/sys/capability"
)

// CapSet is a set of capabilities to retain, built from capability.Cap values.
type CapSet map[capability.Cap]struct{}

// NewCapSet builds a keep-set from the given capabilities.
func NewCapSet(caps ...capability.Cap) CapSet {
	s := make(CapSet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}

	return s
}

// Has reports whether c is present in the keep-set.
func (s CapSet) Has(c capability.Cap) bool {
	_, ok := s[c]
	return ok
}

// DropCapsFromBoundingExcept drops every capability from the calling
// process's bounding set except those present in keep. The set of known
// capabilities is discovered via capability.List, which itself consults
// /proc/sys/kernel/cap_last_cap.
func DropCapsFromBoundingExcept(keep CapSet) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("sysns: capability.NewPid2: %w", err)
	}

	if err := caps.Load(); err != nil {
		return fmt.Errorf("sysns: load capabilities: %w", err)
	}

	for _, c := range capability.List() {
		if keep.Has(c) {
			continue
		}

		caps.Unset(capability.BOUNDING, c)
	}

	if err := caps.Apply(capability.BOUNDING); err != nil {
		return fmt.Errorf("sysns: apply bounding set: %w", err)
	}

	return nil
}
