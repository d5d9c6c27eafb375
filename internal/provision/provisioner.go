package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Provisioner applies and rolls back Declarations against one zone's
// rootfs. It is not safe for concurrent use; internal/zone.Zone serializes
// access to it under its own lock.
type Provisioner struct {
	rootfs  string
	applied map[string]Declaration
}

// NewProvisioner returns a Provisioner rooted at rootfs.
func NewProvisioner(rootfs string) *Provisioner {
	return &Provisioner{rootfs: rootfs, applied: make(map[string]Declaration)}
}

// Restore seeds the applied set from previously-persisted declarations,
// for use after internal/statedb.GetDeclarations on startup. It does not
// re-touch the filesystem; the declarations are assumed still applied
// from the prior run.
func (p *Provisioner) Restore(decls []Declaration) {
	for _, d := range decls {
		p.applied[d.ID] = d
	}
}

// Applied returns the currently-applied declarations, for persistence.
func (p *Provisioner) Applied() []Declaration {
	out := make([]Declaration, 0, len(p.applied))
	for _, d := range p.applied {
		out = append(out, d)
	}
	return out
}

func (p *Provisioner) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("provision: path %q must be relative to the zone rootfs", rel)
	}

	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("provision: path %q escapes the zone rootfs", rel)
	}

	return filepath.Join(p.rootfs, cleaned), nil
}

// Apply applies d, idempotently: applying the same id twice is
// observable once (the second call re-applies the same end state
// without erroring).
func (p *Provisioner) Apply(d Declaration) error {
	switch d.Kind {
	case KindFile:
		if err := p.applyFile(d); err != nil {
			return err
		}
	case KindMount:
		if err := p.applyMount(d); err != nil {
			return err
		}
	case KindLink:
		if err := p.applyLink(d); err != nil {
			return err
		}
	default:
		return fmt.Errorf("provision: unknown declaration kind %q", d.Kind)
	}

	p.applied[d.ID] = d
	return nil
}

// Rollback reverses a previously-applied declaration by id. Rolling back
// a never-applied id is an error.
func (p *Provisioner) Rollback(id string) error {
	d, ok := p.applied[id]
	if !ok {
		return fmt.Errorf("provision: declaration %q was never applied", id)
	}

	var err error
	switch d.Kind {
	case KindFile:
		err = p.rollbackFile(d)
	case KindMount:
		err = p.rollbackMount(d)
	case KindLink:
		err = p.rollbackLink(d)
	default:
		err = fmt.Errorf("provision: unknown declaration kind %q", d.Kind)
	}
	if err != nil {
		return err
	}

	delete(p.applied, id)
	return nil
}

// RollbackAll reverses every currently-applied declaration, logging
// nothing itself — callers decide whether a partial failure is fatal.
// It keeps going on error and returns the first one encountered.
func (p *Provisioner) RollbackAll() error {
	var firstErr error
	for _, id := range p.appliedIDsSnapshot() {
		if err := p.Rollback(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// appliedIDsSnapshot returns a stable snapshot of currently-applied ids,
// safe to range over while Rollback mutates the underlying map.
func (p *Provisioner) appliedIDsSnapshot() []string {
	ids := make([]string, 0, len(p.applied))
	for id := range p.applied {
		ids = append(ids, id)
	}
	return ids
}

func (p *Provisioner) applyFile(d Declaration) error {
	path, err := p.resolve(d.Params["path"])
	if err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if m, ok := d.Params["mode"]; ok {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return fmt.Errorf("provision: declaration %s: invalid mode %q: %w", d.ID, m, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("provision: declaration %s: mkdir parent: %w", d.ID, err)
	}

	if err := os.WriteFile(path, []byte(d.Params["content"]), mode); err != nil {
		return fmt.Errorf("provision: declaration %s: write file: %w", d.ID, err)
	}

	return nil
}

func (p *Provisioner) rollbackFile(d Declaration) error {
	path, err := p.resolve(d.Params["path"])
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("provision: declaration %s: remove file: %w", d.ID, err)
	}

	return nil
}

func (p *Provisioner) applyLink(d Declaration) error {
	path, err := p.resolve(d.Params["path"])
	if err != nil {
		return err
	}
	target := d.Params["target"]

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("provision: declaration %s: mkdir parent: %w", d.ID, err)
	}

	if existing, err := os.Readlink(path); err == nil {
		if existing == target {
			return nil // idempotent: already points where we want
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("provision: declaration %s: replace stale link: %w", d.ID, err)
		}
	}

	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("provision: declaration %s: symlink: %w", d.ID, err)
	}

	return nil
}

func (p *Provisioner) rollbackLink(d Declaration) error {
	path, err := p.resolve(d.Params["path"])
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("provision: declaration %s: remove link: %w", d.ID, err)
	}

	return nil
}

func (p *Provisioner) applyMount(d Declaration) error {
	if _, already := p.applied[d.ID]; already {
		return nil // idempotent: already mounted by a prior Apply
	}

	target, err := p.resolve(d.Params["target"])
	if err != nil {
		return err
	}
	source := d.Params["source"]
	fstype := d.Params["fstype"]

	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("provision: declaration %s: mkdir mount target: %w", d.ID, err)
	}

	flags := mountFlags(d.Params["flags"])

	if err := unix.Mount(source, target, fstype, flags, d.Params["data"]); err != nil {
		return fmt.Errorf("provision: declaration %s: mount %s -> %s: %w", d.ID, source, target, err)
	}

	return nil
}

func (p *Provisioner) rollbackMount(d Declaration) error {
	target, err := p.resolve(d.Params["target"])
	if err != nil {
		return err
	}

	if err := unix.Unmount(target, 0); err != nil && err != unix.EINVAL {
		return fmt.Errorf("provision: declaration %s: unmount %s: %w", d.ID, target, err)
	}

	return nil
}

func mountFlags(csv string) uintptr {
	names := map[string]uintptr{
		"MS_BIND":    unix.MS_BIND,
		"MS_RDONLY":  unix.MS_RDONLY,
		"MS_REC":     unix.MS_REC,
		"MS_PRIVATE": unix.MS_PRIVATE,
		"MS_NOSUID":  unix.MS_NOSUID,
		"MS_NODEV":   unix.MS_NODEV,
		"MS_NOEXEC":  unix.MS_NOEXEC,
		"MS_REMOUNT": unix.MS_REMOUNT,
	}

	var flags uintptr
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if f, ok := names[name]; ok {
			flags |= f
		}
	}
	return flags
}
