package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRuntimeBase is the production runtime root.
const DefaultRuntimeBase = "/run/memlink"

// RuntimeDirs holds the node-local runtime paths memlink uses:
//
//	{base}/                  - runtime root
//	{base}/.lock             - global writer lock
//	{base}/db/handles.db     - handle record database
//	{base}/simdev/device.db  - simulated device state
//
// Descriptor files live elsewhere (see codec.ResolveDir) because they
// are shared between processes that may not share a runtime root.
//
// RuntimeDirs is immutable after construction. Use NewRuntimeDirs to create.
type RuntimeDirs struct {
	base   string
	db     string
	simdev string
	lock   string
}

// DefaultRuntimeDirs returns RuntimeDirs rooted at DefaultRuntimeBase.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs creates RuntimeDirs rooted at base, which must be a
// non-empty absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base:   base,
		db:     filepath.Join(base, "db"),
		simdev: filepath.Join(base, "simdev"),
		lock:   filepath.Join(base, ".lock"),
	}, nil
}

// Base returns the runtime root path.
func (d RuntimeDirs) Base() string { return d.base }

// DB returns the database directory path.
func (d RuntimeDirs) DB() string { return d.db }

// Simdev returns the simulated device directory path.
func (d RuntimeDirs) Simdev() string { return d.simdev }

// Lock returns the global writer lock file path.
func (d RuntimeDirs) Lock() string { return d.lock }

// DBPath returns the full path to the handle record database.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "handles.db")
}

// SimdevPath returns the full path to the simulated device database.
func (d RuntimeDirs) SimdevPath() string {
	return filepath.Join(d.simdev, "device.db")
}

// EnsureDirectories creates the runtime directories. MkdirAll is
// idempotent, so this is safe to call on every start.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.simdev} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
