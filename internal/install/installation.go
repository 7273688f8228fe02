// Package install reads and writes the live installation: the content tree
// under a root directory plus the sync state kept in its .kitsync directory.
package install

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/manifest"
	"github.com/schaermu/kitsync/internal/version"
)

// Installation is a local copy of a content tree
type Installation struct {
	fs   afero.Fs
	root string
}

// Open returns the installation rooted at root. The directory does not need
// to exist yet.
func Open(fs afero.Fs, root string) *Installation {
	return &Installation{fs: fs, root: filepath.Clean(root)}
}

// Root returns the installation root
func (i *Installation) Root() string {
	return i.root
}

// StateDir holds the local manifest, version marker and staging areas
func (i *Installation) StateDir() string {
	return filepath.Join(i.root, manifest.StateDirName)
}

// Path resolves a manifest path below the root
func (i *Installation) Path(rel string) string {
	return filepath.Join(i.root, filepath.FromSlash(rel))
}

func (i *Installation) manifestPath() string {
	return filepath.Join(i.StateDir(), manifest.Filename)
}

func (i *Installation) versionPath() string {
	return filepath.Join(i.StateDir(), manifest.VersionFile)
}

// Exists reports whether a previous sync left a manifest
func (i *Installation) Exists() (bool, error) {
	return afero.Exists(i.fs, i.manifestPath())
}

// LoadManifest returns the local manifest, or nil for a fresh installation
func (i *Installation) LoadManifest() (*manifest.Manifest, error) {
	data, err := afero.ReadFile(i.fs, i.manifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read local manifest: %w", err)
	}
	m, err := manifest.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("local manifest %s: %w", i.manifestPath(), err)
	}
	return m, nil
}

// LoadVersion returns the local version marker, or nil when absent
func (i *Installation) LoadVersion() (*version.Marker, error) {
	data, err := afero.ReadFile(i.fs, i.versionPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read local version: %w", err)
	}
	v, err := version.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("local version %s: %w", i.versionPath(), err)
	}
	return v, nil
}

// WriteState replaces the local manifest and then the version marker. The
// version marker is written last so it only ever names a manifest that is
// fully on disk.
func (i *Installation) WriteState(m *manifest.Manifest, v *version.Marker) error {
	if err := i.fs.MkdirAll(i.StateDir(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := WriteFile(i.fs, i.manifestPath(), []byte(m.Serialize()), 0644); err != nil {
		return fmt.Errorf("failed to write local manifest: %w", err)
	}
	if err := WriteFile(i.fs, i.versionPath(), []byte(v.Serialize()), 0644); err != nil {
		return fmt.Errorf("failed to write local version: %w", err)
	}
	return nil
}
