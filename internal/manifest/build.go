package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/checksum"
)

// File names reserved for sync metadata at the root of a content tree
const (
	Filename     = "MANIFEST"
	VersionFile  = "VERSION"
	StateDirName = ".kitsync"
)

// DefaultSkip excludes VCS metadata, local sync state and the metadata files
// at the root of the tree.
func DefaultSkip(rel string, isDir bool) bool {
	if isDir {
		return filepath.Base(rel) == ".git" || rel == StateDirName
	}
	return rel == Filename || rel == VersionFile
}

// Build walks root in lexical order and hashes every regular file that skip
// does not exclude. A nil skip uses DefaultSkip.
func Build(fs afero.Fs, root string, v *checksum.Verifier, skip func(rel string, isDir bool) bool) (*Manifest, error) {
	if skip == nil {
		skip = DefaultSkip
	}

	m := &Manifest{index: make(map[string]int)}
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if skip(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || skip(rel, false) {
			return nil
		}

		hash, err := v.Compute(p)
		if err != nil {
			return err
		}
		return m.add(Entry{Path: rel, Hash: hash})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest for %s: %w", root, err)
	}
	return m, nil
}
