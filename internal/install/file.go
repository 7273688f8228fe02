package install

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFile writes data to a temp file next to path and renames it into
// place, so readers see either the old or the new content.
func WriteFile(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	return writeFrom(fsys, path, bytes.NewReader(data), perm)
}

func writeFrom(fsys afero.Fs, path string, r io.Reader, perm os.FileMode) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, filepath.Dir(path), ".kitsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fsys.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fsys.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return fsys.Rename(tmpPath, path)
}

// moveFile renames src over dst, falling back to copy and rename when the
// two are on different devices.
func moveFile(fsys afero.Fs, src, dst string) error {
	if err := fsys.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := fsys.Rename(src, dst); err == nil {
		return nil
	}

	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	perm := os.FileMode(0644)
	if info, err := in.Stat(); err == nil {
		perm = info.Mode().Perm()
	}
	if err := writeFrom(fsys, dst, in, perm); err != nil {
		return err
	}
	return nil
}

// removeFile deletes path and any parent directories below root that it
// leaves empty
func removeFile(fsys afero.Fs, root, path string) error {
	if err := fsys.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for dir := filepath.Dir(path); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		empty, err := afero.IsEmpty(fsys, dir)
		if err != nil || !empty {
			break
		}
		if err := fsys.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
