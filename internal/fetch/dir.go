package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/manifest"
)

// Dir fetches resources from a directory tree
type Dir struct {
	src  afero.Fs
	root string
	dst  afero.Fs
}

// NewDir creates a fetcher reading from root on src
func NewDir(src afero.Fs, root string, opts Options) *Dir {
	opts.applyDefaults()
	return &Dir{src: src, root: root, dst: opts.FS}
}

func (d *Dir) path(resource string) (string, error) {
	if err := manifest.ValidatePath(resource); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(resource)), nil
}

// FetchText implements Fetcher
func (d *Dir) FetchText(_ context.Context, resource string) (string, error) {
	p, err := d.path(resource)
	if err != nil {
		return "", &Error{Resource: resource, Err: err}
	}
	data, err := afero.ReadFile(d.src, p)
	if err != nil {
		return "", &Error{Resource: resource, Err: classifyFSError(err)}
	}
	if !utf8.Valid(data) {
		return "", &Error{Resource: resource, Err: fmt.Errorf("text resource is not valid UTF-8")}
	}
	return string(data), nil
}

// FetchFile implements Fetcher
func (d *Dir) FetchFile(ctx context.Context, resource, dest string) error {
	p, err := d.path(resource)
	if err != nil {
		return &Error{Resource: resource, Err: err}
	}
	f, err := d.src.Open(p)
	if err != nil {
		return &Error{Resource: resource, Err: classifyFSError(err)}
	}
	defer func() {
		_ = f.Close()
	}()

	if err := ctx.Err(); err != nil {
		return &Error{Resource: resource, Err: err}
	}
	if err := writeFile(d.dst, dest, f); err != nil {
		return &Error{Resource: resource, Err: err}
	}
	return nil
}

func classifyFSError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
