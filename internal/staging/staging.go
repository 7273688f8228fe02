// Package staging downloads and verifies changed content in a scratch
// directory before anything touches the live installation.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/checksum"
	"github.com/schaermu/kitsync/internal/fetch"
	"github.com/schaermu/kitsync/internal/manifest"
)

// State is the lifecycle position of an Area. An area stays Empty while
// Populate waits on its first download and moves to Populating once a file
// has landed in the staging directory. Populate of an empty entry list goes
// straight to Verified.
type State int

const (
	Empty State = iota
	Populating
	Verified
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Populating:
		return "populating"
	case Verified:
		return "verified"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is not allowed in the
// area's current state
var ErrInvalidState = errors.New("invalid staging state")

// ChecksumMismatchError reports a downloaded file whose digest differs from
// the manifest
type ChecksumMismatchError struct {
	Path     string
	Expected checksum.Hash
	Actual   checksum.Hash
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// StagedFile is a verified download waiting to be applied
type StagedFile struct {
	// Path is the manifest path, relative to the installation root
	Path string
	Hash checksum.Hash
	// Local is the staged copy inside the area directory
	Local string
}

// Options tunes an Area
type Options struct {
	// Concurrency bounds parallel downloads. Defaults to 4.
	Concurrency int
	Logger      *slog.Logger
}

// Area is a scratch directory holding the files of one sync. The fetcher
// must write to the same filesystem the area was created on.
type Area struct {
	fs       afero.Fs
	dir      string
	fetcher  fetch.Fetcher
	verifier *checksum.Verifier
	workers  int
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	files   []StagedFile
}

// New creates an empty staging directory below parent
func New(fs afero.Fs, parent string, fetcher fetch.Fetcher, verifier *checksum.Verifier, opts Options) (*Area, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := fs.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", parent, err)
	}
	dir, err := afero.TempDir(fs, parent, "staging-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Area{
		fs:       fs,
		dir:      dir,
		fetcher:  fetcher,
		verifier: verifier,
		workers:  opts.Concurrency,
		logger:   opts.Logger,
		state:    Empty,
	}, nil
}

// Dir returns the staging directory
func (a *Area) Dir() string {
	return a.dir
}

// State returns the current lifecycle state
func (a *Area) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Files returns the staged files in manifest order. Empty unless Verified
// or Committed.
func (a *Area) Files() []StagedFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]StagedFile, len(a.files))
	copy(out, a.files)
	return out
}

// Populate downloads and verifies every entry. It returns after all
// downloads have stopped. On success the area is Verified; on any failure
// it is Aborted and its directory removed.
func (a *Area) Populate(ctx context.Context, entries []manifest.Entry) error {
	a.mu.Lock()
	if a.started || a.state != Empty {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: populate in state %s", ErrInvalidState, st)
	}
	a.started = true
	a.mu.Unlock()

	a.logger.Info("staging files", "count", len(entries), "dir", a.dir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	staged := make([]StagedFile, len(entries))
	g := newGate(a.workers)

	for i, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.enter()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.leave()

			sf, err := a.stage(ctx, e)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				errMu.Unlock()
				return
			}
			staged[i] = sf
		}()
	}
	wg.Wait()

	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		a.logger.Warn("staging failed", "error", firstErr)
		if err := a.teardown(); err != nil {
			a.logger.Warn("failed to remove staging directory", "dir", a.dir, "error", err)
		}
		return firstErr
	}

	a.mu.Lock()
	a.files = staged
	a.state = Verified
	a.mu.Unlock()
	a.logger.Debug("staging verified", "count", len(staged))
	return nil
}

func (a *Area) stage(ctx context.Context, e manifest.Entry) (StagedFile, error) {
	local := filepath.Join(a.dir, filepath.FromSlash(e.Path))
	if err := a.fetcher.FetchFile(ctx, e.Path, local); err != nil {
		return StagedFile{}, err
	}
	a.mu.Lock()
	if a.state == Empty {
		a.state = Populating
	}
	a.mu.Unlock()

	ok, actual, err := a.verifier.Verify(local, e.Hash)
	if err != nil {
		return StagedFile{}, fmt.Errorf("failed to verify %s: %w", e.Path, err)
	}
	if !ok {
		return StagedFile{}, &ChecksumMismatchError{Path: e.Path, Expected: e.Hash, Actual: actual}
	}
	a.logger.Debug("staged", "path", e.Path)
	return StagedFile{Path: e.Path, Hash: e.Hash, Local: local}, nil
}

// MarkCommitted records that the staged files were applied
func (a *Area) MarkCommitted() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Verified {
		return fmt.Errorf("%w: commit in state %s", ErrInvalidState, a.state)
	}
	a.state = Committed
	return nil
}

// Abort discards the staged files. Aborting a committed area is an error.
func (a *Area) Abort() error {
	if a.State() == Committed {
		return fmt.Errorf("%w: abort in state %s", ErrInvalidState, Committed)
	}
	return a.teardown()
}

func (a *Area) teardown() error {
	a.mu.Lock()
	a.state = Aborted
	a.files = nil
	a.mu.Unlock()
	return a.fs.RemoveAll(a.dir)
}

// Close removes the staging directory. It is safe in any state and may be
// called more than once.
func (a *Area) Close() error {
	a.mu.Lock()
	if a.state != Committed {
		a.state = Aborted
		a.files = nil
	}
	a.mu.Unlock()
	return a.fs.RemoveAll(a.dir)
}
