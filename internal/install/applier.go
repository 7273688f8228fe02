package install

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/manifest"
	"github.com/schaermu/kitsync/internal/staging"
	"github.com/schaermu/kitsync/internal/tmplvars"
	"github.com/schaermu/kitsync/internal/version"
)

// Options configures an Applier
type Options struct {
	// Prune deletes files that were removed upstream
	Prune bool
	// Vars enables template rendering when non-empty
	Vars   tmplvars.Vars
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Result lists what Apply changed below the installation root
type Result struct {
	Written []string
	Pruned  []string
}

// Applier moves verified staged files into an installation
type Applier struct {
	fs     afero.Fs
	prune  bool
	vars   tmplvars.Vars
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.Mutex
	rendered map[*staging.Area]bool
}

// NewApplier creates an applier writing to fs
func NewApplier(fs afero.Fs, opts Options) *Applier {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Applier{
		fs:       fs,
		prune:    opts.Prune,
		vars:     opts.Vars,
		clock:    opts.Clock,
		logger:   opts.Logger,
		rendered: make(map[*staging.Area]bool),
	}
}

// LivePath maps a manifest path to the path it is installed at. Templates
// lose their suffix when rendering is enabled.
func (a *Applier) LivePath(p string) string {
	if len(a.vars) == 0 {
		return p
	}
	return tmplvars.Target(p)
}

// Render substitutes template variables in the staged copies of template
// files. It runs at most once per area and is called by Apply when needed.
func (a *Applier) Render(area *staging.Area) error {
	if len(a.vars) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rendered[area] {
		return nil
	}

	for _, f := range area.Files() {
		if !tmplvars.IsTemplate(f.Path) {
			continue
		}
		data, err := afero.ReadFile(a.fs, f.Local)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", f.Path, err)
		}
		out, err := tmplvars.Substitute(string(data), a.vars)
		if err != nil {
			return fmt.Errorf("template %s: %w", f.Path, err)
		}
		if err := WriteFile(a.fs, f.Local, []byte(out), 0644); err != nil {
			return fmt.Errorf("failed to write rendered %s: %w", f.Path, err)
		}
		a.logger.Debug("rendered template", "path", f.Path, "target", a.LivePath(f.Path))
	}
	a.rendered[area] = true
	return nil
}

// Apply moves every staged file over its live path, optionally prunes the
// removed paths, and then records remote and marker as the installation
// state. Files outside the staged and removed sets are never touched. The
// area must be Verified and is Committed on success.
func (a *Applier) Apply(inst *Installation, area *staging.Area, remote *manifest.Manifest, marker *version.Marker, removed []string) (*Result, error) {
	if st := area.State(); st != staging.Verified {
		return nil, fmt.Errorf("%w: apply in state %s", staging.ErrInvalidState, st)
	}
	if err := a.Render(area); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, f := range area.Files() {
		live := a.LivePath(f.Path)
		a.logger.Info("installing file", "path", live)
		if err := moveFile(a.fs, f.Local, inst.Path(live)); err != nil {
			return res, fmt.Errorf("failed to install %s: %w", live, err)
		}
		res.Written = append(res.Written, live)
	}

	if a.prune {
		for _, p := range removed {
			live := a.LivePath(p)
			a.logger.Info("pruning file", "path", live)
			if err := removeFile(a.fs, inst.Root(), inst.Path(live)); err != nil {
				return res, fmt.Errorf("failed to prune %s: %w", live, err)
			}
			res.Pruned = append(res.Pruned, live)
		}
	} else if len(removed) > 0 {
		a.logger.Info("files removed upstream were kept", "count", len(removed))
	}

	if err := a.Record(inst, remote, marker); err != nil {
		return res, err
	}

	if err := area.MarkCommitted(); err != nil {
		return res, err
	}
	a.Forget(area)
	return res, nil
}

// Forget drops the render bookkeeping kept for area
func (a *Applier) Forget(area *staging.Area) {
	a.mu.Lock()
	delete(a.rendered, area)
	a.mu.Unlock()
}

// Record writes remote and marker as the installation state without touching
// the content tree. The stored marker is stamped with the sync time.
func (a *Applier) Record(inst *Installation, remote *manifest.Manifest, marker *version.Marker) error {
	stamped := marker.Clone()
	stamped.Set(version.KeySyncedAt, a.clock.Now().UTC().Format(time.RFC3339))
	return inst.WriteState(remote, stamped)
}
