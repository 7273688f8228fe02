package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/checksum"
	"github.com/schaermu/kitsync/internal/diffview"
	"github.com/schaermu/kitsync/internal/fetch"
	"github.com/schaermu/kitsync/internal/install"
	"github.com/schaermu/kitsync/internal/manifest"
	"github.com/schaermu/kitsync/internal/staging"
	"github.com/schaermu/kitsync/internal/tmplvars"
	"github.com/schaermu/kitsync/internal/version"
)

var (
	// ErrAlreadyInstalled is returned by Install when a local manifest exists
	ErrAlreadyInstalled = errors.New("content is already installed, use sync instead")
	// ErrDeclined is returned when the confirmer rejects the changes
	ErrDeclined = errors.New("changes declined")
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// ManifestName and VersionName are the remote resource names
	ManifestName string
	VersionName  string
	Hash         checksum.Algorithm
	Concurrency  int
	Prune        bool
	Vars         tmplvars.Vars
	// DiffContext is the number of context lines in the confirmation diff
	DiffContext  int
	MaxDiffLines int
	// DiffOut receives the diff shown before confirmation
	DiffOut io.Writer
	// ClientVersion is checked against the remote REQUIRES constraint
	ClientVersion string
	Clock         clockwork.Clock
}

// Engine orchestrates the sync process
type Engine struct {
	fs        afero.Fs
	fetcher   fetch.Fetcher
	confirmer Confirmer
	logger    *slog.Logger
	opts      Options
	verifier  *checksum.Verifier
	applier   *install.Applier
}

// NewEngine creates a new sync engine
func NewEngine(fs afero.Fs, fetcher fetch.Fetcher, confirmer Confirmer, logger *slog.Logger, opts Options) (*Engine, error) {
	if opts.ManifestName == "" {
		opts.ManifestName = manifest.Filename
	}
	if opts.VersionName == "" {
		opts.VersionName = manifest.VersionFile
	}
	if opts.DiffOut == nil {
		opts.DiffOut = io.Discard
	}
	if opts.DiffContext == 0 {
		opts.DiffContext = diffview.DefaultContext
	}
	if confirmer == nil {
		confirmer = Never
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	verifier, err := checksum.NewVerifier(fs, opts.Hash)
	if err != nil {
		return nil, err
	}
	if err := opts.Vars.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		fs:        fs,
		fetcher:   fetcher,
		confirmer: confirmer,
		logger:    logger,
		opts:      opts,
		verifier:  verifier,
		applier: install.NewApplier(fs, install.Options{
			Prune:  opts.Prune,
			Vars:   opts.Vars,
			Clock:  opts.Clock,
			Logger: logger,
		}),
	}, nil
}

// Report summarizes a check or sync
type Report struct {
	// CurrentVersion is nil when nothing is installed
	CurrentVersion *version.Marker
	RemoteVersion  *version.Marker
	Changed        []string
	UnchangedCount int
	// Removed lists locally installed paths the remote no longer carries
	Removed []string
	// Written and Pruned list installed paths touched by the sync
	Written []string
	Pruned  []string
	// StateUpdated is set when the local manifest and version were rewritten
	StateUpdated bool
}

// UpToDate reports whether the installation already matches the remote
func (r *Report) UpToDate() bool {
	return len(r.Changed) == 0 && len(r.Removed) == 0 &&
		r.CurrentVersion != nil && r.CurrentVersion.Commit() == r.RemoteVersion.Commit()
}

// snapshot is the local and remote state one operation works on
type snapshot struct {
	inst         *install.Installation
	localVersion *version.Marker
	remote       *manifest.Manifest
	marker       *version.Marker
	plan         *manifest.Plan
}

func (s *snapshot) report() *Report {
	return &Report{
		CurrentVersion: s.localVersion,
		RemoteVersion:  s.marker,
		Changed:        s.plan.ChangedPaths(),
		UnchangedCount: len(s.plan.Unchanged),
		Removed:        s.plan.Removed,
	}
}

// load reads local state and fetches the remote version marker and manifest
func (e *Engine) load(ctx context.Context, root string) (*snapshot, error) {
	inst := install.Open(e.fs, root)

	// every operation starts from the current state of the source
	if r, ok := e.fetcher.(fetch.Refresher); ok {
		r.Refresh()
	}

	local, err := inst.LoadManifest()
	if err != nil {
		return nil, err
	}
	localVersion, err := inst.LoadVersion()
	if err != nil {
		return nil, err
	}

	e.logger.Info("fetching remote version", "resource", e.opts.VersionName)
	text, err := e.fetcher.FetchText(ctx, e.opts.VersionName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote version: %w", err)
	}
	marker, err := version.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("remote version: %w", err)
	}

	e.logger.Info("fetching remote manifest", "resource", e.opts.ManifestName)
	text, err = e.fetcher.FetchText(ctx, e.opts.ManifestName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote manifest: %w", err)
	}
	remote, err := manifest.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("remote manifest: %w", err)
	}

	plan := manifest.Diff(local, remote)
	e.logger.Info("sync plan",
		"current", localVersion.String(),
		"remote", marker.String(),
		"changed", len(plan.Changed),
		"unchanged", len(plan.Unchanged),
		"removed", len(plan.Removed))

	return &snapshot{
		inst:         inst,
		localVersion: localVersion,
		remote:       remote,
		marker:       marker,
		plan:         plan,
	}, nil
}

// Check compares the installation at root with the remote without writing
// anything.
func (e *Engine) Check(ctx context.Context, root string) (*Report, error) {
	snap, err := e.load(ctx, root)
	if err != nil {
		return nil, err
	}
	return snap.report(), nil
}

// Install performs the first sync of root. It fails with ErrAlreadyInstalled
// when a local manifest exists.
func (e *Engine) Install(ctx context.Context, root string) (*Report, error) {
	exists, err := install.Open(e.fs, root).Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyInstalled
	}
	return e.Sync(ctx, root, false)
}

// Sync brings the installation at root up to the remote. Changed files are
// downloaded and verified in a staging area, shown to the confirmer unless
// force is set, and only then applied. Any failure before the apply leaves
// the installation untouched.
func (e *Engine) Sync(ctx context.Context, root string, force bool) (*Report, error) {
	e.logger.Info("starting sync", "root", root, "force", force)

	snap, err := e.load(ctx, root)
	if err != nil {
		return nil, err
	}
	report := snap.report()

	if err := snap.marker.CheckClient(e.opts.ClientVersion); err != nil {
		return report, err
	}

	if len(snap.plan.Changed) == 0 && (len(snap.plan.Removed) == 0 || !e.opts.Prune) {
		return e.recordOnly(snap, report)
	}

	area, err := staging.New(e.fs, snap.inst.StateDir(), e.fetcher, e.verifier, staging.Options{
		Concurrency: e.opts.Concurrency,
		Logger:      e.logger,
	})
	if err != nil {
		return report, err
	}
	defer func() {
		e.applier.Forget(area)
		if err := area.Close(); err != nil {
			e.logger.Warn("failed to remove staging directory", "dir", area.Dir(), "error", err)
		}
	}()

	if err := area.Populate(ctx, snap.plan.Changed); err != nil {
		return report, err
	}
	if err := e.applier.Render(area); err != nil {
		return report, err
	}

	if !force {
		if !e.confirm(snap, area) {
			e.logger.Info("changes declined, discarding staged files")
			if err := area.Abort(); err != nil {
				return report, err
			}
			return report, ErrDeclined
		}
	}

	res, err := e.applier.Apply(snap.inst, area, snap.remote, snap.marker, snap.plan.Removed)
	if res != nil {
		report.Written = res.Written
		report.Pruned = res.Pruned
	}
	if err != nil {
		return report, fmt.Errorf("failed to apply changes: %w", err)
	}
	report.StateUpdated = true

	e.logger.Info("sync completed successfully",
		"commit", snap.marker.Commit(),
		"written", len(report.Written),
		"pruned", len(report.Pruned))
	return report, nil
}

// recordOnly handles a plan with nothing to download or delete. The tree is
// left alone; only a new commit or a dropped manifest entry rewrites state.
func (e *Engine) recordOnly(snap *snapshot, report *Report) (*Report, error) {
	if report.UpToDate() {
		e.logger.Info("already up to date", "commit", snap.marker.Commit())
		return report, nil
	}

	e.logger.Info("no content changes, recording remote version", "commit", snap.marker.Commit())
	if err := e.applier.Record(snap.inst, snap.remote, snap.marker); err != nil {
		return report, err
	}
	report.StateUpdated = true
	return report, nil
}

func (e *Engine) confirm(snap *snapshot, area *staging.Area) bool {
	paths := snap.plan.ChangedPaths()

	r := diffview.NewRenderer(e.fs, e.opts.DiffContext)
	r.LivePath = e.applier.LivePath
	lines := diffview.Limit(r.Render(snap.inst.Root(), area.Dir(), paths), e.opts.MaxDiffLines)
	if err := diffview.Fprint(e.opts.DiffOut, lines); err != nil {
		e.logger.Warn("failed to write diff", "error", err)
	}

	prompt := fmt.Sprintf("Apply %d changed file(s) from %s?", len(paths), snap.marker.String())
	if n := len(snap.plan.Removed); n > 0 && e.opts.Prune {
		prompt = fmt.Sprintf("Apply %d changed file(s) and remove %d file(s) from %s?", len(paths), n, snap.marker.String())
	}
	return e.confirmer.Confirm(prompt)
}
