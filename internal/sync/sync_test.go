package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/checksum"
	"github.com/schaermu/kitsync/internal/fetch"
	"github.com/schaermu/kitsync/internal/manifest"
	"github.com/schaermu/kitsync/internal/staging"
	"github.com/schaermu/kitsync/internal/version"
)

const (
	remoteDir = "/remote"
	root      = "/project"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingFetcher wraps a fetcher, counts file downloads and can corrupt
// selected resources after they are written.
type countingFetcher struct {
	fetch.Fetcher
	fs      afero.Fs
	corrupt map[string]bool

	mu    gosync.Mutex
	files []string
}

func (c *countingFetcher) FetchFile(ctx context.Context, resource, dest string) error {
	c.mu.Lock()
	c.files = append(c.files, resource)
	c.mu.Unlock()

	if err := c.Fetcher.FetchFile(ctx, resource, dest); err != nil {
		return err
	}
	if c.corrupt[resource] {
		return afero.WriteFile(c.fs, dest, []byte("corrupted in transit"), 0644)
	}
	return nil
}

func (c *countingFetcher) downloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

type fixture struct {
	fs      afero.Fs
	fetcher *countingFetcher
	clock   clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll(remoteDir, 0755); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		fs: fs,
		fetcher: &countingFetcher{
			Fetcher: fetch.NewDir(fs, remoteDir, fetch.Options{FS: fs}),
			fs:      fs,
			corrupt: make(map[string]bool),
		},
		clock: clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)),
	}
}

// publish replaces the remote tree with files and regenerates its manifest
func (f *fixture) publish(t *testing.T, commit string, files map[string]string, extra ...string) {
	t.Helper()
	if err := f.fs.RemoveAll(remoteDir); err != nil {
		t.Fatal(err)
	}
	for p, c := range files {
		f.write(t, remoteDir+"/"+p, c)
	}
	v, err := checksum.NewVerifier(f.fs, checksum.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.Build(f.fs, remoteDir, v, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.write(t, remoteDir+"/MANIFEST", m.Serialize())
	f.write(t, remoteDir+"/VERSION", "COMMIT_HASH="+commit+"\n"+strings.Join(extra, ""))
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	if err := afero.WriteFile(f.fs, path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func (f *fixture) engine(t *testing.T, confirmer Confirmer, opts Options) *Engine {
	t.Helper()
	opts.Clock = f.clock
	e, err := NewEngine(f.fs, f.fetcher, confirmer, testLogger(), opts)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// tree snapshots every file below root with its content and mtime
func (f *fixture) tree(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := afero.Walk(f.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := afero.ReadFile(f.fs, p)
		if err != nil {
			return err
		}
		out[p] = string(data) + "@" + info.ModTime().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func assertSameTree(t *testing.T, before, after map[string]string) {
	t.Helper()
	if len(before) != len(after) {
		t.Fatalf("tree changed: %d files before, %d after\nbefore: %v\nafter: %v", len(before), len(after), before, after)
	}
	for p, v := range before {
		if after[p] != v {
			t.Errorf("file %s changed: %q -> %q", p, v, after[p])
		}
	}
}

func localManifest(t *testing.T, f *fixture) string {
	t.Helper()
	return f.read(t, root+"/.kitsync/MANIFEST")
}

func TestSync_FreshInstallAndUpdate(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo v1\n"})

	e := f.engine(t, Always, Options{})
	report, err := e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if report.CurrentVersion != nil {
		t.Errorf("expected no current version on a fresh install, got %s", report.CurrentVersion)
	}
	if got := f.read(t, root+"/foo.md"); got != "foo v1\n" {
		t.Errorf("foo.md = %q", got)
	}

	// remote changes foo.md and adds bar.md
	f.publish(t, "c2", map[string]string{"foo.md": "foo v2\n", "bar.md": "bar\n"})

	report, err = e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if len(report.Changed) != 2 || report.UnchangedCount != 0 {
		t.Errorf("expected 2 changed and 0 unchanged, got %v / %d", report.Changed, report.UnchangedCount)
	}
	if report.CurrentVersion.Commit() != "c1" || report.RemoteVersion.Commit() != "c2" {
		t.Errorf("unexpected versions %s -> %s", report.CurrentVersion, report.RemoteVersion)
	}
	if got := localManifest(t, f); got != f.read(t, remoteDir+"/MANIFEST") {
		t.Errorf("local manifest does not match remote:\n%s\nvs\n%s", got, f.read(t, remoteDir+"/MANIFEST"))
	}

	marker, err := version.Parse(f.read(t, root+"/.kitsync/VERSION"))
	if err != nil {
		t.Fatal(err)
	}
	if marker.Commit() != "c2" {
		t.Errorf("local commit = %s, want c2", marker.Commit())
	}
	if got := marker.Get(version.KeySyncedAt); got != "2025-06-01T08:00:00Z" {
		t.Errorf("SYNCED_AT = %q", got)
	}

	entries, err := afero.ReadDir(f.fs, root+"/.kitsync")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("staging directories must be cleaned up, state dir holds %d entries", len(entries))
	}
}

func TestSync_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"a.md": "a\n", "guides/b.md": "b\n"})
	e := f.engine(t, Always, Options{})

	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	before := f.tree(t)
	downloads := len(f.fetcher.downloads())

	f.clock.Advance(time.Hour)
	report, err := e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Changed) != 0 {
		t.Errorf("second sync reported changes: %v", report.Changed)
	}
	if !report.UpToDate() || report.StateUpdated {
		t.Errorf("second sync should be a no-op, got %+v", report)
	}
	if got := len(f.fetcher.downloads()); got != downloads {
		t.Errorf("second sync downloaded %d files", got-downloads)
	}
	assertSameTree(t, before, f.tree(t))
}

func TestSync_IdenticalManifestsZeroDownloads(t *testing.T) {
	f := newFixture(t)
	files := map[string]string{"a.md": "a\n", "b.md": "b\n"}
	f.publish(t, "c1", files)

	// pre-existing installation that already matches the remote
	for p, c := range files {
		f.write(t, root+"/"+p, c)
	}
	f.write(t, root+"/.kitsync/MANIFEST", f.read(t, remoteDir+"/MANIFEST"))
	f.write(t, root+"/.kitsync/VERSION", "COMMIT_HASH=c1\n")
	before := f.tree(t)

	report, err := f.engine(t, Always, Options{}).Sync(context.Background(), root, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Changed) != 0 || report.UnchangedCount != 2 {
		t.Errorf("expected 0 changed and 2 unchanged, got %v / %d", report.Changed, report.UnchangedCount)
	}
	if n := len(f.fetcher.downloads()); n != 0 {
		t.Errorf("expected zero downloads, got %d", n)
	}
	assertSameTree(t, before, f.tree(t))
}

func TestSync_ChecksumMismatchLeavesInstallationUntouched(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo v1\n"})
	e := f.engine(t, Always, Options{})
	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	before := f.tree(t)

	f.publish(t, "c2", map[string]string{"foo.md": "foo v2\n", "bar.md": "bar\n"})
	f.fetcher.corrupt["bar.md"] = true

	_, err := e.Sync(context.Background(), root, true)
	var mismatch *staging.ChecksumMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if mismatch.Path != "bar.md" {
		t.Errorf("mismatch reported for %s", mismatch.Path)
	}
	if mismatch.Expected == mismatch.Actual {
		t.Error("expected and actual hash must differ")
	}

	assertSameTree(t, before, f.tree(t))
	if strings.Contains(localManifest(t, f), "bar.md") {
		t.Error("local manifest must still be the old one")
	}
}

func TestSync_FetchErrorLeavesInstallationUntouched(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo v1\n"})
	e := f.engine(t, Always, Options{})
	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	before := f.tree(t)

	f.publish(t, "c2", map[string]string{"foo.md": "foo v2\n", "bar.md": "bar\n"})
	if err := f.fs.Remove(remoteDir + "/bar.md"); err != nil {
		t.Fatal(err)
	}

	_, err := e.Sync(context.Background(), root, true)
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	assertSameTree(t, before, f.tree(t))
}

func TestSync_UnchangedFilesNotTouched(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"a/b.md": "b1\n", "a/c.md": "c\n", "d.md": "d\n"})
	e := f.engine(t, Always, Options{})
	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, p := range []string{"a/b.md", "a/c.md", "d.md"} {
		if err := f.fs.Chtimes(root+"/"+p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	f.publish(t, "c2", map[string]string{"a/b.md": "b2\n", "a/c.md": "c\n", "d.md": "d\n"})
	report, err := e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Written) != 1 || report.Written[0] != "a/b.md" {
		t.Errorf("written = %v, want [a/b.md]", report.Written)
	}

	for _, p := range []string{"a/c.md", "d.md"} {
		info, err := f.fs.Stat(root + "/" + p)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(old) {
			t.Errorf("%s was touched: mtime %s", p, info.ModTime())
		}
	}
	if got := f.read(t, root+"/a/b.md"); got != "b2\n" {
		t.Errorf("a/b.md = %q", got)
	}
}

func TestSync_DeclinedShowsDiffAndKeepsTree(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo v1\n"})
	if _, err := f.engine(t, Always, Options{}).Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	before := f.tree(t)

	f.publish(t, "c2", map[string]string{"foo.md": "foo v2\n", "bar.md": "bar\n"})

	var diff bytes.Buffer
	var prompt string
	confirmer := ConfirmFunc(func(p string) bool {
		prompt = p
		return false
	})
	_, err := f.engine(t, confirmer, Options{DiffOut: &diff}).Sync(context.Background(), root, false)
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}

	if !strings.Contains(prompt, "2 changed file(s)") {
		t.Errorf("unexpected prompt %q", prompt)
	}
	out := diff.String()
	for _, want := range []string{"--- a/foo.md", "-foo v1", "+foo v2", "--- /dev/null", "+++ b/bar.md"} {
		if !strings.Contains(out, want) {
			t.Errorf("diff missing %q:\n%s", want, out)
		}
	}
	assertSameTree(t, before, f.tree(t))
}

func TestSync_ForceSkipsConfirmer(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo\n"})

	called := false
	confirmer := ConfirmFunc(func(string) bool {
		called = true
		return false
	})
	if _, err := f.engine(t, confirmer, Options{}).Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("confirmer must not be called with force")
	}
}

func TestSync_RemovedFiles(t *testing.T) {
	tests := []struct {
		name     string
		prune    bool
		wantKept bool
	}{
		{name: "reported but kept", prune: false, wantKept: true},
		{name: "pruned on request", prune: true, wantKept: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.publish(t, "c1", map[string]string{"keep.md": "k\n", "old.md": "o\n"})
			e := f.engine(t, Always, Options{Prune: tt.prune})
			if _, err := e.Sync(context.Background(), root, true); err != nil {
				t.Fatal(err)
			}

			f.publish(t, "c2", map[string]string{"keep.md": "k\n"})
			report, err := e.Sync(context.Background(), root, true)
			if err != nil {
				t.Fatal(err)
			}
			if len(report.Removed) != 1 || report.Removed[0] != "old.md" {
				t.Errorf("removed = %v", report.Removed)
			}

			exists, _ := afero.Exists(f.fs, root+"/old.md")
			if exists != tt.wantKept {
				t.Errorf("old.md exists = %v, want %v", exists, tt.wantKept)
			}
			if strings.Contains(localManifest(t, f), "old.md") {
				t.Error("local manifest must follow the remote")
			}
		})
	}
}

func TestSync_NewCommitSameContent(t *testing.T) {
	f := newFixture(t)
	files := map[string]string{"a.md": "a\n"}
	f.publish(t, "c1", files)
	e := f.engine(t, Always, Options{})
	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	contentBefore := f.read(t, root+"/a.md")

	f.publish(t, "c2", files)
	report, err := e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatal(err)
	}
	if !report.StateUpdated || len(report.Written) != 0 {
		t.Errorf("expected a state-only update, got %+v", report)
	}
	if got := f.read(t, root+"/.kitsync/VERSION"); !strings.Contains(got, "COMMIT_HASH=c2") {
		t.Errorf("VERSION = %q", got)
	}
	if f.read(t, root+"/a.md") != contentBefore {
		t.Error("content must not change")
	}
}

func TestSync_ClientTooOld(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"a.md": "a\n"}, "REQUIRES=>= 2.0.0\n")

	_, err := f.engine(t, Always, Options{ClientVersion: "1.4.0"}).Sync(context.Background(), root, true)
	if !errors.Is(err, version.ErrClientTooOld) {
		t.Fatalf("expected ErrClientTooOld, got %v", err)
	}
	if n := len(f.fetcher.downloads()); n != 0 {
		t.Errorf("no files may be downloaded, got %d", n)
	}

	if _, err := f.engine(t, Always, Options{ClientVersion: "dev"}).Sync(context.Background(), root, true); err != nil {
		t.Errorf("development builds must pass: %v", err)
	}
}

func TestSync_MalformedRemoteManifest(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"a.md": "a\n"})
	f.write(t, remoteDir+"/MANIFEST", "a.md has no separator\n")

	_, err := f.engine(t, Always, Options{}).Sync(context.Background(), root, true)
	if !errors.Is(err, manifest.ErrMalformedEntry) {
		t.Fatalf("expected malformed entry, got %v", err)
	}
	if exists, _ := afero.DirExists(f.fs, root); exists {
		t.Error("nothing may be written before the manifest parses")
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo v1\n"})
	e := f.engine(t, Always, Options{})
	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatal(err)
	}
	before := f.tree(t)

	f.publish(t, "c2", map[string]string{"foo.md": "foo v1\n", "bar.md": "bar\n"})
	report, err := e.Check(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Changed) != 1 || report.Changed[0] != "bar.md" || report.UnchangedCount != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.CurrentVersion.Commit() != "c1" || report.RemoteVersion.Commit() != "c2" {
		t.Errorf("unexpected versions %s -> %s", report.CurrentVersion, report.RemoteVersion)
	}
	if n := len(f.fetcher.downloads()); n != 1 {
		t.Errorf("check must not download content, got %d downloads in total", n)
	}
	assertSameTree(t, before, f.tree(t))
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "c1", map[string]string{"foo.md": "foo\n"})
	e := f.engine(t, Always, Options{})

	report, err := e.Install(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Changed) != 1 {
		t.Errorf("changed = %v", report.Changed)
	}

	if _, err := e.Install(context.Background(), root); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("expected ErrAlreadyInstalled, got %v", err)
	}
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := NewEngine(fs, nil, nil, nil, Options{Hash: "md5"}); err == nil {
		t.Error("expected error for unsupported hash")
	}
	if _, err := NewEngine(fs, nil, nil, nil, Options{Vars: map[string]string{"lower": "x"}}); err == nil {
		t.Error("expected error for invalid template variable name")
	}
}

// pushedRepo stands in for a git remote: Checkout writes the current
// commit's files into the checkout directory
type pushedRepo struct {
	commit string
	files  map[string]string
	calls  int
}

func (r *pushedRepo) push(t *testing.T, commit string, files map[string]string) {
	t.Helper()
	var entries []manifest.Entry
	for _, p := range []string{"a.md", "guides/b.md"} {
		if c, ok := files[p]; ok {
			entries = append(entries, manifest.Entry{Path: p, Hash: checksum.Bytes([]byte(c))})
		}
	}
	m, err := manifest.New(entries...)
	if err != nil {
		t.Fatal(err)
	}
	r.commit = commit
	r.files = map[string]string{
		manifest.Filename:    m.Serialize(),
		manifest.VersionFile: "COMMIT_HASH=" + commit + "\n",
	}
	for p, c := range files {
		r.files[p] = c
	}
}

func (r *pushedRepo) Checkout(_ context.Context, _, _, destDir string) (string, error) {
	r.calls++
	if err := os.RemoveAll(destDir); err != nil {
		return "", err
	}
	for p, c := range r.files {
		dest := filepath.Join(destDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(dest, []byte(c), 0644); err != nil {
			return "", err
		}
	}
	return r.commit, nil
}

// A long-lived engine over a git source, as used by the webhook server,
// must see every push.
func TestSync_GitSourceSeesNewCommits(t *testing.T) {
	f := newFixture(t)
	repo := &pushedRepo{}
	repo.push(t, "c1", map[string]string{"a.md": "v1\n", "guides/b.md": "b\n"})

	fetcher := fetch.NewGit(repo, "https://example.com/kit.git", "main", fetch.Options{
		FS:       f.fs,
		CacheDir: t.TempDir(),
	})
	e, err := NewEngine(f.fs, fetcher, Always, testLogger(), Options{Clock: f.clock})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Sync(context.Background(), root, true); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if got := f.read(t, root+"/a.md"); got != "v1\n" {
		t.Fatalf("a.md = %q after first sync", got)
	}

	repo.push(t, "c2", map[string]string{"a.md": "v2\n", "guides/b.md": "b\n"})

	report, err := e.Sync(context.Background(), root, true)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if report.RemoteVersion.Commit() != "c2" {
		t.Errorf("remote commit = %s, want c2", report.RemoteVersion.Commit())
	}
	if len(report.Changed) != 1 || report.Changed[0] != "a.md" {
		t.Errorf("changed = %v, want [a.md]", report.Changed)
	}
	if got := f.read(t, root+"/a.md"); got != "v2\n" {
		t.Errorf("a.md = %q, want the pushed content", got)
	}
	if repo.calls != 2 {
		t.Errorf("expected one checkout per sync, got %d", repo.calls)
	}
}
