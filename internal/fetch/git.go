package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/git"
)

// Git fetches resources from a checkout of a repository ref. The checkout is
// updated on first use after creation or after Refresh, so one sync reads a
// single commit.
type Git struct {
	client   git.Client
	url      string
	ref      string
	checkout string
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	dir    *Dir
	commit string
}

// NewGit creates a git fetcher caching its checkout under opts.CacheDir
func NewGit(client git.Client, url, ref string, opts Options) *Git {
	opts.applyDefaults()
	key := sha256.Sum256([]byte(url + "#" + ref))
	return &Git{
		client:   client,
		url:      url,
		ref:      ref,
		checkout: filepath.Join(opts.CacheDir, "git", hex.EncodeToString(key[:8])),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Commit returns the checked out commit, empty before the first fetch
func (g *Git) Commit() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commit
}

// Refresh implements Refresher. The next fetch updates the checkout.
func (g *Git) Refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dir = nil
}

func (g *Git) ensure(ctx context.Context, resource string) (*Dir, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dir != nil {
		return g.dir, nil
	}
	g.logger.Info("updating content checkout", "url", g.url, "ref", g.ref, "dest", g.checkout)
	commit, err := g.client.Checkout(ctx, g.url, g.ref, g.checkout)
	if err != nil {
		return nil, &Error{Resource: resource, Err: err}
	}
	g.commit = commit
	g.dir = NewDir(afero.NewOsFs(), g.checkout, g.opts)
	return g.dir, nil
}

// FetchText implements Fetcher
func (g *Git) FetchText(ctx context.Context, resource string) (string, error) {
	d, err := g.ensure(ctx, resource)
	if err != nil {
		return "", err
	}
	return d.FetchText(ctx, resource)
}

// FetchFile implements Fetcher
func (g *Git) FetchFile(ctx context.Context, resource, dest string) error {
	d, err := g.ensure(ctx, resource)
	if err != nil {
		return err
	}
	return d.FetchFile(ctx, resource, dest)
}
