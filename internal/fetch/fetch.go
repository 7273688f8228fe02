// Package fetch retrieves manifests, version markers and content files from a
// remote source. It is the only package that performs network I/O.
//
// Sources are addressed by URL:
//
//	https://example.com/kits/stable     plain HTTP(S) tree
//	file:///srv/kits/stable             local directory (also a bare path)
//	s3://bucket/kits/stable             S3 bucket and key prefix
//	git+https://host/org/kit.git#main   git repository at a ref
//
// Fetchers never retry. A failed fetch surfaces as *Error and aborts the sync
// that requested it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/git"
)

var (
	// ErrNotFound marks a resource the source does not have
	ErrNotFound = errors.New("resource not found")
	// ErrNetwork marks a transport failure
	ErrNetwork = errors.New("network error")
)

// Error reports a failed fetch of one resource
type Error struct {
	Resource string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher retrieves named resources from a content source
type Fetcher interface {
	// FetchText returns a UTF-8 text resource
	FetchText(ctx context.Context, resource string) (string, error)
	// FetchFile streams a resource to dest, creating parent directories.
	// A partially written dest is removed on failure.
	FetchFile(ctx context.Context, resource, dest string) error
}

// Refresher is implemented by fetchers that serve from a local snapshot of
// the source. Refresh makes the next fetch observe the source as it is now.
type Refresher interface {
	Refresh()
}

// Options configures the fetcher built by New
type Options struct {
	// FS receives downloaded files. Defaults to the OS filesystem.
	FS afero.Fs
	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration
	// CacheDir holds git checkouts.
	CacheDir string
	// S3Region and S3Endpoint override the AWS defaults for s3:// sources.
	S3Region   string
	S3Endpoint string
	// Git overrides the git client, mainly for tests.
	Git    git.Client
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Git == nil {
		o.Git = git.NewShellClient()
	}
}

// New returns a fetcher for source, chosen by URL scheme
func New(source string, opts Options) (Fetcher, error) {
	opts.applyDefaults()

	if filepath.IsAbs(source) {
		return NewDir(afero.NewOsFs(), source, opts), nil
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", source, err)
	}

	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return NewHTTP(source, opts)

	case u.Scheme == "file" || u.Scheme == "":
		dir := u.Path
		if u.Scheme == "" {
			dir = source
		}
		return NewDir(afero.NewOsFs(), dir, opts), nil

	case u.Scheme == "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 source %q has no bucket", source)
		}
		conf := &aws.Config{}
		if opts.S3Region != "" {
			conf.Region = aws.String(opts.S3Region)
		}
		if opts.S3Endpoint != "" {
			conf.Endpoint = aws.String(opts.S3Endpoint)
			conf.S3ForcePathStyle = aws.Bool(true)
			if strings.HasPrefix(opts.S3Endpoint, "http://") {
				conf.DisableSSL = aws.Bool(true)
			}
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		return NewS3(sess, u.Host, u.Path, opts), nil

	case strings.HasPrefix(u.Scheme, "git+"):
		ref := u.Fragment
		if ref == "" {
			ref = "main"
		}
		remote := *u
		remote.Scheme = strings.TrimPrefix(u.Scheme, "git+")
		remote.Fragment = ""
		if opts.CacheDir == "" {
			return nil, fmt.Errorf("git source %q needs a cache directory", source)
		}
		return NewGit(opts.Git, remote.String(), ref, opts), nil

	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// writeFile streams r into dest on fs. Read failures are reported as
// ErrNetwork; any failure removes the partial file.
func writeFile(fs afero.Fs, dest string, r io.Reader) (err error) {
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	f, err := fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(dest)
		}
	}()

	tr := &trackingReader{r: r}
	if _, err := io.Copy(f, tr); err != nil {
		_ = f.Close()
		if tr.err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, tr.err)
		}
		return err
	}
	return f.Close()
}

// trackingReader remembers the first non-EOF read error so writeFile can
// tell transport failures from disk failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// readText reads a whole text resource, rejecting invalid UTF-8
func readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTextSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if len(data) > maxTextSize {
		return "", fmt.Errorf("text resource larger than %d bytes", maxTextSize)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("text resource is not valid UTF-8")
	}
	return string(data), nil
}

const maxTextSize = 16 << 20
