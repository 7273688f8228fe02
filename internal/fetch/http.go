package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// TokenEnv holds a bearer token sent to HTTP sources
const TokenEnv = "KITSYNC_TOKEN"

// HTTP fetches resources relative to a base URL
type HTTP struct {
	base   *url.URL
	client *http.Client
	token  string
	fs     afero.Fs
	logger *slog.Logger
}

// NewHTTP creates an HTTP fetcher rooted at base
func NewHTTP(base string, opts Options) (*HTTP, error) {
	opts.applyDefaults()

	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must include scheme and host", base)
	}

	return &HTTP{
		base: u,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		token:  strings.TrimSpace(os.Getenv(TokenEnv)),
		fs:     opts.FS,
		logger: opts.Logger,
	}, nil
}

// URL returns the absolute URL of a resource
func (h *HTTP) URL(resource string) string {
	return h.base.JoinPath(strings.Split(resource, "/")...).String()
}

// FetchText implements Fetcher
func (h *HTTP) FetchText(ctx context.Context, resource string) (string, error) {
	body, err := h.open(ctx, resource)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = body.Close()
	}()

	text, err := readText(body)
	if err != nil {
		return "", &Error{Resource: resource, Err: err}
	}
	return text, nil
}

// FetchFile implements Fetcher
func (h *HTTP) FetchFile(ctx context.Context, resource, dest string) error {
	body, err := h.open(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()

	if err := writeFile(h.fs, dest, body); err != nil {
		return &Error{Resource: resource, Err: err}
	}
	return nil
}

// open issues the GET and returns the decoded body
func (h *HTTP) open(ctx context.Context, resource string) (io.ReadCloser, error) {
	target := h.URL(resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Resource: resource, Err: err}
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	h.logger.Debug("fetching", "url", target)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Resource: resource, Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, &Error{Resource: resource, Err: fmt.Errorf("%w: %s", ErrNotFound, target)}
	case resp.StatusCode != http.StatusOK:
		_ = resp.Body.Close()
		return nil, &Error{Resource: resource, Err: fmt.Errorf("%w: %s returned %s", ErrNetwork, target, resp.Status)}
	}

	body, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, &Error{Resource: resource, Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}
	return body, nil
}

// decodeBody unwraps the Content-Encoding of a response
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, close: func() { _ = zr.Close() }, raw: resp.Body}, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: dec, close: dec.Close, raw: resp.Body}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

// decodedBody closes both the decoder and the underlying response body
type decodedBody struct {
	io.Reader
	close func()
	raw   io.Closer
}

func (d *decodedBody) Close() error {
	d.close()
	return d.raw.Close()
}
