// Package publish serves a content directory so kitsync installations can
// sync from it over HTTP.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/schaermu/kitsync/internal/activation"
	"github.com/schaermu/kitsync/internal/manifest"
)

// ContentPrefix is the URL prefix content is served under
const ContentPrefix = "/content/"

// Server serves the files below a content directory
type Server struct {
	fs     afero.Fs
	root   string
	addr   string
	logger *slog.Logger
}

// NewServer creates a content server for root on fs
func NewServer(fs afero.Fs, root, addr string, logger *slog.Logger) *Server {
	return &Server{
		fs:     fs,
		root:   root,
		addr:   addr,
		logger: logger,
	}
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/content/*path", s.contentHandler},
		{"HEAD", "/content/*path", s.contentHandler},
		{"GET", "/healthz", healthHandler},
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, s.logWrapper(route.handler))
	}
	return r
}

// Start serves until ctx is canceled. A socket passed by systemd is used
// instead of listening on the configured address.
func (s *Server) Start(ctx context.Context) error {
	ln, inherited, err := activation.Listen(s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("content server starting",
		"addr", ln.Addr().String(),
		"content_dir", s.root,
		"socket_activated", inherited)

	h := httpdown.HTTP{
		StopTimeout: 5 * time.Second,
		KillTimeout: 5 * time.Second,
	}
	server := h.Serve(&http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}, ln)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down content server")
			if err := server.Stop(); err != nil {
				s.logger.Warn("content server stop failed", "error", err)
			}
		case <-done:
		}
	}()

	return server.Wait()
}

func healthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	_, _ = fmt.Fprintln(w, "ok")
}

// hidden reports whether rel lies in a directory that manifest.Build skips,
// such as the state directory or a .git directory at any depth.
func hidden(rel string) bool {
	for p := path.Clean(rel); p != "." && p != "/"; p = path.Dir(p) {
		if manifest.DefaultSkip(p, true) {
			return true
		}
	}
	return false
}

func (s *Server) contentHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// the star parameter carries the leading slash
	rel := strings.TrimPrefix(ps.ByName("path"), "/")
	if hidden(rel) {
		http.NotFound(w, r)
		return
	}
	if err := manifest.ValidatePath(rel); err != nil {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	f, err := s.fs.Open(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error("failed to open content", "path", rel, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Vary", "Accept-Encoding")
	w.Header().Set("Content-Type", "application/octet-stream")
	if strings.HasSuffix(rel, ".md") || rel == manifest.Filename || rel == manifest.VersionFile {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}

	enc := negotiate(r.Header.Get("Accept-Encoding"))
	if enc != "" {
		w.Header().Set("Content-Encoding", enc)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	if r.Method == http.MethodHead {
		return
	}

	out, err := encoder(w, enc)
	if err != nil {
		s.logger.Error("failed to create encoder", "encoding", enc, "error", err)
		return
	}
	if _, err := io.Copy(out, f); err != nil {
		s.logger.Warn("failed to send content", "path", rel, "error", err)
		return
	}
	if err := out.Close(); err != nil {
		s.logger.Warn("failed to finish response", "path", rel, "error", err)
	}
}

// negotiate picks zstd, then gzip, from an Accept-Encoding header. An empty
// result means identity.
func negotiate(accept string) string {
	offered := map[string]bool{}
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		offered[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, enc := range []string{"zstd", "gzip"} {
		if offered[enc] {
			return enc
		}
	}
	return ""
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func encoder(w io.Writer, enc string) (io.WriteCloser, error) {
	switch enc {
	case "zstd":
		return zstd.NewWriter(w)
	case "gzip":
		return gzip.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// logWrapper logs each request before handling it
func (s *Server) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		s.logger.Debug("request", "method", r.Method, "url", r.URL.String())
		handler(w, r, ps)
	}
}
