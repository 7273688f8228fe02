//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/kitsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness drives a kitsync binary against a content directory and an
// installation root inside a temporary directory
type Harness struct {
	t          *testing.T
	bin        string
	ContentDir string
	Root       string
	ConfigPath string
	addr       string
}

// NewHarness builds the binary and lays out the test directories
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	h := &Harness{
		t:          t,
		bin:        testutil.BuildBinary(t),
		ContentDir: filepath.Join(dir, "content"),
		Root:       filepath.Join(dir, "project"),
		ConfigPath: filepath.Join(dir, "config.yaml"),
	}
	if err := os.MkdirAll(h.ContentDir, 0o755); err != nil {
		t.Fatalf("create content dir: %v", err)
	}
	return h
}

// SourceURL is the URL installations sync from
func (h *Harness) SourceURL() string {
	return "http://" + h.addr + "/content/"
}

// WriteConfig points the installation at the publish server
func (h *Harness) WriteConfig(prune bool) {
	h.t.Helper()
	cfg := fmt.Sprintf(`source:
  url: %q
  timeout: 10s
install:
  root: %q
  prune: %t
publish:
  listen_addr: %q
  content_dir: %q
`, h.SourceURL(), h.Root, prune, h.addr, h.ContentDir)
	if err := os.WriteFile(h.ConfigPath, []byte(cfg), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// StartPublisher runs `kitsync publish` on a free local port until the test ends
func (h *Harness) StartPublisher(ctx context.Context) {
	h.t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		h.t.Fatalf("reserve port: %v", err)
	}
	h.addr = ln.Addr().String()
	_ = ln.Close()
	h.WriteConfig(false)

	cmd := exec.CommandContext(ctx, h.bin, "--config", h.ConfigPath, "--log-level", "debug", "publish")
	cmd.Stdout = &testWriter{t: h.t, prefix: "[publish] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[publish] "}
	if err := cmd.Start(); err != nil {
		h.t.Fatalf("start publisher: %v", err)
	}
	h.t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + h.addr + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	h.t.Fatalf("publisher did not become healthy on %s", h.addr)
}

// Run executes kitsync with the harness config. A non-zero exit is reported
// through exitCode, not err.
func (h *Harness) Run(ctx context.Context, stdin string, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append([]string{"--config", h.ConfigPath}, args...)
	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("run kitsync: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes kitsync and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, "", args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// Publish rebuilds MANIFEST and VERSION for the content directory
func (h *Harness) Publish(ctx context.Context, commit string) {
	h.t.Helper()
	h.MustRun(ctx, "build-manifest", "--commit", commit, h.ContentDir)
}

// WriteContent writes a file below the content directory
func (h *Harness) WriteContent(rel, content string) {
	h.t.Helper()
	writeFile(h.t, filepath.Join(h.ContentDir, rel), content)
}

// RemoveContent deletes a file from the content directory
func (h *Harness) RemoveContent(rel string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(h.ContentDir, rel)); err != nil {
		h.t.Fatalf("remove %s: %v", rel, err)
	}
}

// ReadInstalled returns the content of an installed file
func (h *Harness) ReadInstalled(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Root, rel))
	if err != nil {
		h.t.Fatalf("read installed %s: %v", rel, err)
	}
	return string(data)
}

// InstalledModTime returns the modification time of an installed file
func (h *Harness) InstalledModTime(rel string) time.Time {
	h.t.Helper()
	info, err := os.Stat(filepath.Join(h.Root, rel))
	if err != nil {
		h.t.Fatalf("stat installed %s: %v", rel, err)
	}
	return info.ModTime()
}

// InstalledExists reports whether rel exists below the installation root
func (h *Harness) InstalledExists(rel string) bool {
	h.t.Helper()
	_, err := os.Stat(filepath.Join(h.Root, rel))
	return err == nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
