package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// TokenEnv holds an HTTPS access token for private content repositories
const TokenEnv = "KITSYNC_GIT_TOKEN"

// Client checks out content repositories
type Client interface {
	// Checkout makes destDir a checkout of ref and returns the commit hash
	Checkout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	token string
}

// NewShellClient creates a git client. The token is read from TokenEnv.
func NewShellClient() *ShellClient {
	return &ShellClient{token: strings.TrimSpace(os.Getenv(TokenEnv))}
}

// Checkout clones url into destDir on first use and fast-forwards it to the
// tip of ref afterwards. Only the latest commit is fetched.
func (c *ShellClient) Checkout(ctx context.Context, url, ref, destDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(destDir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create checkout parent: %w", err)
		}
		clone := c.command(ctx, url, "clone", "--depth", "1", "--branch", ref, url, destDir)
		if err := run(clone); err != nil {
			return "", fmt.Errorf("git clone %s@%s failed: %w", url, ref, err)
		}
	} else {
		fetch := c.command(ctx, url, "-C", destDir, "fetch", "--depth", "1", "origin", ref)
		if err := run(fetch); err != nil {
			return "", fmt.Errorf("git fetch %s@%s failed: %w", url, ref, err)
		}
		reset := c.command(ctx, url, "-C", destDir, "reset", "--hard", "FETCH_HEAD")
		if err := run(reset); err != nil {
			return "", fmt.Errorf("git reset to %s failed: %w", ref, err)
		}
	}

	out, err := exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// command builds a git invocation, wiring the token through a credential
// helper for HTTPS remotes so it never appears in argv.
func (c *ShellClient) command(ctx context.Context, url string, args ...string) *exec.Cmd {
	if c.token != "" && strings.HasPrefix(url, "https://") {
		args = append([]string{
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$` + TokenEnv + `"; }; f`,
		}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// run executes a command and folds its output into the error
func run(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
