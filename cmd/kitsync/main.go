package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/kitsync/internal/checksum"
	"github.com/schaermu/kitsync/internal/config"
	"github.com/schaermu/kitsync/internal/fetch"
	"github.com/schaermu/kitsync/internal/install"
	"github.com/schaermu/kitsync/internal/manifest"
	"github.com/schaermu/kitsync/internal/publish"
	"github.com/schaermu/kitsync/internal/sync"
	marker "github.com/schaermu/kitsync/internal/version"
	"github.com/schaermu/kitsync/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	rootDir   string

	// Command flags
	force      bool
	dryRun     bool
	commitID   string
	release    string
	requires   string
	hashName   string
	publishDir string
)

var (
	clock  clockwork.Clock = clockwork.NewRealClock()
	stdin  io.Reader       = os.Stdin
	stdout io.Writer       = os.Stdout
)

// exitDeclined is the exit status when the user rejects the staged changes
const exitDeclined = 2

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, sync.ErrDeclined) {
			os.Exit(exitDeclined)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kitsync",
	Short: "Keep a local content kit in sync with its published source",
	Long: `kitsync installs and updates a tree of content files (guidelines, skills,
templates) from a published source. The source carries a MANIFEST of file
hashes and a VERSION marker; only files whose hash changed are downloaded.

Downloads are verified in a staging area and shown as a diff before anything
in the installation is touched.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report how the installation differs from the source",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Perform the first sync into an empty installation",
	Args:  cobra.NoArgs,
	RunE:  runInstall,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Update the installation to the latest published content",
	Long: `Sync fetches the remote VERSION and MANIFEST, downloads changed files into a
staging area, verifies their checksums and shows a diff against the installed
files. The changes are applied only after confirmation, or right away with
--force.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var buildManifestCmd = &cobra.Command{
	Use:   "build-manifest <dir>",
	Short: "Write MANIFEST and VERSION for a content directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildManifest,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Serve a content directory over HTTP",
	Long: `Publish serves the files of a content directory under /content/ so that
installations can use http://<addr>/content/ as their source URL.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and runs a forced sync of the installation when the content repository is
updated.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(stdout, "kitsync %s\n", version)
		_, _ = fmt.Fprintf(stdout, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(stdout, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kitsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "installation root (overrides install.root)")

	installCmd.Flags().BoolVar(&force, "force", false, "apply without asking for confirmation")
	syncCmd.Flags().BoolVar(&force, "force", false, "apply without asking for confirmation")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	buildManifestCmd.Flags().StringVar(&commitID, "commit", "", "COMMIT_HASH to record (default is the manifest digest)")
	buildManifestCmd.Flags().StringVar(&release, "release", "", "semantic VERSION of the content")
	buildManifestCmd.Flags().StringVar(&requires, "requires", "", "REQUIRES constraint on the kitsync client")
	buildManifestCmd.Flags().StringVar(&hashName, "hash", string(checksum.SHA256), "hash algorithm (sha256, blake2b-256)")

	publishCmd.Flags().StringVar(&publishDir, "dir", "", "content directory (overrides publish.content_dir)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(buildManifestCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, sync.Never)
	if err != nil {
		return err
	}

	report, err := engine.Check(ctx, cfg.Install.Root)
	if err != nil {
		logger.Error("check failed", "error", err)
		return err
	}
	printReport(stdout, report)
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, confirmer())
	if err != nil {
		return err
	}

	report, err := engine.Install(ctx, cfg.Install.Root)
	if err != nil {
		logger.Error("install failed", "error", err)
		return err
	}
	printReport(stdout, report)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger, confirmer())
	if err != nil {
		return err
	}

	if dryRun {
		report, err := engine.Check(ctx, cfg.Install.Root)
		if err != nil {
			logger.Error("dry run failed", "error", err)
			return err
		}
		printReport(stdout, report)
		return nil
	}

	logger.Info("starting sync operation")
	report, err := engine.Sync(ctx, cfg.Install.Root, force)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	printReport(stdout, report)
	return nil
}

func runBuildManifest(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	fs := afero.NewOsFs()

	dir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	verifier, err := checksum.NewVerifier(fs, checksum.Algorithm(hashName))
	if err != nil {
		return err
	}

	m, err := manifest.Build(fs, dir, verifier, nil)
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}
	text := m.Serialize()

	id := commitID
	if id == "" {
		id = checksum.Bytes([]byte(text)).String()
	}
	v := marker.New(id)
	v.Set(marker.KeyTimestamp, clock.Now().UTC().Format(time.RFC3339))
	if release != "" {
		v.Set(marker.KeyRelease, release)
		if v.Release() == nil {
			return fmt.Errorf("invalid release version %q", release)
		}
	}
	if requires != "" {
		v.Set(marker.KeyRequires, requires)
	}

	if err := install.WriteFile(fs, filepath.Join(dir, manifest.Filename), []byte(text), 0644); err != nil {
		return err
	}
	if err := install.WriteFile(fs, filepath.Join(dir, manifest.VersionFile), []byte(v.Serialize()), 0644); err != nil {
		return err
	}

	logger.Info("manifest written", "dir", dir, "files", m.Len(), "commit", id)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	dir := publishDir
	addr := "127.0.0.1:8080"
	if cfg, err := loadConfig(logger); err == nil {
		addr = cfg.Publish.ListenAddr
		if dir == "" {
			dir = cfg.Publish.ContentDir
		}
	} else if dir == "" {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dir == "" {
		return fmt.Errorf("no content directory: set publish.content_dir or --dir")
	}

	dir, err := config.ExpandPath(dir)
	if err != nil {
		return err
	}
	return publish.NewServer(afero.NewOsFs(), dir, addr, logger).Start(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in config (set serve.enabled: true)")
	}

	engine, err := newEngine(cfg, logger, sync.Always)
	if err != nil {
		return err
	}

	root := cfg.Install.Root
	server, err := webhook.NewServer(cfg.Serve, webhook.SyncFunc(func(ctx context.Context) error {
		_, err := engine.Sync(ctx, root, true)
		return err
	}), logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	return server.Start(ctx)
}

// newEngine wires the fetcher chosen by the source URL into a sync engine
func newEngine(cfg *config.Config, logger *slog.Logger, c sync.Confirmer) (*sync.Engine, error) {
	fetcher, err := fetch.New(cfg.Source.URL, fetch.Options{
		Timeout:    cfg.Source.Timeout,
		CacheDir:   cfg.Source.CacheDir,
		S3Region:   cfg.Source.S3Region,
		S3Endpoint: cfg.Source.S3Endpoint,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return sync.NewEngine(afero.NewOsFs(), fetcher, c, logger, sync.Options{
		ManifestName:  cfg.Source.Manifest,
		VersionName:   cfg.Source.Version,
		Hash:          cfg.Sync.Hash,
		Concurrency:   cfg.Sync.Concurrency,
		Prune:         cfg.Install.Prune,
		Vars:          cfg.Templates.Vars,
		DiffContext:   cfg.Sync.DiffContext,
		MaxDiffLines:  cfg.Sync.MaxDiffLines,
		DiffOut:       stdout,
		ClientVersion: version,
		Clock:         clock,
	})
}

func confirmer() sync.Confirmer {
	if force {
		return sync.Always
	}
	return promptConfirmer(stdin, stdout)
}

// promptConfirmer asks on out and accepts y or yes from in. Anything else,
// including end of input, declines.
func promptConfirmer(in io.Reader, out io.Writer) sync.Confirmer {
	r := bufio.NewReader(in)
	return sync.ConfirmFunc(func(prompt string) bool {
		_, _ = fmt.Fprintf(out, "%s [y/N] ", prompt)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			_, _ = fmt.Fprintln(out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	})
}

func printReport(w io.Writer, r *sync.Report) {
	current := r.CurrentVersion.String()
	if current == "" {
		current = "(not installed)"
	}
	_, _ = fmt.Fprintf(w, "installed: %s\n", current)
	_, _ = fmt.Fprintf(w, "remote:    %s\n", r.RemoteVersion.String())

	if r.UpToDate() {
		_, _ = fmt.Fprintln(w, "up to date")
		return
	}

	_, _ = fmt.Fprintf(w, "%d changed, %d unchanged, %d removed upstream\n",
		len(r.Changed), r.UnchangedCount, len(r.Removed))
	for _, p := range r.Changed {
		_, _ = fmt.Fprintf(w, "  M %s\n", p)
	}
	for _, p := range r.Removed {
		_, _ = fmt.Fprintf(w, "  D %s\n", p)
	}
	if len(r.Written) > 0 || len(r.Pruned) > 0 {
		_, _ = fmt.Fprintf(w, "wrote %d file(s), pruned %d file(s)\n", len(r.Written), len(r.Pruned))
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so that diffs and reports on stdout stay readable
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if rootDir != "" {
		root, err := config.ExpandPath(rootDir)
		if err != nil {
			return nil, err
		}
		if root, err = filepath.Abs(root); err != nil {
			return nil, err
		}
		cfg.Install.Root = root
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.URL,
		"remote", cfg.IsRemote(),
		"root", cfg.Install.Root,
		"prune", cfg.Install.Prune,
		"hash", cfg.Sync.Hash)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
