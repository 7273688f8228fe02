package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/kitsync/internal/checksum"
	"github.com/schaermu/kitsync/internal/tmplvars"
)

// Config represents the complete kitsync configuration
type Config struct {
	Source    SourceConfig    `yaml:"source" toml:"source"`
	Install   InstallConfig   `yaml:"install" toml:"install"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Templates TemplatesConfig `yaml:"templates" toml:"templates"`
	Serve     ServeConfig     `yaml:"serve" toml:"serve"`
	Publish   PublishConfig   `yaml:"publish" toml:"publish"`
}

// SourceConfig configures where content is fetched from
type SourceConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	Manifest   string        `yaml:"manifest" toml:"manifest"`
	Version    string        `yaml:"version" toml:"version"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	CacheDir   string        `yaml:"cache_dir" toml:"cache_dir"`
	S3Region   string        `yaml:"s3_region" toml:"s3_region"`
	S3Endpoint string        `yaml:"s3_endpoint" toml:"s3_endpoint"`
}

// InstallConfig configures the local installation
type InstallConfig struct {
	Root  string `yaml:"root" toml:"root"`
	Prune bool   `yaml:"prune" toml:"prune"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Concurrency  int                `yaml:"concurrency" toml:"concurrency"`
	Hash         checksum.Algorithm `yaml:"hash" toml:"hash"`
	DiffContext  int                `yaml:"diff_context" toml:"diff_context"`
	MaxDiffLines int                `yaml:"max_diff_lines" toml:"max_diff_lines"`
}

// TemplatesConfig holds the values substituted into .tmpl content files
type TemplatesConfig struct {
	Vars tmplvars.Vars `yaml:"vars" toml:"vars"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled" toml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr" toml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file" toml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types" toml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs" toml:"allowed_refs"`
}

// PublishConfig configures the content server
type PublishConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	ContentDir string `yaml:"content_dir" toml:"content_dir"`
}

// DefaultPath returns $HOME/.config/kitsync/config.yaml
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".config", "kitsync", "config.yaml")
	}
	return filepath.Join(home, ".config", "kitsync", "config.yaml")
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables and ~ in path
	path, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandPaths expands environment variables in all string fields and ~ in
// filesystem paths
func (c *Config) expandPaths() error {
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	c.Source.Manifest = os.ExpandEnv(c.Source.Manifest)
	c.Source.Version = os.ExpandEnv(c.Source.Version)
	c.Source.S3Region = os.ExpandEnv(c.Source.S3Region)
	c.Source.S3Endpoint = os.ExpandEnv(c.Source.S3Endpoint)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Publish.ListenAddr = os.ExpandEnv(c.Publish.ListenAddr)

	for _, p := range []*string{
		&c.Source.CacheDir,
		&c.Install.Root,
		&c.Serve.GitHubWebhookSecretFile,
		&c.Publish.ContentDir,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}

	// a bare local source path may use ~ as well
	if strings.HasPrefix(c.Source.URL, "~") {
		expanded, err := homedir.Expand(c.Source.URL)
		if err != nil {
			return fmt.Errorf("failed to expand source.url: %w", err)
		}
		c.Source.URL = expanded
	}
	return nil
}

// ExpandPath expands environment variables and a leading ~
func ExpandPath(p string) (string, error) {
	p, err := homedir.Expand(os.ExpandEnv(p))
	if err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", p, err)
	}
	return p, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Source.Manifest == "" {
		c.Source.Manifest = "MANIFEST"
	}
	if c.Source.Version == "" {
		c.Source.Version = "VERSION"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 60 * time.Second
	}
	if c.Source.CacheDir == "" {
		if home, err := homedir.Dir(); err == nil {
			c.Source.CacheDir = filepath.Join(home, ".cache", "kitsync")
		}
	}
	if c.Install.Root == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Install.Root = wd
		}
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.Hash == "" {
		c.Sync.Hash = checksum.SHA256
	}
	if c.Sync.DiffContext == 0 {
		c.Sync.DiffContext = 3
	}
	if c.Sync.MaxDiffLines == 0 {
		c.Sync.MaxDiffLines = 200
	}
	if c.Publish.ListenAddr == "" {
		c.Publish.ListenAddr = "127.0.0.1:8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if strings.HasPrefix(c.Source.URL, "git+") && c.Source.CacheDir == "" {
		return fmt.Errorf("source.cache_dir is required for git sources")
	}
	if c.Source.Timeout < 0 {
		return fmt.Errorf("source.timeout must not be negative")
	}

	if c.Install.Root == "" {
		return fmt.Errorf("install.root is required")
	}
	if !filepath.IsAbs(c.Install.Root) {
		return fmt.Errorf("install.root must be an absolute path: %s", c.Install.Root)
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1: %d", c.Sync.Concurrency)
	}
	if !c.Sync.Hash.Valid() {
		return fmt.Errorf("invalid sync.hash: %s (must be sha256 or blake2b-256)", c.Sync.Hash)
	}
	if c.Sync.DiffContext < 0 || c.Sync.MaxDiffLines < 0 {
		return fmt.Errorf("sync.diff_context and sync.max_diff_lines must not be negative")
	}

	if err := c.Templates.Vars.Validate(); err != nil {
		return fmt.Errorf("templates.vars: %w", err)
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// IsRemote returns true if the source is fetched over the network
func (c *Config) IsRemote() bool {
	for _, prefix := range []string{"http://", "https://", "s3://", "git+"} {
		if strings.HasPrefix(c.Source.URL, prefix) {
			return true
		}
	}
	return false
}
