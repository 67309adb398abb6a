// Package config loads the pollci TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Source kinds for [trigger] source.
const (
	SourceGit   = "git"
	SourceWatch = "watch"
	SourceNone  = "none"
)

const (
	defaultPipeline      = "pipeline.yaml"
	defaultWorkspaceRoot = ".pollci/workspaces"
	defaultLogDir        = ".pollci/logs"
	defaultArchiveDir    = ".pollci/archive"
	defaultLedgerPath    = ".pollci/ledger.jsonl"
	defaultListen        = ":8080"
	defaultPollInterval  = time.Hour
	defaultRetention     = 10
	defaultPublicKey     = ".pollci/keys/public.key"
	defaultPrivateKey    = ".pollci/keys/private.key"
)

// TriggerConfig selects and tunes the change source.
type TriggerConfig struct {
	PollInterval string `toml:"poll_interval"`
	Source       string `toml:"source"`
	RepoDir      string `toml:"repo_dir"`
	Remote       string `toml:"remote"`
	Branch       string `toml:"branch"`
	WatchDir     string `toml:"watch_dir"`
	QueuePolicy  string `toml:"queue_policy"`
	PollOnStart  bool   `toml:"poll_on_start"`
}

// HistoryConfig bounds the build history.
type HistoryConfig struct {
	Retention int `toml:"retention"`
}

// KeysConfig points at the ledger signing key pair.
type KeysConfig struct {
	Public  string `toml:"public"`
	Private string `toml:"private"`
}

// Config holds all pollci configuration.
type Config struct {
	Pipeline      string        `toml:"pipeline"`
	WorkspaceRoot string        `toml:"workspace_root"`
	LogDir        string        `toml:"log_dir"`
	ArchiveDir    string        `toml:"archive_dir"`
	LedgerPath    string        `toml:"ledger_path"`
	Listen        string        `toml:"listen"`
	Trigger       TriggerConfig `toml:"trigger"`
	History       HistoryConfig `toml:"history"`
	Keys          KeysConfig    `toml:"keys"`
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// PipelineOrDefault returns the definition path.
func (c Config) PipelineOrDefault() string { return orDefault(c.Pipeline, defaultPipeline) }

// WorkspaceRootOrDefault returns the directory run workspaces are created in.
func (c Config) WorkspaceRootOrDefault() string {
	return orDefault(c.WorkspaceRoot, defaultWorkspaceRoot)
}

// LogDirOrDefault returns the step log directory.
func (c Config) LogDirOrDefault() string { return orDefault(c.LogDir, defaultLogDir) }

// ArchiveDirOrDefault returns the artifact archive directory.
func (c Config) ArchiveDirOrDefault() string { return orDefault(c.ArchiveDir, defaultArchiveDir) }

// LedgerPathOrDefault returns the history ledger file.
func (c Config) LedgerPathOrDefault() string { return orDefault(c.LedgerPath, defaultLedgerPath) }

// ListenOrDefault returns the HTTP listen address.
func (c Config) ListenOrDefault() string { return orDefault(c.Listen, defaultListen) }

// PublicKeyOrDefault returns the ledger public key path.
func (c Config) PublicKeyOrDefault() string { return orDefault(c.Keys.Public, defaultPublicKey) }

// PrivateKeyOrDefault returns the ledger private key path.
func (c Config) PrivateKeyOrDefault() string { return orDefault(c.Keys.Private, defaultPrivateKey) }

// PollIntervalOrDefault returns the trigger interval. Validate rejects
// unparseable values, so a parse error here falls back to the default.
func (c Config) PollIntervalOrDefault() time.Duration {
	if d, err := time.ParseDuration(c.Trigger.PollInterval); err == nil && d > 0 {
		return d
	}
	return defaultPollInterval
}

// RetentionOrDefault returns the history bound.
func (c Config) RetentionOrDefault() int {
	if c.History.Retention > 0 {
		return c.History.Retention
	}
	return defaultRetention
}

// SourceOrDefault returns the change source kind: git when a remote or repo
// dir is configured, none otherwise.
func (c Config) SourceOrDefault() string {
	if c.Trigger.Source != "" {
		return c.Trigger.Source
	}
	if c.Trigger.Remote != "" || c.Trigger.RepoDir != "" {
		return SourceGit
	}
	return SourceNone
}

// RemoteOrDefault returns what `git ls-remote` is pointed at: the remote URL,
// or the local repository directory.
func (c Config) RemoteOrDefault() string {
	return orDefault(c.Trigger.Remote, orDefault(c.Trigger.RepoDir, "."))
}

// BranchOrDefault returns the watched ref.
func (c Config) BranchOrDefault() string { return orDefault(c.Trigger.Branch, "HEAD") }

// WatchDirOrDefault returns the directory the watch source observes.
func (c Config) WatchDirOrDefault() string {
	return orDefault(c.Trigger.WatchDir, orDefault(c.Trigger.RepoDir, "."))
}

// Validate rejects values that would otherwise silently fall back.
func (c Config) Validate() error {
	if c.Trigger.PollInterval != "" {
		d, err := time.ParseDuration(c.Trigger.PollInterval)
		if err != nil {
			return fmt.Errorf("trigger.poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("trigger.poll_interval must be positive, got %s", c.Trigger.PollInterval)
		}
	}
	switch c.Trigger.Source {
	case "", SourceGit, SourceWatch, SourceNone:
	default:
		return fmt.Errorf("trigger.source: unknown source %q", c.Trigger.Source)
	}
	switch c.Trigger.QueuePolicy {
	case "", "queue", "drop":
	default:
		return fmt.Errorf("trigger.queue_policy: unknown policy %q", c.Trigger.QueuePolicy)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}
	return nil
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values:
//   - POLLCI_LISTEN          overrides listen
//   - PORT                   overrides listen as ":<port>" when POLLCI_LISTEN is unset
//   - POLLCI_WORKSPACE_ROOT  overrides workspace_root
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfigPath returns pollci.toml in the working directory.
func DefaultConfigPath() string {
	return "pollci.toml"
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLLCI_LISTEN"); v != "" {
		cfg.Listen = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}
	if v := os.Getenv("POLLCI_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	if encErr := toml.NewEncoder(f).Encode(cfg); encErr != nil {
		f.Close()
		return encErr
	}
	return f.Close()
}
