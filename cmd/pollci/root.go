// Command pollci runs a polling CI pipeline: one-shot, as a service with an
// HTTP API, and inspects its signed build history.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"pollci/internal/config"
	"pollci/internal/core"
	"pollci/internal/history"
	"pollci/internal/issues"
	"pollci/internal/ledger"
	"pollci/internal/security"
	"pollci/internal/storage"
)

type rootOptions struct {
	configPath   string
	pipelinePath string
	verbose      bool
	logFormat    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "pollci",
		Short:        "pollci runs a CI pipeline when its source changes",
		Long:         "pollci executes a declarative pipeline of stages with post-actions and a cleanup epilogue, polls a source for changes and keeps a signed, bounded build history.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath(), "config file path")
	cmd.PersistentFlags().StringVarP(&opts.pipelinePath, "pipeline", "p", "", "pipeline definition (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
		newVerifyCmd(opts),
		newValidateCmd(opts),
		newKeygenCmd(opts),
		newTriggerCmd(opts),
	)
	return cmd
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.logFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFrom(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if o.pipelinePath != "" {
		cfg.Pipeline = o.pipelinePath
	}
	return cfg, nil
}

// app is everything a run needs, assembled from config and the pipeline
// definition.
type app struct {
	cfg      config.Config
	pipeline *core.Pipeline
	logger   *slog.Logger
	ledger   *ledger.Ledger
	history  *history.History
	runner   *core.Runner
}

func (o *rootOptions) loadApp(logOut io.Writer) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := o.logger(logOut)

	p, err := core.LoadPipeline(cfg.PipelineOrDefault())
	if err != nil {
		return nil, fmt.Errorf("loading pipeline %s: %w", cfg.PipelineOrDefault(), err)
	}

	keys, created, err := security.EnsureKeyPair(cfg.PublicKeyOrDefault(), cfg.PrivateKeyOrDefault())
	if err != nil {
		return nil, fmt.Errorf("loading ledger keys: %w", err)
	}
	if created {
		logger.Info("generated ledger key pair", "public", cfg.PublicKeyOrDefault())
	}

	l, err := ledger.Open(cfg.LedgerPathOrDefault(), keys)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	h, err := history.New(p.Retention(cfg.RetentionOrDefault()), l)
	if err != nil {
		return nil, err
	}

	stepTimeout := core.DefaultStepTimeout
	if d, err := time.ParseDuration(p.Options.StepTimeout); err == nil {
		stepTimeout = d
	}
	runner := core.NewRunner(core.NewExecutor(stepTimeout), h, logger)
	runner.Workspaces = storage.NewWorkspaces(cfg.WorkspaceRootOrDefault())
	runner.Logs = storage.NewLogStorage(cfg.LogDirOrDefault())
	runner.Archiver = storage.NewArchiver(cfg.ArchiveDirOrDefault())
	runner.Issues = issues.NewLintRecorder(logger)

	return &app{cfg: cfg, pipeline: p, logger: logger, ledger: l, history: h, runner: runner}, nil
}
