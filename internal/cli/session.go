package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/keysync/internal/config"
	"github.com/roach88/keysync/internal/metrics"
	"github.com/roach88/keysync/internal/pipeline"
)

// PipelineOptions holds flags shared by commands that act on one pipeline.
type PipelineOptions struct {
	*RootOptions
	Config string

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs pipeline.RunIDGenerator
}

func addConfigFlag(cmd *cobra.Command, opts *PipelineOptions) {
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "pipeline definition (.cue, .yaml, .yml) (required)")
	_ = cmd.MarkFlagRequired("config")
}

// session is one opened pipeline: its config, stores, runner, and metrics.
type session struct {
	cfg      *config.Pipeline
	stores   *pipeline.Stores
	runner   *pipeline.Runner
	registry *prometheus.Registry
	logger   *slog.Logger
	out      *OutputFormatter
}

// openSession loads the pipeline definition and opens its stores.
// Config and open failures are command errors.
func openSession(opts *PipelineOptions, cmd *cobra.Command) (*session, error) {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		_ = out.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger = logger.With("pipeline", cfg.Name)
	out.VerboseLog("loaded pipeline %s from %s", cfg.Name, opts.Config)

	stores, err := pipeline.OpenStores(cfg, logger)
	if err != nil {
		_ = out.Error(CodeOpen, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open stores", err)
	}

	registry := prometheus.NewRegistry()
	runOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.New(registry)),
	}
	if opts.RunIDs != nil {
		runOpts = append(runOpts, pipeline.WithRunIDs(opts.RunIDs))
	}
	runner, err := pipeline.New(cfg, stores.DB, stores.Checkpoints, runOpts...)
	if err != nil {
		stores.Close()
		_ = out.Error(CodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to create runner", err)
	}

	return &session{
		cfg:      cfg,
		stores:   stores,
		runner:   runner,
		registry: registry,
		logger:   logger,
		out:      out,
	}, nil
}

func (s *session) close() {
	if err := s.stores.Close(); err != nil {
		s.logger.Error("error closing stores", "error", err)
	}
}

// pushMetrics sends run metrics to the configured Pushgateway.
// A failed push is logged and does not fail the command.
func (s *session) pushMetrics(ctx context.Context) {
	if s.cfg.Metrics.Pushgateway == "" {
		return
	}
	err := metrics.Push(ctx, s.cfg.Metrics.Pushgateway, s.cfg.Metrics.Job, s.cfg.Name, s.registry)
	if err != nil {
		s.logger.Warn("metrics push failed", "error", err)
		return
	}
	s.logger.Debug("metrics pushed", "url", s.cfg.Metrics.Pushgateway)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
// Uses the command's context if available (for testing).
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
