package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/keysync/internal/pipeline"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		Long: `Run one bounded invocation of a pipeline.

The run ensures the target table exists, drains every change after the
saved checkpoint in batches (latest record per key wins, then upsert),
and finally deletes target keys absent from the source.

Exit codes:
  0 - Run succeeded
  1 - A stage failed (the report names it)
  2 - Command error (bad config, database cannot be opened)

Example:
  keysync run --config orders.cue
  keysync run -c orders.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(opts, cmd, func(ctx context.Context, r *pipeline.Runner) (*pipeline.Report, error) {
				return r.Run(ctx)
			})
		},
	}
	addConfigFlag(cmd, opts)
	return cmd
}

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the target table if it does not exist",
		Long: `Create the target table from the source schema without moving data.

The target gets the source columns minus excluded columns, a unique index
on the key columns, and a change feed. An existing target is left as is.

Example:
  keysync bootstrap --config orders.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(opts, cmd, func(ctx context.Context, r *pipeline.Runner) (*pipeline.Report, error) {
				return r.Bootstrap(ctx)
			})
		},
	}
	addConfigFlag(cmd, opts)
	return cmd
}

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	PipelineOptions
	DryRun bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{PipelineOptions: PipelineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Delete target keys absent from the source",
		Long: `Run a reconciliation pass without ingesting new changes.

The current key set is computed from a full scan of the source; every
target key outside it is deleted in one transaction. With --dry-run the
orphans are reported and nothing is deleted.

Example:
  keysync reconcile --config orders.cue --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(&opts.PipelineOptions, cmd, func(ctx context.Context, r *pipeline.Runner) (*pipeline.Report, error) {
				return r.Reconcile(ctx, opts.DryRun)
			})
		},
	}
	addConfigFlag(cmd, &opts.PipelineOptions)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report orphans without deleting them")
	return cmd
}

// runStage opens the pipeline, runs fn, pushes metrics, and prints the report.
func runStage(opts *PipelineOptions, cmd *cobra.Command, fn func(context.Context, *pipeline.Runner) (*pipeline.Report, error)) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	report, err := fn(ctx, s.runner)
	// The push outlives a canceled run so the failure is still recorded.
	s.pushMetrics(context.WithoutCancel(ctx))

	if err != nil {
		_ = s.out.Error(CodeStage, err.Error(), reportView{report})
		return err
	}
	return s.out.Success(reportView{report})
}
