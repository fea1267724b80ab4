package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/keysync/internal/cdc"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PipelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint, source head, and target size",
		Long: `Show how far a pipeline has progressed.

Example:
  keysync status --config orders.cue`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			st, err := s.runner.Status(cmd.Context())
			if err != nil {
				_ = s.out.Error(CodeInternal, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to read status", err)
			}
			return s.out.Success(statusView{st})
		},
	}
	addConfigFlag(cmd, opts)
	return cmd
}

// ChangesOptions holds flags for the changes command.
type ChangesOptions struct {
	PipelineOptions
	After int64
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{PipelineOptions: PipelineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Print the target's change feed",
		Long: `Print the change feed of the target table.

Every insert, update, and delete applied to the target is recorded in
order. An update appears as an update_preimage followed by an
update_postimage.

Example:
  keysync changes --config orders.cue --after 100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.After < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("--after must be non-negative, got %d", opts.After))
			}
			s, err := openSession(&opts.PipelineOptions, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			records, err := s.stores.DB.TargetChanges(cmd.Context(), s.cfg.Target, cdc.Position(opts.After))
			if err != nil {
				_ = s.out.Error(CodeInternal, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to read changes", err)
			}

			view := changesView{Table: s.cfg.Target, After: cdc.Position(opts.After), Changes: make([]changeView, len(records))}
			for i, rec := range records {
				view.Changes[i] = changeView{Position: rec.Position, Type: rec.Type, Row: rec.Row}
			}
			return s.out.Success(view)
		},
	}
	addConfigFlag(cmd, &opts.PipelineOptions)
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only show changes after this position")
	return cmd
}
