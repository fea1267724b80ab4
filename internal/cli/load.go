package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/row"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	PipelineOptions
	Rows       string
	ChangeType string
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{PipelineOptions: PipelineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Append rows to the source change log",
		Long: `Append rows from a YAML or JSON file to the pipeline's source table.

The file holds a list of objects, one per row. When the source table does
not exist it is created with one column per field of the first row, typed
from that row's values.

Example:
  keysync load --config orders.cue --rows batch.yaml
  keysync load -c orders.cue --rows corrections.json --change-type update_postimage`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, cmd)
		},
	}
	addConfigFlag(cmd, &opts.PipelineOptions)
	cmd.Flags().StringVar(&opts.Rows, "rows", "", "YAML or JSON file with a list of rows (required)")
	cmd.Flags().StringVar(&opts.ChangeType, "change-type", string(cdc.Insert), "change type recorded for the rows")
	_ = cmd.MarkFlagRequired("rows")
	return cmd
}

func runLoad(opts *LoadOptions, cmd *cobra.Command) error {
	changeType, err := cdc.ParseChangeType(opts.ChangeType)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --change-type", err)
	}
	rows, err := readRows(opts.Rows)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read rows", err)
	}

	s, err := openSession(&opts.PipelineOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	view := loadView{Table: s.cfg.Source}

	exists, err := s.stores.DB.TableExists(ctx, s.cfg.Source)
	if err != nil {
		_ = s.out.Error(CodeInternal, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to check source", err)
	}
	if !exists {
		if len(rows) == 0 {
			_ = s.out.Error(CodeInput, "no rows to infer the source schema from", nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("source %s does not exist and no rows were given", s.cfg.Source))
		}
		cols := inferColumns(rows[0])
		if err := s.stores.DB.CreateSource(ctx, s.cfg.Source, cols); err != nil {
			_ = s.out.Error(CodeInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to create source", err)
		}
		view.Created = true
		s.logger.Info("source created", "table", s.cfg.Source, "columns", len(cols))
	}

	pos, err := s.stores.DB.Append(ctx, s.cfg.Source, changeType, rows...)
	if err != nil {
		_ = s.out.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to append rows", err)
	}
	view.Appended = len(rows)
	view.Position = pos
	s.logger.Info("rows appended", "table", s.cfg.Source, "rows", len(rows), "position", pos)
	return s.out.Success(view)
}

// readRows decodes a list of row objects. JSON input is read as YAML,
// which accepts it unchanged.
func readRows(path string) ([]row.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var maps []map[string]any
	if err := yaml.Unmarshal(data, &maps); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	rows := make([]row.Row, 0, len(maps))
	for i, m := range maps {
		r, err := row.FromMap(m)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", path, i, err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// inferColumns derives a source schema from one row.
func inferColumns(r row.Row) []row.Column {
	names := r.Columns()
	cols := make([]row.Column, len(names))
	for i, name := range names {
		cols[i] = row.Column{Name: name, Type: row.InferType(r[name])}
	}
	return cols
}
