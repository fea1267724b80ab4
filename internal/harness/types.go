package harness

import (
	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/pipeline"
	"github.com/roach88/keysync/internal/row"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion held.
	Pass bool `json:"pass"`

	// Errors contains step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Reports holds the report of every run and reconcile step in order.
	Reports []*pipeline.Report `json:"reports"`

	// Target is the final target table ordered by key.
	Target []row.Row `json:"target"`

	// Feed is the target's change feed.
	Feed []cdc.Record `json:"feed"`

	// Position is the final saved checkpoint.
	Position cdc.Position `json:"position"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Errors:  []string{},
		Reports: []*pipeline.Report{},
		Target:  []row.Row{},
		Feed:    []cdc.Record{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
