package cli

import (
	"fmt"
	"strings"

	"github.com/roach88/keysync/internal/cdc"
	"github.com/roach88/keysync/internal/pipeline"
	"github.com/roach88/keysync/internal/row"
)

// reportView renders a run report.
type reportView struct {
	*pipeline.Report
}

func (v reportView) runID() string { return v.RunID }

func (v reportView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (pipeline %s) in %s\n", v.RunID, v.Pipeline, v.Duration())
	if v.Bootstrap != nil {
		if v.Bootstrap.Created {
			b.WriteString("  bootstrap: target created\n")
		} else {
			b.WriteString("  bootstrap: target exists\n")
		}
	}
	if in := v.Ingest; in != nil {
		fmt.Fprintf(&b, "  ingest:    positions %d..%d, %d batches, %d records, %d inserts\n",
			in.From, in.To, in.Batches, in.Read, in.Inserts)
		fmt.Fprintf(&b, "  merge:     %d keys, %d rows written, %d retries\n", in.Keys, in.Written, in.Retries)
	}
	if rc := v.Reconcile; rc != nil {
		verb := "deleted"
		if rc.DryRun {
			verb = "would delete"
		}
		fmt.Fprintf(&b, "  reconcile: %d source keys, %d target keys, %s %d orphans\n",
			rc.SourceKeys, rc.TargetKeys, verb, len(rc.Orphans))
		for _, k := range rc.Orphans {
			fmt.Fprintf(&b, "    - %s\n", k)
		}
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "  error:     %s\n", v.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}

// statusView renders pipeline progress.
type statusView struct {
	pipeline.Status
}

func (v statusView) String() string {
	target := "missing"
	if v.TargetExists {
		target = fmt.Sprintf("%d rows", v.TargetRows)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %s: checkpoint %d, head %d, %d pending positions, target %s",
		v.Pipeline, v.Position, v.Head, v.Pending, target)
	if v.KeyDigest != "" {
		fmt.Fprintf(&b, "\nkey digest: %s", v.KeyDigest)
	}
	for _, t := range v.Tables {
		fmt.Fprintf(&b, "\n%s\t%s", t.Role, t.Name)
		if len(t.KeyColumns) > 0 {
			fmt.Fprintf(&b, "\tkey(%s)", strings.Join(t.KeyColumns, ", "))
		}
		if t.ChangeTracking {
			b.WriteString("\tchange tracking")
		}
	}
	return b.String()
}

// loadView renders the outcome of a load.
type loadView struct {
	Table    string       `json:"table"`
	Created  bool         `json:"created"`
	Appended int          `json:"appended"`
	Position cdc.Position `json:"position"`
}

func (v loadView) String() string {
	s := fmt.Sprintf("appended %d rows to %s (last position %d)", v.Appended, v.Table, v.Position)
	if v.Created {
		s += "; table created"
	}
	return s
}

// changeView is one target change-feed record.
type changeView struct {
	Position cdc.Position   `json:"position"`
	Type     cdc.ChangeType `json:"type"`
	Row      row.Row        `json:"row"`
}

// changesView renders a target change feed.
type changesView struct {
	Table   string       `json:"table"`
	After   cdc.Position `json:"after"`
	Changes []changeView `json:"changes"`
}

func (v changesView) String() string {
	if len(v.Changes) == 0 {
		return fmt.Sprintf("no changes in %s after position %d", v.Table, v.After)
	}
	var b strings.Builder
	for _, c := range v.Changes {
		data, err := row.MarshalCanonical(c.Row)
		if err != nil {
			data = []byte(err.Error())
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\n", c.Position, c.Type, data)
	}
	return strings.TrimRight(b.String(), "\n")
}
