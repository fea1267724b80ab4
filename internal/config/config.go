// Package config loads pipeline definitions from CUE or YAML files.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/keysync/internal/ingest"
	"github.com/roach88/keysync/internal/reconcile"
)

// Checkpoint store kinds.
const (
	CheckpointSQLite = "sqlite"
	CheckpointBadger = "badger"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultRecencyColumn   = "ingested_at"
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxElapsed      = 2 * time.Minute
	DefaultMetricsJob      = "keysync"
)

// Pipeline is one source-to-target sync definition.
type Pipeline struct {
	Name           string     `json:"name" yaml:"name"`
	Database       string     `json:"database" yaml:"database"`
	Source         string     `json:"source" yaml:"source"`
	Target         string     `json:"target" yaml:"target"`
	KeyColumns     []string   `json:"key_columns" yaml:"key_columns"`
	RecencyColumn  string     `json:"recency_column,omitempty" yaml:"recency_column,omitempty"`
	MergePredicate string     `json:"merge_predicate,omitempty" yaml:"merge_predicate,omitempty"`
	ExcludeColumns []string   `json:"exclude_columns,omitempty" yaml:"exclude_columns,omitempty"`
	BatchSize      int        `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	CompareRecency bool       `json:"compare_recency,omitempty" yaml:"compare_recency,omitempty"`
	Checkpoint     Checkpoint `json:"checkpoint" yaml:"checkpoint"`
	Retry          Retry      `json:"retry" yaml:"retry"`
	Reconcile      Reconcile  `json:"reconcile" yaml:"reconcile"`
	Metrics        Metrics    `json:"metrics" yaml:"metrics"`
}

// Checkpoint selects where the ingest position is persisted.
type Checkpoint struct {
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Retry configures the merge backoff.
type Retry struct {
	InitialInterval Duration `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxElapsed      Duration `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty"`
}

// Reconcile configures the snapshot reconciler.
type Reconcile struct {
	ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
}

// Metrics configures pushing run metrics to a Prometheus Pushgateway.
// Nothing is pushed when Pushgateway is empty.
type Metrics struct {
	Pushgateway string `json:"pushgateway,omitempty" yaml:"pushgateway,omitempty"`
	Job         string `json:"job,omitempty" yaml:"job,omitempty"`
}

// ApplyDefaults fills unset optional fields.
func (p *Pipeline) ApplyDefaults() {
	if p.RecencyColumn == "" {
		p.RecencyColumn = DefaultRecencyColumn
	}
	if p.MergePredicate == "" && len(p.KeyColumns) > 0 {
		p.MergePredicate = DerivePredicate(p.KeyColumns)
	}
	if p.BatchSize == 0 {
		p.BatchSize = ingest.DefaultBatchSize
	}
	if p.Checkpoint.Kind == "" {
		p.Checkpoint.Kind = CheckpointSQLite
	}
	if p.Retry.InitialInterval == 0 {
		p.Retry.InitialInterval = Duration(DefaultInitialInterval)
	}
	if p.Retry.MaxElapsed == 0 {
		p.Retry.MaxElapsed = Duration(DefaultMaxElapsed)
	}
	if p.Reconcile.ChunkSize == 0 {
		p.Reconcile.ChunkSize = reconcile.DefaultChunkSize
	}
	if p.Metrics.Pushgateway != "" && p.Metrics.Job == "" {
		p.Metrics.Job = DefaultMetricsJob
	}
}

// Validate checks that p describes a runnable pipeline.
// Call ApplyDefaults first; a missing merge predicate is an error here.
func (p *Pipeline) Validate() error {
	required := []struct{ field, value string }{
		{"name", p.Name},
		{"database", p.Database},
		{"source", p.Source},
		{"target", p.Target},
		{"recency_column", p.RecencyColumn},
	}
	for _, r := range required {
		if r.value == "" {
			return &Error{Field: r.field, Message: "is required"}
		}
	}
	if p.Source == p.Target {
		return &Error{Field: "target", Message: "must differ from source"}
	}

	if len(p.KeyColumns) == 0 {
		return &Error{Field: "key_columns", Message: "at least one key column is required"}
	}
	seen := make(map[string]bool, len(p.KeyColumns))
	for _, k := range p.KeyColumns {
		if k == "" {
			return &Error{Field: "key_columns", Message: "key column name is empty"}
		}
		if seen[k] {
			return &Error{Field: "key_columns", Message: fmt.Sprintf("duplicate key column %q", k)}
		}
		seen[k] = true
	}

	for _, c := range p.ExcludeColumns {
		if seen[c] {
			return &Error{Field: "exclude_columns", Message: fmt.Sprintf("cannot exclude key column %q", c)}
		}
		if p.CompareRecency && strings.EqualFold(c, p.RecencyColumn) {
			return &Error{Field: "exclude_columns", Message: fmt.Sprintf("cannot exclude recency column %q while compare_recency is set", c)}
		}
	}

	if err := CheckPredicate(p.MergePredicate, p.KeyColumns); err != nil {
		return &Error{Field: "merge_predicate", Message: err.Error()}
	}

	switch p.Checkpoint.Kind {
	case CheckpointSQLite:
	case CheckpointBadger:
		if p.Checkpoint.Path == "" {
			return &Error{Field: "checkpoint.path", Message: "is required for badger checkpoints"}
		}
	default:
		return &Error{Field: "checkpoint.kind", Message: fmt.Sprintf("unknown kind %q (want sqlite or badger)", p.Checkpoint.Kind)}
	}

	if p.BatchSize < 0 {
		return &Error{Field: "batch_size", Message: "must not be negative"}
	}
	if p.Reconcile.ChunkSize < 0 {
		return &Error{Field: "reconcile.chunk_size", Message: "must not be negative"}
	}
	if p.Retry.InitialInterval < 0 || p.Retry.MaxElapsed < 0 {
		return &Error{Field: "retry", Message: "intervals must not be negative"}
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("100ms", "2m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
