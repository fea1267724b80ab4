// Package metrics records pipeline run metrics with Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "keysync"

// Metrics holds the collectors for one registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs           *prometheus.CounterVec
	failures       *prometheus.CounterVec
	records        *prometheus.CounterVec
	rowsWritten    *prometheus.CounterVec
	retries        *prometheus.CounterVec
	orphansDeleted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	position       *prometheus.GaugeVec
}

// New registers the collectors on reg.
// Use a fresh prometheus.NewRegistry() per run when pushing.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: pipeline, status (success, failure)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"pipeline", "status"}),

		// Labels: pipeline, stage (the stage that failed)
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Failed pipeline runs by stage",
		}, []string{"pipeline", "stage"}),

		// Labels: pipeline, kind (read, insert, deduplicated)
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Change records processed",
		}, []string{"pipeline", "kind"}),

		rowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "rows_written_total",
			Help:      "Target rows inserted or changed by merges",
		}, []string{"pipeline"}),

		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "retries_total",
			Help:      "Whole-batch merge retries",
		}, []string{"pipeline"}),

		orphansDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "orphans_deleted_total",
			Help:      "Target rows deleted because their key left the source",
		}, []string{"pipeline"}),

		// Labels: pipeline, stage
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"pipeline", "stage"}),

		position: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "checkpoint_position",
			Help:      "Last committed source position",
		}, []string{"pipeline"}),
	}
}

// Run records the outcome of a pipeline run.
func (m *Metrics) Run(pipeline string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.runs.WithLabelValues(pipeline, status).Inc()
}

// Failure records the stage a failed run stopped at.
func (m *Metrics) Failure(pipeline, stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(pipeline, stage).Inc()
}

// Batch records ingested changes: records read, inserts kept, and keys
// left after deduplication.
func (m *Metrics) Batch(pipeline string, read, inserts, deduplicated int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(pipeline, "read").Add(float64(read))
	m.records.WithLabelValues(pipeline, "insert").Add(float64(inserts))
	m.records.WithLabelValues(pipeline, "deduplicated").Add(float64(deduplicated))
}

// Merge records a committed merge.
func (m *Metrics) Merge(pipeline string, written, retries int) {
	if m == nil {
		return
	}
	m.rowsWritten.WithLabelValues(pipeline).Add(float64(written))
	m.retries.WithLabelValues(pipeline).Add(float64(retries))
}

// Orphans records rows deleted by reconciliation.
func (m *Metrics) Orphans(pipeline string, deleted int) {
	if m == nil {
		return
	}
	m.orphansDeleted.WithLabelValues(pipeline).Add(float64(deleted))
}

// Position records the committed checkpoint.
func (m *Metrics) Position(pipeline string, pos int64) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(pipeline).Set(float64(pos))
}

// Stage records how long a stage took.
func (m *Metrics) Stage(pipeline, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// Push sends everything in g to a Prometheus Pushgateway, replacing the
// job's previous metrics. The pipeline name is added as a grouping label.
func Push(ctx context.Context, url, job, pipeline string, g prometheus.Gatherer) error {
	err := push.New(url, job).
		Grouping("pipeline", pipeline).
		Gatherer(g).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
