package pipeline

import (
	"errors"
	"fmt"

	"github.com/roach88/keysync/internal/cdc"
)

// Stage names a step of a pipeline run.
type Stage string

const (
	StageBootstrap  Stage = "bootstrap"
	StageIngest     Stage = "ingest"
	StageDedup      Stage = "dedup"
	StageMerge      Stage = "merge"
	StageCheckpoint Stage = "checkpoint"
	StageReconcile  Stage = "reconcile"
)

// StageError reports which stage of a run failed.
//
// Position is the last committed source position at the time of failure:
// a rerun resumes after it.
type StageError struct {
	Stage    Stage
	RunID    string
	Position cdc.Position
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (run=%s, position=%d): %v", e.Stage, e.RunID, e.Position, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStage reports whether err is a StageError for stage.
// Uses errors.As to handle wrapped errors.
func IsStage(err error, stage Stage) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage == stage
	}
	return false
}
