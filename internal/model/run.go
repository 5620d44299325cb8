package model

import "time"

// StageStatus is the final state of a pipeline stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// Stage names.
const (
	StageHarvest   = "harvest"
	StageTransform = "transform"
	StageReconcile = "reconcile"
	StageAggregate = "aggregate"
)

// StageResult holds the outcome of one stage for one dataset.
type StageResult struct {
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DatasetRun is the outcome of one pipeline invocation for one dataset.
type DatasetRun struct {
	RunID     string          `json:"run_id"`
	Dataset   string          `json:"dataset"`
	StartedAt time.Time       `json:"started_at"`
	Stages    []StageResult   `json:"stages"`
	Summary   *DatasetSummary `json:"-"`
}

// Failed reports whether any stage failed.
func (r *DatasetRun) Failed() bool {
	for _, s := range r.Stages {
		if s.Status == StageStatusFailed {
			return true
		}
	}
	return false
}

// Stage returns the named stage result, or nil when it did not run.
func (r *DatasetRun) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}
