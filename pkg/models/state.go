package models

import "time"

// Stage marks a pipeline stage whose output has been fully persisted.
// A stage is added to an iteration's completed set only after its
// artifact file is written and synced.
type Stage string

const (
	StageGenerated Stage = "generated"
	StageScored    Stage = "scored"
	StagePaired    Stage = "paired"
	StageTrained   Stage = "trained"
)

// StageOrder is the fixed per-iteration stage sequence
var StageOrder = []Stage{StageGenerated, StageScored, StagePaired, StageTrained}

// RunStatus represents the overall state of a pipeline run
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
)

// IterationCounts holds the per-iteration summary counters reported
// at the end of every iteration
type IterationCounts struct {
	Prompts        int `json:"prompts"`
	Candidates     int `json:"candidates"`
	Scored         int `json:"scored"`
	ExcludedGroups int `json:"excluded_groups"`
	Pairs          int `json:"pairs"`
	Skipped        int `json:"skipped"`
}

// IterationState tracks one iteration's progress through the stage
// machine. CompletedStages only ever grows; CheckpointOut is set when
// the training stage finishes and becomes the next iteration's
// CheckpointIn.
type IterationState struct {
	Index           int             `json:"index"`
	DatasetPath     string          `json:"dataset_path"`
	CompletedStages map[Stage]bool  `json:"completed_stages"`
	CheckpointIn    string          `json:"checkpoint_in"`
	CheckpointOut   string          `json:"checkpoint_out,omitempty"`
	Counts          IterationCounts `json:"counts"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// StageDone reports whether the given stage has been persisted for this iteration
func (it *IterationState) StageDone(stage Stage) bool {
	if it == nil || it.CompletedStages == nil {
		return false
	}
	return it.CompletedStages[stage]
}

// NextStage returns the first incomplete stage in pipeline order,
// or "" when every stage is complete
func (it *IterationState) NextStage() Stage {
	for _, stage := range StageOrder {
		if !it.StageDone(stage) {
			return stage
		}
	}
	return ""
}

// Checkpointed reports whether the iteration has run to completion,
// i.e. its output checkpoint exists and every stage is persisted
func (it *IterationState) Checkpointed() bool {
	return it.NextStage() == "" && it.CheckpointOut != ""
}

// StateVersion is the current state.json schema version. A bump means
// older state documents are not resumable.
const StateVersion = 1

// RunState is the persisted state document for a pipeline run,
// written to state.json in the run directory. A restart reads it to
// decide where to resume.
type RunState struct {
	// Run identification
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastSavedAt time.Time `json:"last_saved_at"`

	// Overall progress
	Status           RunStatus `json:"status"`
	InitialIteration int       `json:"initial_iteration"`
	CurrentIteration int       `json:"current_iteration"`
	DatasetPaths     []string  `json:"dataset_paths"`

	// Per-iteration stage tracking, keyed by iteration index
	Iterations map[int]*IterationState `json:"iterations"`

	// Statistics (cumulative)
	Stats RunStats `json:"stats"`

	// Configuration snapshot for mismatch detection on resume
	ConfigHash string `json:"config_hash"`
}

// Iteration returns the state record for the given index, or nil
func (rs *RunState) Iteration(idx int) *IterationState {
	if rs == nil || rs.Iterations == nil {
		return nil
	}
	return rs.Iterations[idx]
}

// Complete reports whether the whole run has finished
func (rs *RunState) Complete() bool {
	return rs.Status == RunStatusComplete
}
