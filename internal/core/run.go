package core

import (
	"errors"
	"slices"
	"time"

	"pollci/internal/history"
	"pollci/internal/issues"
)

// RunStatus is the state of a Run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunAborted RunStatus = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunAborted
}

// StageStatus is the result of one stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
	StageAborted StageStatus = "aborted"
	StageSkipped StageStatus = "skipped"
)

// PostKind names a post-action slot.
type PostKind string

const (
	PostSuccess PostKind = "success"
	PostFailure PostKind = "failure"
	PostAlways  PostKind = "always"
)

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	Log      string        `json:"log,omitempty"`
	LogHash  string        `json:"logHash,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// PostResult records one fired post-action.
type PostResult struct {
	Kind     PostKind `json:"kind"`
	Archived []string `json:"archived,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// StageResult is the outcome of one stage in a run.
type StageResult struct {
	Name      string          `json:"name"`
	Status    StageStatus     `json:"status"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"startedAt,omitzero"`
	Duration  time.Duration   `json:"duration"`
	Steps     []StepResult    `json:"steps,omitempty"`
	Post      []PostResult    `json:"post,omitempty"`
	Issues    []issues.Report `json:"issues,omitempty"`
}

// Fired reports whether the post-action of kind ran for this stage.
func (r StageResult) Fired(kind PostKind) bool {
	for _, p := range r.Post {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// EpilogueResult records the run-level cleanup.
type EpilogueResult struct {
	Ran   bool         `json:"ran"`
	Steps []StepResult `json:"steps,omitempty"`
}

// Run is one execution of a pipeline.
type Run struct {
	ID         string         `json:"id"`
	Number     int            `json:"number"`
	Pipeline   string         `json:"pipeline"`
	Reason     string         `json:"reason,omitempty"`
	Workspace  string         `json:"workspace,omitempty"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt,omitzero"`
	Stages     []StageResult  `json:"stages"`
	Epilogue   EpilogueResult `json:"epilogue"`

	// Err is the stage-derived failure cause; EpilogueErr is a secondary
	// warning and never replaces it.
	Err         error  `json:"-"`
	Error       string `json:"error,omitempty"`
	EpilogueErr error  `json:"-"`
	Warning     string `json:"warning,omitempty"`
}

// FailedStage returns the name of the stage that failed the run, if any.
func (r *Run) FailedStage() string {
	var sf *StageFailedError
	if errors.As(r.Err, &sf) {
		return sf.Stage
	}
	return ""
}

// Summary is the history entry retained for this run.
func (r *Run) Summary() history.Entry {
	return history.Entry{
		RunID:       r.ID,
		Number:      r.Number,
		Pipeline:    r.Pipeline,
		Status:      string(r.Status),
		FailedStage: r.FailedStage(),
		Cause:       r.Error,
		Warning:     r.Warning,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

// clone deep-copies the parts of a run that the runner keeps mutating.
func (r *Run) clone() *Run {
	c := *r
	c.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Steps = slices.Clone(s.Steps)
		s.Post = slices.Clone(s.Post)
		s.Issues = slices.Clone(s.Issues)
		c.Stages[i] = s
	}
	c.Epilogue.Steps = slices.Clone(r.Epilogue.Steps)
	return &c
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
