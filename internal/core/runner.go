package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"pollci/internal/envctx"
	"pollci/internal/history"
	"pollci/internal/issues"
)

// WorkspaceManager hands out and reclaims run workspaces.
// storage.Workspaces implements it.
type WorkspaceManager interface {
	Create(runID string) (string, error)
	Remove(path string) error
}

// Runner is the pipeline executor: it runs one pipeline definition at a time
// to a terminal Run, fail-fast, with a guaranteed epilogue.
type Runner struct {
	Steps       StepRunner
	History     *history.History
	Workspaces  WorkspaceManager
	Logs        LogSink
	Archiver    ArtifactArchiver
	Issues      issues.Recorder
	Logger      *slog.Logger
	Lookup      func(string) string // process environment, os.Getenv by default
	PostTimeout time.Duration
	Now         func() time.Time

	mu     sync.Mutex
	active *Run
}

// NewRunner ties a step runner to a build history. Optional collaborators
// are set on the returned struct.
func NewRunner(steps StepRunner, h *history.History, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Steps:   steps,
		History: h,
		Logger:  logger,
		Lookup:  os.Getenv,
		Now:     time.Now,
	}
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Active returns a snapshot of the run in progress, or nil.
func (r *Runner) Active() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.clone()
}

// update applies fn to the active run under the lock so Active() never sees
// a half-written result.
func (r *Runner) update(run *Run, fn func(*Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(run)
}

// Start executes p to completion and returns the terminal Run. Failures are
// reported on the Run, never returned or panicked. The epilogue runs exactly
// once on every path, including setup failure and cancellation.
func (r *Runner) Start(ctx context.Context, p *Pipeline, reason string) *Run {
	run := &Run{
		ID:        uuid.NewString(),
		Number:    r.nextNumber(),
		Pipeline:  p.Name,
		Reason:    reason,
		Status:    RunPending,
		StartedAt: r.now(),
		Stages:    make([]StageResult, len(p.Stages)),
	}
	for i, st := range p.Stages {
		run.Stages[i] = StageResult{Name: st.Name, Status: StagePending}
	}
	logger := r.log().With("run", run.ID, "pipeline", p.Name, "number", run.Number)

	r.mu.Lock()
	r.active = run
	r.mu.Unlock()

	runScoped := map[string]string{
		"BUILD_ID":     run.ID,
		"BUILD_NUMBER": strconv.Itoa(run.Number),
		"JOB_NAME":     p.Name,
		"BUILD_TAG":    fmt.Sprintf("pollci-%s-%d", p.Name, run.Number),
	}
	var env *envctx.Context

	// Registered before setup: whatever happens below, cleanup runs once.
	defer func() {
		if env == nil {
			env = envctx.FromMap(runScoped)
		}
		r.epilogue(ctx, p, run, env, logger)
		r.finish(run, logger)
	}()

	r.update(run, func(run *Run) { run.Status = RunRunning })
	logger.Info("run started", "reason", reason, "stages", len(p.Stages))

	var err error
	env, err = r.setup(p, run, runScoped)
	if err != nil {
		env = nil
		r.terminate(run, 0, RunAborted, &SetupFailedError{Cause: err})
		logger.Error("run setup failed", "error", err)
		return run
	}

	svc := r.services(run.ID, logger)
	for i := range p.Stages {
		st := &p.Stages[i]
		if err := ctx.Err(); err != nil {
			r.terminate(run, i, RunAborted, fmt.Errorf("%w before stage %q: %v", ErrRunCancelled, st.Name, err))
			logger.Warn("run cancelled", "stage", st.Name)
			return run
		}

		logger.Info("stage started", "stage", st.Name, "index", i+1)
		r.update(run, func(run *Run) { run.Stages[i].Status = StageRunning })
		stageSvc := svc
		stageSvc.Position = i + 1
		res := st.Execute(ctx, env, stageSvc)
		r.update(run, func(run *Run) { run.Stages[i] = res })
		logger.Info("stage finished", "stage", st.Name, "status", res.Status, "duration", res.Duration)

		switch res.Status {
		case StageFailure:
			r.terminate(run, i+1, RunFailed, &StageFailedError{Stage: st.Name, Cause: res.Err})
			return run
		case StageAborted:
			r.terminate(run, i+1, RunAborted, fmt.Errorf("%w in stage %q: %v", ErrRunCancelled, st.Name, res.Err))
			return run
		}
	}

	r.update(run, func(run *Run) { run.Status = RunSuccess })
	return run
}

// terminate sets the terminal status and cause, and marks stages from index
// from onwards as skipped.
func (r *Runner) terminate(run *Run, from int, status RunStatus, cause error) {
	r.update(run, func(run *Run) {
		run.Status = status
		run.Err = cause
		run.Error = errString(cause)
		for i := from; i < len(run.Stages); i++ {
			if run.Stages[i].Status == StagePending {
				run.Stages[i].Status = StageSkipped
			}
		}
	})
}

func (r *Runner) nextNumber() int {
	if r.History == nil {
		return 1
	}
	return r.History.NextNumber()
}

// setup allocates the workspace and builds the environment context.
func (r *Runner) setup(p *Pipeline, run *Run, runScoped map[string]string) (*envctx.Context, error) {
	if r.Workspaces != nil {
		ws, err := r.Workspaces.Create(run.ID)
		if err != nil {
			return nil, err
		}
		runScoped["WORKSPACE"] = ws
		r.update(run, func(run *Run) { run.Workspace = ws })
	}
	return envctx.Build(envctx.Options{
		Declared:  p.Environment,
		RunScoped: runScoped,
		Lookup:    r.Lookup,
	})
}

func (r *Runner) services(runID string, logger *slog.Logger) Services {
	return Services{
		RunID:       runID,
		Steps:       r.Steps,
		Logs:        r.Logs,
		Archiver:    r.Archiver,
		Issues:      r.Issues,
		Logger:      logger,
		PostTimeout: r.PostTimeout,
		Now:         r.now,
	}
}

// epilogue runs the cleanup steps and releases the workspace. Every cleanup
// step is attempted; failures become a warning on the run.
func (r *Runner) epilogue(ctx context.Context, p *Pipeline, run *Run, env *envctx.Context, logger *slog.Logger) {
	svc := r.services(run.ID, logger)
	postCtx, cancel := svc.postContext(ctx)
	defer cancel()

	var errs []error
	var steps []StepResult
	for i, step := range p.Cleanup {
		res, err := svc.runSteps(postCtx, "epilogue", i, []Step{step}, env)
		steps = append(steps, res...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if r.Workspaces != nil && run.Workspace != "" && !p.Options.KeepWorkspace {
		if err := r.Workspaces.Remove(run.Workspace); err != nil {
			errs = append(errs, fmt.Errorf("remove workspace: %w", err))
		}
	}

	var epErr error
	if len(errs) > 0 {
		epErr = &EpilogueFailedError{Cause: errors.Join(errs...)}
		logger.Warn("epilogue failed", "error", epErr)
	}
	r.update(run, func(run *Run) {
		run.Epilogue = EpilogueResult{Ran: true, Steps: steps}
		run.EpilogueErr = epErr
		run.Warning = errString(epErr)
	})
}

// finish stamps the run, records it in history and clears the active slot.
func (r *Runner) finish(run *Run, logger *slog.Logger) {
	r.update(run, func(run *Run) { run.FinishedAt = r.now() })

	if r.History != nil {
		if err := r.History.Record(run.Summary()); err != nil {
			logger.Warn("failed to record run history", "error", err)
		}
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	attrs := []any{"status", run.Status, "duration", run.FinishedAt.Sub(run.StartedAt)}
	if run.Err != nil {
		attrs = append(attrs, "error", run.Err)
	}
	if run.EpilogueErr != nil {
		attrs = append(attrs, "warning", run.EpilogueErr)
	}
	logger.Info("run finished", attrs...)
}
