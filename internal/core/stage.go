package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pollci/internal/envctx"
	"pollci/internal/issues"
)

// DefaultPostTimeout bounds post-actions and the epilogue, which run even
// after the run context is cancelled.
const DefaultPostTimeout = 10 * time.Minute

// LogSink stores step output. storage.LogStorage implements it.
type LogSink interface {
	SaveLog(runID, stage string, step int, output string) (path, hash string, err error)
}

// ArtifactArchiver keeps a copy of a produced artifact. storage.Archiver
// implements it.
type ArtifactArchiver interface {
	Archive(runID, src string) (string, error)
}

// Services are the collaborators a stage calls out to. Only Steps is
// required.
type Services struct {
	RunID       string
	Steps       StepRunner
	Logs        LogSink
	Archiver    ArtifactArchiver
	Issues      issues.Recorder
	Logger      *slog.Logger
	PostTimeout time.Duration
	Now         func() time.Time

	// Position is the 1-based stage index used to namespace step logs;
	// zero marks the epilogue.
	Position int
}

func (svc Services) now() time.Time {
	if svc.Now != nil {
		return svc.Now()
	}
	return time.Now()
}

func (svc Services) logger() *slog.Logger {
	if svc.Logger != nil {
		return svc.Logger
	}
	return slog.Default()
}

// postContext detaches from cancellation so cleanup still runs after an
// operator cancel, but stays bounded.
func (svc Services) postContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := svc.PostTimeout
	if timeout <= 0 {
		timeout = DefaultPostTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// logKey names the log stream for label. The position prefix keeps stages
// whose names sanitize alike, and the epilogue, apart.
func (svc Services) logKey(label string) string {
	if svc.Position <= 0 {
		return "00-" + label
	}
	return fmt.Sprintf("%02d-%s", svc.Position, label)
}

// runSteps executes steps in order and stops at the first failure. The
// returned error is nil only if every step succeeded. Step logs are numbered
// from first.
func (svc Services) runSteps(ctx context.Context, label string, first int, steps []Step, env *envctx.Context) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		started := svc.now()
		output, err := svc.invoke(ctx, step, env)
		res := StepResult{
			Name:     step.Label(),
			Success:  err == nil,
			Duration: svc.now().Sub(started),
			Error:    errString(err),
		}
		if svc.Logs != nil {
			path, hash, logErr := svc.Logs.SaveLog(svc.RunID, svc.logKey(label), first+i, output)
			if logErr != nil {
				svc.logger().Warn("failed to save step log", "stage", label, "step", res.Name, "error", logErr)
			} else {
				res.Log, res.LogHash = path, hash
			}
		}
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("step %q: %w", res.Name, err)
		}
		svc.logger().Debug("step completed", "stage", label, "step", res.Name, "duration", res.Duration)
	}
	return results, nil
}

// invoke calls the step runner and turns a panic into an error so nothing
// escapes the executor.
func (svc Services) invoke(ctx context.Context, step Step, env *envctx.Context) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return svc.Steps.RunStep(ctx, step, env)
}

// Execute runs the stage body and then the post-actions selected by its own
// result. A disabled stage is skipped and fires nothing.
func (s *Stage) Execute(ctx context.Context, env *envctx.Context, svc Services) StageResult {
	res := StageResult{Name: s.Name, Status: StagePending}
	if s.Disabled {
		res.Status = StageSkipped
		return res
	}

	res.StartedAt = svc.now()
	res.Status = StageRunning

	stageEnv, err := env.With(s.Environment)
	if err != nil {
		stageEnv = env
		res.Status, res.Err = StageFailure, err
	} else {
		res.Steps, err = svc.runSteps(ctx, s.Name, 0, s.Steps, stageEnv)
		switch {
		case err == nil:
			res.Status = StageSuccess
		case ctx.Err() != nil:
			res.Status, res.Err = StageAborted, err
		default:
			res.Status, res.Err = StageFailure, err
		}
	}
	res.Error = errString(res.Err)

	s.firePost(ctx, stageEnv, &res, svc)
	res.Duration = svc.now().Sub(res.StartedAt)
	return res
}

// firePost runs the conditional post-action for the stage result, then the
// always action. Each fires at most once.
func (s *Stage) firePost(ctx context.Context, env *envctx.Context, res *StageResult, svc Services) {
	type slot struct {
		kind   PostKind
		action *Action
	}
	var selected []slot
	switch res.Status {
	case StageSuccess:
		selected = append(selected, slot{PostSuccess, s.Post.Success})
	case StageFailure:
		selected = append(selected, slot{PostFailure, s.Post.Failure})
	}
	selected = append(selected, slot{PostAlways, s.Post.Always})

	postCtx, cancel := svc.postContext(ctx)
	defer cancel()

	for _, sl := range selected {
		if sl.action == nil {
			continue
		}
		pr, steps, reports := sl.action.run(postCtx, s.Name+" post "+string(sl.kind), env, svc)
		pr.Kind = sl.kind
		res.Post = append(res.Post, pr)
		res.Steps = append(res.Steps, steps...)
		res.Issues = append(res.Issues, reports...)
		if pr.Error != "" {
			svc.logger().Warn("post-action failed", "stage", s.Name, "kind", sl.kind, "error", pr.Error)
		}
	}
}

// run executes the action: steps, archiving, then issue recording. Failures
// are collected; later parts still run.
func (a *Action) run(ctx context.Context, label string, env *envctx.Context, svc Services) (PostResult, []StepResult, []issues.Report) {
	var errs []error
	steps, err := svc.runSteps(ctx, label, 0, a.Steps, env)
	if err != nil {
		errs = append(errs, err)
	}

	var pr PostResult
	workspace, _ := env.Resolve("WORKSPACE")
	if svc.Archiver != nil {
		for _, pattern := range a.Archive {
			archived, err := archiveMatches(svc, workspace, pattern, env)
			pr.Archived = append(pr.Archived, archived...)
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	var reports []issues.Report
	if svc.Issues != nil {
		for _, src := range a.RecordIssues {
			artifact, err := env.Expand(src.Artifact)
			if err != nil {
				errs = append(errs, fmt.Errorf("record issues: %w", err))
				continue
			}
			if !filepath.IsAbs(artifact) {
				artifact = filepath.Join(workspace, artifact)
			}
			report, err := svc.Issues.Record(ctx, src.Tool, artifact)
			if err != nil {
				errs = append(errs, fmt.Errorf("record issues (%s): %w", src.Tool, err))
				continue
			}
			reports = append(reports, report)
		}
	}

	pr.Error = errString(errors.Join(errs...))
	return pr, steps, reports
}

func archiveMatches(svc Services, workspace, pattern string, env *envctx.Context) ([]string, error) {
	pattern, err := env.Expand(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(workspace, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("archive %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("archive %q: %w", pattern, os.ErrNotExist)
	}

	var archived []string
	for _, m := range matches {
		dst, err := svc.Archiver.Archive(svc.RunID, m)
		if err != nil {
			return archived, fmt.Errorf("archive %s: %w", m, err)
		}
		archived = append(archived, dst)
	}
	return archived, nil
}
