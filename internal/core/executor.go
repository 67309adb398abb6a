package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"pollci/internal/envctx"
)

// DefaultStepTimeout bounds a step that declares no timeout of its own.
const DefaultStepTimeout = 30 * time.Minute

// stepWaitDelay is how long a killed step may keep its output pipes open
// through a process that left the group before they are closed.
const stepWaitDelay = 5 * time.Second

// StepRunner executes one step body. The core only looks at the error.
type StepRunner interface {
	RunStep(ctx context.Context, step Step, env *envctx.Context) (string, error)
}

// Executor runs steps as `sh -c` commands inside the run workspace.
type Executor struct {
	// Timeout applies to steps without their own timeout.
	Timeout time.Duration
}

// NewExecutor creates a shell executor with the given default timeout
// (DefaultStepTimeout when zero).
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Executor{Timeout: timeout}
}

// RunStep expands the ${VARIABLES} the context knows, runs the command with
// the context's environment and returns the combined output. Unknown
// ${NAME} references are shell variables and reach sh unchanged.
func (e *Executor) RunStep(ctx context.Context, step Step, env *envctx.Context) (string, error) {
	command := env.ExpandKnown(step.Run)

	timeout := e.Timeout
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if dir, ok := env.Resolve("WORKSPACE"); ok {
		cmd.Dir = dir
	}
	cmd.Env = env.Environ()

	// Own process group so cancellation reaches the shell's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = stepWaitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return out.String(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out.String(), fmt.Errorf("timed out after %s", timeout)
		}
		return out.String(), ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), fmt.Errorf("exit code %d", exitErr.ExitCode())
	}
	return out.String(), err
}
