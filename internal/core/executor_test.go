package core_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"pollci/internal/core"
	"pollci/internal/envctx"
)

func TestExecutorRunsInWorkspaceWithEnvironment(t *testing.T) {
	ws := t.TempDir()
	env := envctx.FromMap(map[string]string{"WORKSPACE": ws, "GREETING": "hello"})
	e := core.NewExecutor(0)

	out, err := e.RunStep(context.Background(), core.Step{Run: `echo "${GREETING} $GREETING" && pwd`}, env)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "hello hello" {
		t.Errorf("output = %q", out)
	}
	if !strings.HasSuffix(lines[1], ws) {
		t.Errorf("pwd = %q, want %q", lines[1], ws)
	}
}

func TestExecutorReportsExitCode(t *testing.T) {
	e := core.NewExecutor(0)
	out, err := e.RunStep(context.Background(), core.Step{Run: "echo broken; exit 3"}, envctx.FromMap(nil))
	if err == nil || !strings.Contains(err.Error(), "exit code 3") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "broken") {
		t.Errorf("output = %q", out)
	}
}

func TestExecutorLeavesShellVariables(t *testing.T) {
	env := envctx.FromMap(map[string]string{"PREFIX": "lint"})
	e := core.NewExecutor(0)
	out, err := e.RunStep(context.Background(), core.Step{Run: `for x in a b; do printf '%s-%s ' "${PREFIX}" "${x}"; done`}, env)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out != "lint-a lint-b " {
		t.Errorf("out = %q", out)
	}
}

func TestExecutorStepTimeout(t *testing.T) {
	e := core.NewExecutor(time.Minute)
	start := time.Now()
	_, err := e.RunStep(context.Background(), core.Step{Run: "sleep 30", Timeout: "100ms"}, envctx.FromMap(nil))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("timeout did not kill the step")
	}
}

func TestExecutorCancellationKillsChildren(t *testing.T) {
	e := core.NewExecutor(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.RunStep(ctx, core.Step{Run: "sleep 30 & sleep 30; wait"}, envctx.FromMap(nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancellation did not reach the process group")
	}
}

func TestExecutorDoesNotWaitForEscapedChildren(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	e := core.NewExecutor(time.Minute)
	start := time.Now()
	// The setsid child leaves the process group but keeps stdout open.
	_, err := e.RunStep(context.Background(), core.Step{Run: "setsid sleep 30 & sleep 30", Timeout: "100ms"}, envctx.FromMap(nil))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 15*time.Second {
		t.Error("step waited for a child outside its process group")
	}
}
