package core_test

import (
	"context"
	"errors"
	"sync"

	"pollci/internal/core"
	"pollci/internal/envctx"
)

var errStep = errors.New("exit code 1")

// fakeSteps records every step command it is asked to run.
type fakeSteps struct {
	mu      sync.Mutex
	calls   []string
	envs    []map[string]string
	fail    map[string]error
	started chan string // receives "block" steps once they are running
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{fail: map[string]error{}, started: make(chan string, 4)}
}

func (f *fakeSteps) RunStep(ctx context.Context, step core.Step, env *envctx.Context) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, step.Run)
	f.envs = append(f.envs, env.Values())
	err := f.fail[step.Run]
	f.mu.Unlock()

	switch step.Run {
	case "block":
		f.started <- step.Run
		<-ctx.Done()
		return "", ctx.Err()
	case "panic":
		panic("boom")
	}
	if err != nil {
		return "failed " + step.Run, err
	}
	return "ok " + step.Run, nil
}

func (f *fakeSteps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSteps) count(run string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == run {
			n++
		}
	}
	return n
}

func steps(runs ...string) []core.Step {
	out := make([]core.Step, len(runs))
	for i, r := range runs {
		out[i] = core.Step{Run: r}
	}
	return out
}

func action(runs ...string) *core.Action {
	return &core.Action{Steps: steps(runs...)}
}
