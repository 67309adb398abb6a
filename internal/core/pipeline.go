package core

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"pollci/internal/envctx"
)

// Pipeline is a declarative CI definition: a trigger, an environment, an
// ordered list of stages and a cleanup epilogue.
type Pipeline struct {
	Name        string                     `yaml:"name"`
	Agent       string                     `yaml:"agent"`
	Triggers    Triggers                   `yaml:"triggers"`
	Options     Options                    `yaml:"options"`
	Environment map[string]envctx.Variable `yaml:"environment"`
	Stages      []Stage                    `yaml:"stages"` // run in this order
	Cleanup     []Step                     `yaml:"cleanup"`
}

// Triggers controls when new runs start.
type Triggers struct {
	PollInterval string `yaml:"poll_interval"`
}

// Options are run-wide knobs.
type Options struct {
	Retention     int    `yaml:"retention"`
	StepTimeout   string `yaml:"step_timeout"`
	KeepWorkspace bool   `yaml:"keep_workspace"`
}

// Stage is a named group of steps with conditional post-actions.
type Stage struct {
	Name        string            `yaml:"name"`
	Disabled    bool              `yaml:"disabled"`
	Environment map[string]string `yaml:"environment"`
	Steps       []Step            `yaml:"steps"`
	Post        Post              `yaml:"post"`
}

// Post holds the actions selected by a stage's own result.
type Post struct {
	Success *Action `yaml:"success"`
	Failure *Action `yaml:"failure"`
	Always  *Action `yaml:"always"`
}

// Action is a post-action: steps, then archiving, then issue recording.
type Action struct {
	Steps        []Step        `yaml:"steps"`
	Archive      []string      `yaml:"archive"`
	RecordIssues []IssueSource `yaml:"record_issues"`
}

// IssueSource points the issue recorder at an artifact produced by the stage.
// Artifact is relative to the workspace and may reference ${VARIABLES}.
type IssueSource struct {
	Tool     string `yaml:"tool"`
	Artifact string `yaml:"artifact"`
}

// Step represents a single shell command inside a stage.
type Step struct {
	Name    string `yaml:"name"`
	Run     string `yaml:"run"`
	Timeout string `yaml:"timeout"`
}

// UnmarshalYAML accepts either a bare command string or a mapping.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Run = node.Value
		return nil
	}
	type plain Step
	return node.Decode((*plain)(s))
}

// Label is the name used in logs: the explicit name or the command.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}

// PollInterval returns the trigger interval, or fallback when unset.
func (p *Pipeline) PollInterval(fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(p.Triggers.PollInterval); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Retention returns the history bound, or fallback when unset.
func (p *Pipeline) Retention(fallback int) int {
	if p.Options.Retention > 0 {
		return p.Options.Retention
	}
	return fallback
}

// Validate checks what the schema cannot: unique stage names, steps present
// and parseable durations.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	if err := validDuration("triggers.poll_interval", p.Triggers.PollInterval); err != nil {
		return err
	}
	if err := validDuration("options.step_timeout", p.Options.StepTimeout); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("stage %d has no name", i+1)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if len(st.Steps) == 0 && !st.Disabled {
			return fmt.Errorf("stage %q has no steps", st.Name)
		}
		for _, step := range allSteps(st) {
			if step.Run == "" {
				return fmt.Errorf("stage %q: step %q has no run command", st.Name, step.Label())
			}
			if err := validDuration(fmt.Sprintf("stage %q step timeout", st.Name), step.Timeout); err != nil {
				return err
			}
		}
	}
	for _, step := range p.Cleanup {
		if step.Run == "" {
			return fmt.Errorf("cleanup step %q has no run command", step.Label())
		}
	}
	return nil
}

func allSteps(st Stage) []Step {
	steps := append([]Step(nil), st.Steps...)
	for _, a := range []*Action{st.Post.Success, st.Post.Failure, st.Post.Always} {
		if a != nil {
			steps = append(steps, a.Steps...)
		}
	}
	return steps
}

func validDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}
