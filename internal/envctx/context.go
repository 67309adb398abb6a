// Package envctx builds the per-run environment shared by every stage.
package envctx

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrContextInit is wrapped by every error returned from Build and With.
var ErrContextInit = errors.New("environment context init failed")

// variablePattern matches ${NAME} references. Bare $NAME is left for the shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Variable declares one environment variable of a pipeline.
type Variable struct {
	Value    string `yaml:"value" json:"value"`
	Required bool   `yaml:"required" json:"required"`
}

// Options is everything Build needs to construct a Context.
type Options struct {
	// Declared holds the static declarations from the pipeline definition.
	Declared map[string]Variable
	// RunScoped holds values computed for this run (workspace path, build id).
	// They win over declarations and can be referenced by them.
	RunScoped map[string]string
	// Lookup supplies declared variables that carry no value and any
	// undeclared name a value references. Usually os.Getenv.
	Lookup func(string) string
}

// Context is the read-only key/value configuration of one run.
type Context struct {
	values map[string]string
	parent *Context
}

// Build merges environment lookups, declared values and run-scoped values
// (lowest to highest priority) and expands ${NAME} references. A value that
// references its own name sees the next lower source, so
// PATH=${WORKSPACE}/bin:${PATH} extends the process PATH.
func Build(opts Options) (*Context, error) {
	raw := make(map[string]string, len(opts.Declared)+len(opts.RunScoped))
	for name, decl := range opts.Declared {
		if decl.Value != "" {
			raw[name] = decl.Value
		} else if opts.Lookup != nil {
			if value := opts.Lookup(name); value != "" {
				raw[name] = value
			}
		}
	}
	for name, value := range opts.RunScoped {
		raw[name] = value
	}

	var missing []string
	for name, decl := range opts.Declared {
		if _, ok := raw[name]; decl.Required && !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: required variables not set: %s", ErrContextInit, strings.Join(missing, ", "))
	}

	values, err := expandAll(raw, func(name string) (string, bool) {
		if opts.Lookup == nil {
			return "", false
		}
		value := opts.Lookup(name)
		return value, value != ""
	})
	if err != nil {
		return nil, err
	}
	return &Context{values: values}, nil
}

// FromMap wraps already-resolved values without expansion.
func FromMap(values map[string]string) *Context {
	return &Context{values: maps.Clone(values)}
}

// expandAll resolves references inside values against each other, falling
// back to lookup for names outside raw and for self references. Values may
// chain but not cycle.
func expandAll(raw map[string]string, lookup func(string) (string, bool)) (map[string]string, error) {
	resolved := make(map[string]string, len(raw))
	visiting := make(map[string]bool)

	outer := func(name string) (string, error) {
		if lookup != nil {
			if inherited, found := lookup(name); found {
				return inherited, nil
			}
		}
		return "", fmt.Errorf("%w: unresolved variable %s", ErrContextInit, name)
	}

	var resolve func(name string) (string, error)
	resolve = func(name string) (string, error) {
		if value, ok := resolved[name]; ok {
			return value, nil
		}
		value, ok := raw[name]
		if !ok {
			return outer(name)
		}
		if visiting[name] {
			return "", fmt.Errorf("%w: variable %s references itself", ErrContextInit, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		var firstErr error
		out := variablePattern.ReplaceAllStringFunc(value, func(match string) string {
			ref := match[2 : len(match)-1]
			lookupRef := resolve
			if ref == name {
				lookupRef = outer
			}
			v, err := lookupRef(ref)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return v
		})
		if firstErr != nil {
			return "", firstErr
		}
		resolved[name] = out
		return out, nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// Resolve returns the value for key. Lookups are stable for the lifetime of
// the context.
func (c *Context) Resolve(key string) (string, bool) {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if value, ok := ctx.values[key]; ok {
			return value, true
		}
	}
	return "", false
}

// With returns a child context carrying overrides. The receiver is not
// modified, so the override lives exactly as long as the caller keeps the
// child.
func (c *Context) With(overrides map[string]string) (*Context, error) {
	if len(overrides) == 0 {
		return c, nil
	}
	values, err := expandAll(overrides, c.Resolve)
	if err != nil {
		return nil, err
	}
	return &Context{values: values, parent: c}, nil
}

// Values returns a flattened copy of the context.
func (c *Context) Values() map[string]string {
	var chain []*Context
	for ctx := c; ctx != nil; ctx = ctx.parent {
		chain = append(chain, ctx)
	}
	out := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(out, chain[i].values)
	}
	return out
}

// Environ returns the process environment with the context values layered on
// top, in KEY=value form for exec.Cmd.Env.
func (c *Context) Environ() []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			merged[name] = value
		}
	}
	maps.Copy(merged, c.Values())

	env := make([]string, 0, len(merged))
	for name, value := range merged {
		env = append(env, name+"="+value)
	}
	sort.Strings(env)
	return env
}

// Expand replaces ${NAME} references in input. Every reference must resolve.
func (c *Context) Expand(input string) (string, error) {
	var unresolved []string
	out := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := c.Resolve(name); ok {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})
	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}
	return out, nil
}

// ExpandKnown replaces the ${NAME} references that resolve and leaves the
// rest untouched, for input that a shell expands afterwards.
func (c *Context) ExpandKnown(input string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		if value, ok := c.Resolve(match[2 : len(match)-1]); ok {
			return value
		}
		return match
	})
}

// UnmarshalYAML accepts either a bare value or a {value, required} mapping.
func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Value = node.Value
		return nil
	}
	type plain Variable
	return node.Decode((*plain)(v))
}
