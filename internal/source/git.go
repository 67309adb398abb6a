// Package source implements the change sources the trigger scheduler polls.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// ErrRefNotFound is returned when the remote does not advertise the ref.
var ErrRefNotFound = errors.New("ref not found on remote")

// GitSource detects new commits on a remote ref with `git ls-remote`.
// The first successful observation counts as a change.
type GitSource struct {
	Remote string
	Ref    string
	// Git is the git binary, "git" when empty.
	Git string

	mu   sync.Mutex
	last string
}

// NewGitSource watches ref (HEAD when empty) on remote.
func NewGitSource(remote, ref string) *GitSource {
	if ref == "" {
		ref = "HEAD"
	}
	return &GitSource{Remote: remote, Ref: ref}
}

// HasChanges reports whether the ref points at a different commit than on
// the previous call.
func (g *GitSource) HasChanges(ctx context.Context) (bool, error) {
	sha, err := g.resolve(ctx)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if sha == g.last {
		return false, nil
	}
	g.last = sha
	return true, nil
}

// Head returns the last observed commit.
func (g *GitSource) Head() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func (g *GitSource) resolve(ctx context.Context) (string, error) {
	bin := g.Git
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, "ls-remote", g.Remote, g.Ref)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git ls-remote %s failed: %s: %w", g.Remote, strings.TrimSpace(stderr.String()), err)
	}
	return ParseLsRemote(string(out), g.Ref)
}

// ParseLsRemote extracts the commit for ref from `git ls-remote` output.
// A short ref such as "main" matches refs/heads/main.
func ParseLsRemote(output, ref string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	var fallback string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		sha, name := fields[0], fields[1]
		switch {
		case name == ref:
			return sha, nil
		case fallback == "" && strings.HasSuffix(name, "/"+ref):
			fallback = sha
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
}
