package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspaces hands out one directory per run under Root.
type Workspaces struct {
	Root string
}

// NewWorkspaces creates a workspace allocator rooted at root.
func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{Root: root}
}

// Create makes an empty workspace for runID and returns its absolute path.
func (w *Workspaces) Create(runID string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, sanitize(runID))
	if err := os.MkdirAll(path, 0775); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return path, nil
}

// Remove deletes a workspace. Removing a missing workspace is not an error.
func (w *Workspaces) Remove(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
