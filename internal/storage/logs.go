// Package storage owns the files a run leaves behind: step logs, archived
// artifacts and run workspaces.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pollci/pkg/utils"
)

// LogStorage saves step output under BaseDir/<run>/.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a log storage handler rooted at baseDir.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of one step and returns its path and SHA-256.
func (ls *LogStorage) SaveLog(runID, stage string, step int, output string) (string, string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%02d.log", sanitize(stage), step+1))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", "", err
	}
	hash, err := utils.HashFile(path)
	if err != nil {
		return "", "", fmt.Errorf("hash log: %w", err)
	}
	return path, hash, nil
}

// sanitize keeps names usable as file names.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "step"
	}
	return b.String()
}
