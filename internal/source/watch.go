package source

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// WatchSource reports a change whenever files under a local checkout were
// created, written, removed or renamed since the previous poll. Events are
// coalesced into a single dirty flag.
type WatchSource struct {
	Dir    string
	Logger *slog.Logger

	exclude []string
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	dirty bool
	err   error
}

// NewWatchSource watches dir and all its subdirectories except .git,
// .pollci and the exclude paths. Exclusions are files or directories the
// runner itself writes to (workspaces, logs, archives, ledger); an
// exclusion that contains dir is ignored. The first poll reports a change.
func NewWatchSource(dir string, logger *slog.Logger, exclude ...string) (*WatchSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	s := &WatchSource{Dir: root, Logger: logger, done: make(chan struct{}), dirty: true}
	for _, ex := range exclude {
		if ex == "" {
			continue
		}
		abs, err := filepath.Abs(ex)
		if err != nil {
			return nil, err
		}
		if within(root, abs) {
			logger.Warn("watch exclusion covers the watched tree; not excluded", "path", abs)
			continue
		}
		s.exclude = append(s.exclude, abs)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s.watcher = w
	if err := s.addTree(root); err != nil {
		w.Close()
		return nil, err
	}
	go s.loop()
	return s, nil
}

func (s *WatchSource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if s.ignored(path) {
			return filepath.SkipDir
		}
		return s.watcher.Add(path)
	})
}

// ignored reports whether events under path must not mark the tree dirty.
func (s *WatchSource) ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".git" || part == ".pollci" {
			return true
		}
	}
	for _, ex := range s.exclude {
		if within(path, ex) {
			return true
		}
	}
	return false
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *WatchSource) loop() {
	defer close(s.done)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}
}

func (s *WatchSource) handle(ev fsnotify.Event) {
	if s.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		// New directories need their own watch.
		if err := s.addTree(ev.Name); err != nil {
			s.Logger.Debug("watch new path failed", "path", ev.Name, "error", err)
		}
	}
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// HasChanges reports and clears the dirty flag. A watcher error is returned
// once and then cleared.
func (s *WatchSource) HasChanges(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		err := s.err
		s.err = nil
		return false, err
	}
	changed := s.dirty
	s.dirty = false
	return changed, nil
}

// Close stops watching.
func (s *WatchSource) Close() error {
	err := s.watcher.Close()
	<-s.done
	return err
}
