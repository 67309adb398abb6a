package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pollci/internal/storage"
)

func TestParseLsRemote(t *testing.T) {
	out := "1111111111111111111111111111111111111111\tHEAD\n" +
		"2222222222222222222222222222222222222222\trefs/heads/main\n" +
		"3333333333333333333333333333333333333333\trefs/heads/release/main\n"

	tests := []struct {
		ref  string
		want string
	}{
		{"HEAD", "1111111111111111111111111111111111111111"},
		{"refs/heads/main", "2222222222222222222222222222222222222222"},
		{"main", "2222222222222222222222222222222222222222"},
	}
	for _, tt := range tests {
		got, err := ParseLsRemote(out, tt.ref)
		if err != nil || got != tt.want {
			t.Errorf("ParseLsRemote(%q) = %q, %v; want %q", tt.ref, got, err, tt.want)
		}
	}
	if _, err := ParseLsRemote(out, "develop"); !errors.Is(err, ErrRefNotFound) {
		t.Errorf("missing ref err = %v", err)
	}
}

// fakeGit writes a stand-in git binary that prints the refs file next to it.
func fakeGit(t *testing.T) (bin, refs string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "git")
	refs = filepath.Join(dir, "refs")
	script := "#!/bin/sh\n[ -f \"$(dirname \"$0\")/refs\" ] || { echo 'fatal: unreachable' >&2; exit 128; }\ncat \"$(dirname \"$0\")/refs\"\n"
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin, refs
}

func TestGitSourceDetectsNewCommits(t *testing.T) {
	bin, refs := fakeGit(t)
	g := NewGitSource("https://example.com/repo.git", "main")
	g.Git = bin
	ctx := context.Background()

	write := func(sha string) {
		os.WriteFile(refs, []byte(sha+"\trefs/heads/main\n"), 0644)
	}

	write("aaaa")
	if changed, err := g.HasChanges(ctx); err != nil || !changed {
		t.Fatalf("first observation: changed=%v err=%v", changed, err)
	}
	if changed, _ := g.HasChanges(ctx); changed {
		t.Error("unchanged ref reported as change")
	}
	write("bbbb")
	if changed, _ := g.HasChanges(ctx); !changed {
		t.Error("new commit not detected")
	}
	if g.Head() != "bbbb" {
		t.Errorf("Head() = %q", g.Head())
	}
}

func TestGitSourceErrorKeepsLastHead(t *testing.T) {
	bin, refs := fakeGit(t)
	g := NewGitSource("origin", "main")
	g.Git = bin
	ctx := context.Background()

	os.WriteFile(refs, []byte("aaaa\trefs/heads/main\n"), 0644)
	g.HasChanges(ctx)

	os.Remove(refs)
	if _, err := g.HasChanges(ctx); err == nil {
		t.Fatal("expected error when remote is unreachable")
	}

	os.WriteFile(refs, []byte("aaaa\trefs/heads/main\n"), 0644)
	if changed, err := g.HasChanges(ctx); err != nil || changed {
		t.Errorf("after recovery: changed=%v err=%v", changed, err)
	}
}

func waitForChange(t *testing.T, s *WatchSource) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if changed, err := s.HasChanges(context.Background()); err != nil {
			t.Fatalf("HasChanges: %v", err)
		} else if changed {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("change not detected")
}

func TestWatchSource(t *testing.T) {
	dir := t.TempDir()
	s, err := NewWatchSource(dir, nil)
	if err != nil {
		t.Fatalf("NewWatchSource: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if changed, _ := s.HasChanges(ctx); !changed {
		t.Error("first poll should report a change")
	}
	if changed, _ := s.HasChanges(ctx); changed {
		t.Error("no writes but change reported")
	}

	os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)\n"), 0644)
	waitForChange(t, s)

	sub := filepath.Join(dir, "pkg")
	os.Mkdir(sub, 0755)
	waitForChange(t, s)
	os.WriteFile(filepath.Join(sub, "mod.py"), []byte("x = 1\n"), 0644)
	waitForChange(t, s)
}

func TestIgnored(t *testing.T) {
	s := &WatchSource{Dir: "/repo", exclude: []string{"/repo/build/out", "/var/pollci/ledger.jsonl"}}
	cases := map[string]bool{
		"/repo/.git/objects":             true,
		"/repo/.pollci/logs/run-1/a.log": true,
		"/repo/build/out":                true,
		"/repo/build/out/x.log":          true,
		"/var/pollci/ledger.jsonl":       true,
		"/repo/build/outer.py":           false,
		"/repo/src/git.py":               false,
		"/repo/pollci.py":                false,
	}
	for path, want := range cases {
		if got := s.ignored(path); got != want {
			t.Errorf("ignored(%q) = %v, want %v", path, got, want)
		}
	}
}

// assertQuiet fails if the source reports a change within a short settle
// period.
func assertQuiet(t *testing.T, s *WatchSource, what string) {
	t.Helper()
	time.Sleep(300 * time.Millisecond)
	if changed, err := s.HasChanges(context.Background()); err != nil || changed {
		t.Errorf("%s: changed=%v err=%v", what, changed, err)
	}
}

func TestWatchSourceSkipsRunnerOutput(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	workspaces := filepath.Join(dir, "ws")
	s, err := NewWatchSource(dir, nil, workspaces, dir, outside)
	if err != nil {
		t.Fatalf("NewWatchSource: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	s.HasChanges(ctx)

	logs := storage.NewLogStorage(filepath.Join(dir, ".pollci", "logs"))
	if _, _, err := logs.SaveLog("run-1", "01-Static Analysis", 0, "lint ok\n"); err != nil {
		t.Fatal(err)
	}
	assertQuiet(t, s, "log written under .pollci")

	if err := os.MkdirAll(filepath.Join(workspaces, "run-1"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(workspaces, "run-1", "pylint.log"), []byte("x"), 0644)
	assertQuiet(t, s, "write in excluded workspace root")

	// An exclusion that covers the watched dir itself is dropped.
	os.WriteFile(filepath.Join(dir, "main.py"), []byte("print(1)\n"), 0644)
	waitForChange(t, s)
}
