package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pollci/pkg/utils"
)

func TestSaveLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())
	path, hash, err := ls.SaveLog("run-1", "Static Analysis", 0, "lint ok\n")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join("run-1", "Static_Analysis-01.log")) {
		t.Errorf("unexpected path %s", path)
	}
	if hash != utils.HashBytes([]byte("lint ok\n")) {
		t.Errorf("hash = %s", hash)
	}
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"build":         "build",
		"unit tests":    "unit_tests",
		"../../etc":     "______etc",
		"!!!":           "step",
		"lint-v2_final": "lint-v2_final",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "pylint.log")
	content := strings.Repeat("src/a.py:1:0: C0114 missing docstring\n", 50)
	if err := os.WriteFile(src, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	a := NewArchiver(t.TempDir())
	dst, err := a.Archive("run-1", src)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if filepath.Base(dst) != "pylint.log.zst" {
		t.Errorf("archived name = %s", dst)
	}
	got, err := ReadArchived(dst)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != content {
		t.Error("archived content differs")
	}
}

func TestWorkspaceCreateAndRemoveIdempotent(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	path, err := w.Create("run-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("workspace path not absolute: %s", path)
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		t.Fatalf("workspace missing: %v", err)
	}
	if err := w.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := w.Remove(path); err != nil {
		t.Errorf("second remove: %v", err)
	}
}
